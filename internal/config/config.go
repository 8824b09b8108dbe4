// Package config loads CrawlMesh's runtime configuration from defaults,
// an optional YAML file, environment variables, and command-line flags,
// layered through Viper the way the ambient stack this engine is adapted
// from does (spec §6).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Queue backend names for the queue_backend option.
const (
	QueueBackendMemory   = "memory"
	QueueBackendKeyValue = "keyvalue"
)

// Catalog backend names for the catalog.backend option.
const (
	CatalogBackendElasticsearch = "elasticsearch"
	CatalogBackendPostgres      = "postgres"
)

// Config is every option listed in spec §6, with defaults applied.
type Config struct {
	QueueBackend string `mapstructure:"queue_backend"`

	NumCrawlWorkers int `mapstructure:"num_crawl_workers"`
	NumParseWorkers int `mapstructure:"num_parse_workers"`

	RateRPS       float64 `mapstructure:"rate.rps"`
	RateBurst     int     `mapstructure:"rate.burst"`
	RateJitter    float64 `mapstructure:"rate.jitter"`
	RatePerDomain bool    `mapstructure:"rate.per_domain"`

	DNSTTLSeconds int `mapstructure:"dns.ttl_seconds"`

	MaxContentSize int64 `mapstructure:"max_content_size"`
	MaxRedirects   int   `mapstructure:"max_redirects"`
	MaxDepth       int   `mapstructure:"max_depth"`
	MaxRetries     int   `mapstructure:"max_retries"`

	RetryBaseSeconds float64 `mapstructure:"retry.base_seconds"`
	RetryCapSeconds  float64 `mapstructure:"retry.cap_seconds"`

	VisibilityTimeoutSeconds int `mapstructure:"visibility_timeout_seconds"`

	RendererEnabled          bool `mapstructure:"renderer.enabled"`
	RendererPoolSize         int  `mapstructure:"renderer.pool_size"`
	RendererPageTimeoutSecs  int  `mapstructure:"renderer.page_timeout_seconds"`

	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`

	UserAgent string `mapstructure:"user_agent"`
	RedisAddr string `mapstructure:"redis.addr"`

	LogLevel string `mapstructure:"log_level"`

	// CatalogBackend selects the Catalog/BlobStore adapter pair used by
	// `crawlmesh run` — "elasticsearch" or "postgres". Postgres only
	// implements the Catalog half (§4.K), so it is always paired with the
	// Elasticsearch BlobStore for bodies.
	CatalogBackend   string `mapstructure:"catalog.backend"`
	ElasticsearchAddr string `mapstructure:"catalog.elasticsearch.addr"`
	PostgresDSN      string `mapstructure:"catalog.postgres.dsn"`
}

// RetryBase returns RetryBaseSeconds as a time.Duration.
func (c Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds * float64(time.Second))
}

// RetryCap returns RetryCapSeconds as a time.Duration.
func (c Config) RetryCap() time.Duration {
	return time.Duration(c.RetryCapSeconds * float64(time.Second))
}

// VisibilityTimeout returns VisibilityTimeoutSeconds as a time.Duration.
func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

// ShutdownGrace returns ShutdownGraceSeconds as a time.Duration.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// RendererPageTimeout returns RendererPageTimeoutSecs as a time.Duration.
func (c Config) RendererPageTimeout() time.Duration {
	return time.Duration(c.RendererPageTimeoutSecs) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue_backend", QueueBackendMemory)
	v.SetDefault("num_crawl_workers", 5)
	v.SetDefault("num_parse_workers", 3)
	v.SetDefault("rate.rps", 2.0)
	v.SetDefault("rate.burst", 10)
	v.SetDefault("rate.jitter", 0.1)
	v.SetDefault("rate.per_domain", true)
	v.SetDefault("dns.ttl_seconds", 600)
	v.SetDefault("max_content_size", int64(100*1024*1024))
	v.SetDefault("max_redirects", 5)
	v.SetDefault("max_depth", 3)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry.base_seconds", 30.0)
	v.SetDefault("retry.cap_seconds", 3600.0)
	v.SetDefault("visibility_timeout_seconds", 300)
	v.SetDefault("renderer.enabled", false)
	v.SetDefault("renderer.pool_size", 3)
	v.SetDefault("renderer.page_timeout_seconds", 45)
	v.SetDefault("shutdown_grace_seconds", 30)
	v.SetDefault("user_agent", "CrawlMesh/1.0 (+https://github.com/crawlmesh/core)")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("log_level", "info")
	v.SetDefault("catalog.backend", CatalogBackendElasticsearch)
	v.SetDefault("catalog.elasticsearch.addr", "http://localhost:9200")
	v.SetDefault("catalog.postgres.dsn", "")
}

// Load builds a Config from (in ascending precedence): built-in defaults,
// an optional YAML config file, a .env file if present, environment
// variables prefixed CRAWLMESH_, and flags already bound to fs.
func Load(configFile string, fs *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("crawlmesh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read %s: %w", configFile, err)
			}
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	// Viper's Unmarshal doesn't resolve dotted keys against a flat struct,
	// so each option is pulled explicitly rather than decoded in bulk.
	cfg := &Config{
		QueueBackend:             v.GetString("queue_backend"),
		NumCrawlWorkers:          v.GetInt("num_crawl_workers"),
		NumParseWorkers:          v.GetInt("num_parse_workers"),
		RateRPS:                  v.GetFloat64("rate.rps"),
		RateBurst:                v.GetInt("rate.burst"),
		RateJitter:               v.GetFloat64("rate.jitter"),
		RatePerDomain:            v.GetBool("rate.per_domain"),
		DNSTTLSeconds:            v.GetInt("dns.ttl_seconds"),
		MaxContentSize:           v.GetInt64("max_content_size"),
		MaxRedirects:             v.GetInt("max_redirects"),
		MaxDepth:                 v.GetInt("max_depth"),
		MaxRetries:               v.GetInt("max_retries"),
		RetryBaseSeconds:         v.GetFloat64("retry.base_seconds"),
		RetryCapSeconds:          v.GetFloat64("retry.cap_seconds"),
		VisibilityTimeoutSeconds: v.GetInt("visibility_timeout_seconds"),
		RendererEnabled:          v.GetBool("renderer.enabled"),
		RendererPoolSize:         v.GetInt("renderer.pool_size"),
		RendererPageTimeoutSecs:  v.GetInt("renderer.page_timeout_seconds"),
		ShutdownGraceSeconds:     v.GetInt("shutdown_grace_seconds"),
		UserAgent:                v.GetString("user_agent"),
		RedisAddr:                v.GetString("redis.addr"),
		LogLevel:                 v.GetString("log_level"),
		CatalogBackend:           v.GetString("catalog.backend"),
		ElasticsearchAddr:        v.GetString("catalog.elasticsearch.addr"),
		PostgresDSN:              v.GetString("catalog.postgres.dsn"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks invariants that default values alone cannot guarantee,
// e.g. a user explicitly setting a worker count to zero.
func (c *Config) Validate() error {
	if c.QueueBackend != QueueBackendMemory && c.QueueBackend != QueueBackendKeyValue {
		return fmt.Errorf("queue_backend: must be %q or %q, got %q", QueueBackendMemory, QueueBackendKeyValue, c.QueueBackend)
	}
	if c.NumCrawlWorkers < 1 {
		return errors.New("num_crawl_workers: must be >= 1")
	}
	if c.NumParseWorkers < 1 {
		return errors.New("num_parse_workers: must be >= 1")
	}
	if c.RateRPS <= 0 {
		return errors.New("rate.rps: must be > 0")
	}
	if c.RateJitter < 0 || c.RateJitter > 1 {
		return errors.New("rate.jitter: must be in [0,1]")
	}
	if c.MaxDepth < 0 {
		return errors.New("max_depth: must be >= 0")
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries: must be >= 0")
	}
	if c.CatalogBackend != CatalogBackendElasticsearch && c.CatalogBackend != CatalogBackendPostgres {
		return fmt.Errorf("catalog.backend: must be %q or %q, got %q", CatalogBackendElasticsearch, CatalogBackendPostgres, c.CatalogBackend)
	}
	return nil
}

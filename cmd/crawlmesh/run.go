package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	_ "github.com/lib/pq"

	"github.com/crawlmesh/core/internal/catalog"
	"github.com/crawlmesh/core/internal/circuitbreaker"
	"github.com/crawlmesh/core/internal/config"
	"github.com/crawlmesh/core/internal/coordination"
	"github.com/crawlmesh/core/internal/crawlworker"
	"github.com/crawlmesh/core/internal/dnscache"
	"github.com/crawlmesh/core/internal/fetcher"
	"github.com/crawlmesh/core/internal/inflight"
	"github.com/crawlmesh/core/internal/logging"
	"github.com/crawlmesh/core/internal/parseworker"
	"github.com/crawlmesh/core/internal/queue"
	"github.com/crawlmesh/core/internal/queue/memory"
	"github.com/crawlmesh/core/internal/queue/redisqueue"
	"github.com/crawlmesh/core/internal/ratelimit"
	"github.com/crawlmesh/core/internal/renderer"
	"github.com/crawlmesh/core/internal/robots"
	"github.com/crawlmesh/core/internal/supervisor"
	"github.com/crawlmesh/core/internal/telemetry"
)

const leaderLockKey = "crawlmesh:supervisor:leader"

func runCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the crawl engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runEngine(cmd.Context(), cfg, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on")
	return cmd
}

func runEngine(ctx context.Context, cfg *config.Config, metricsAddr string) error {
	log, err := logging.New(logging.Config{Level: cfg.LogLevel})
	if err != nil {
		return fmt.Errorf("run: build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	var redisClient *redis.Client
	if cfg.QueueBackend == config.QueueBackendKeyValue {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	qm, err := buildQueue(cfg, redisClient)
	if err != nil {
		return err
	}

	cat, blobs, err := buildCatalog(ctx, cfg, log)
	if err != nil {
		return err
	}

	rate := ratelimit.New(ratelimit.Config{
		RPS:       cfg.RateRPS,
		Burst:     cfg.RateBurst,
		Jitter:    cfg.RateJitter,
		PerDomain: cfg.RatePerDomain,
	})
	dns := dnscache.New(dnscache.Config{TTL: time.Duration(cfg.DNSTTLSeconds) * time.Second}, nil, metrics)
	robotsChecker := robots.New(nil, cfg.UserAgent)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	inflightIdx := inflight.New()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	fetch := fetcher.New(fetcher.Config{
		UserAgent:      cfg.UserAgent,
		MaxRedirects:   cfg.MaxRedirects,
		MaxContentSize: cfg.MaxContentSize,
	}, httpClient, blobs)
	fetch.SetAdmission(rate, robotsChecker)

	var renderPool *renderer.Pool
	if cfg.RendererEnabled {
		renderPool, err = renderer.New(renderer.Config{
			MaxInstances: cfg.RendererPoolSize,
			PageTimeout:  cfg.RendererPageTimeout(),
			Stealth:      true,
			UserAgent:    cfg.UserAgent,
		})
		if err != nil {
			return fmt.Errorf("run: start renderer pool: %w", err)
		}
	}

	crawlHandler := &crawlworker.Handler{
		Config: crawlworker.Config{
			MaxRetries:        cfg.MaxRetries,
			RetryBase:         cfg.RetryBase(),
			RetryCap:          cfg.RetryCap(),
			RetryJitter:       cfg.RateJitter,
			VisibilityTimeout: cfg.VisibilityTimeout(),
		},
		Queue:    qm,
		Robots:   robotsChecker,
		Rate:     rate,
		DNS:      dns,
		Fetcher:  fetch,
		Renderer: renderPool,
		Catalog:  cat,
		Blobs:    blobs,
		Inflight: inflightIdx,
		Breakers: breakers,
		Metrics:  metrics,
		Log:      log.With(logging.String("component", "crawlworker")),
	}
	crawlPool := crawlworker.NewPool(crawlHandler, cfg.NumCrawlWorkers, log)

	parseHandler := &parseworker.Handler{
		Config: parseworker.Config{
			MaxDepth:    cfg.MaxDepth,
			RetryBase:   cfg.RetryBase(),
			RetryCap:    cfg.RetryCap(),
			RetryJitter: cfg.RateJitter,
			MaxRetries:  cfg.MaxRetries,
		},
		Queue:   qm,
		Blobs:   blobs,
		Catalog: cat,
		Parser:  &parseworker.HTMLParser{},
		Log:     log.With(logging.String("component", "parseworker")),
	}
	parsePool := parseworker.NewPool(parseHandler, cfg.NumParseWorkers, log)

	supCfg := supervisor.Config{ShutdownGrace: cfg.ShutdownGrace()}
	if cfg.QueueBackend == config.QueueBackendKeyValue {
		supCfg.RequeueInterval = time.Minute
	}
	sup := supervisor.New(supCfg, qm, crawlPool, parsePool, renderPool, metrics, log)
	if redisClient != nil {
		sup.LeaderLock = coordination.NewDistributedLock(redisClient, leaderLockKey, coordination.DefaultLockConfig())
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("run: metrics server stopped", logging.Err(err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sup.Start(runCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-sigCh:
		log.Info("run: shutdown signal received")
	}

	cancel()
	sup.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	return nil
}

func buildQueue(cfg *config.Config, redisClient *redis.Client) (queue.Manager, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendMemory:
		return memory.New(cfg.VisibilityTimeout()), nil
	case config.QueueBackendKeyValue:
		return redisqueue.New(redisClient, redisqueue.Config{VisibilityTimeout: cfg.VisibilityTimeout()}), nil
	default:
		return nil, fmt.Errorf("run: unknown queue_backend %q", cfg.QueueBackend)
	}
}

func buildCatalog(ctx context.Context, cfg *config.Config, log logging.Logger) (catalog.Catalog, catalog.BlobStore, error) {
	esClient, err := es.NewClient(es.Config{Addresses: []string{cfg.ElasticsearchAddr}})
	if err != nil {
		return nil, nil, fmt.Errorf("run: build elasticsearch client: %w", err)
	}
	blobs := catalog.NewElasticsearchBlobStore(esClient, "")

	switch cfg.CatalogBackend {
	case config.CatalogBackendElasticsearch:
		return catalog.NewElasticsearchCatalog(esClient, catalog.ElasticsearchConfig{}, log), blobs, nil
	case config.CatalogBackendPostgres:
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("run: connect postgres: %w", err)
		}
		return catalog.NewPostgresCatalog(db), blobs, nil
	default:
		return nil, nil, fmt.Errorf("run: unknown catalog.backend %q", cfg.CatalogBackend)
	}
}

// Package dnscache resolves hostnames through a TTL cache so repeated
// fetches to the same host don't each pay a resolver round trip (spec §5).
package dnscache

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/crawlmesh/core/internal/domain"
	"github.com/crawlmesh/core/internal/telemetry"
)

// DefaultTTL is the cache lifetime applied when Config.TTL is unset.
const DefaultTTL = 600 * time.Second

// Resolver is the subset of net.Resolver used by Cache, satisfied by
// *net.Resolver and fakeable in tests.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Config controls Cache behavior.
type Config struct {
	TTL time.Duration
}

// SetDefaults fills the zero-value TTL with DefaultTTL.
func (c *Config) SetDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
}

// Cache resolves hostnames with a TTL cache in front of Resolver. Failed
// lookups are never cached — a transient resolver failure should not
// poison every subsequent fetch for the TTL window. Concurrent lookups for
// the same host are coalesced into a single resolver call.
type Cache struct {
	cfg      Config
	resolver Resolver
	now      func() time.Time
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	entries map[string]domain.DNSEntry
	inFlight map[string]chan struct{}
}

// New builds a Cache backed by resolver. metrics may be nil.
func New(cfg Config, resolver Resolver, metrics *telemetry.Metrics) *Cache {
	cfg.SetDefaults()
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Cache{
		cfg:      cfg,
		resolver: resolver,
		now:      time.Now,
		metrics:  metrics,
		entries:  make(map[string]domain.DNSEntry),
		inFlight: make(map[string]chan struct{}),
	}
}

// Lookup returns the cached addresses for host, resolving and populating
// the cache on a miss or expiry.
func (c *Cache) Lookup(ctx context.Context, host string) ([]string, error) {
	for {
		c.mu.Lock()
		if entry, ok := c.entries[host]; ok && c.now().Before(entry.ExpiresAt) {
			c.mu.Unlock()
			c.recordHit()
			return entry.Addresses, nil
		}

		if wait, ok := c.inFlight[host]; ok {
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-wait:
			}
			continue
		}

		done := make(chan struct{})
		c.inFlight[host] = done
		c.mu.Unlock()
		c.recordMiss()

		addrs, err := c.resolver.LookupHost(ctx, host)

		c.mu.Lock()
		delete(c.inFlight, host)
		if err == nil {
			c.entries[host] = domain.DNSEntry{
				Addresses: addrs,
				ExpiresAt: c.now().Add(c.cfg.TTL),
			}
		}
		c.mu.Unlock()
		close(done)

		if err != nil {
			return nil, err
		}
		return addrs, nil
	}
}

func (c *Cache) recordHit() {
	if c.metrics != nil {
		c.metrics.DNSCacheHitTotal.Inc()
	}
}

func (c *Cache) recordMiss() {
	if c.metrics != nil {
		c.metrics.DNSCacheMissTotal.Inc()
	}
}

// Purge removes host from the cache, forcing the next Lookup to re-resolve.
func (c *Cache) Purge(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, host)
}

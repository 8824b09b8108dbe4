// Package ratelimit implements the per-domain and global token-bucket
// limiter that paces outbound fetches (spec §4.A).
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/crawlmesh/core/internal/domain"
)

const globalKey = "\x00global"

// Config controls bucket behavior. RPS and Burst are defaults applied to
// every newly created bucket; PerDomain selects whether domains get their
// own bucket or all share the global one.
type Config struct {
	RPS       float64
	Burst     int
	Jitter    float64 // fraction of the computed wait added/subtracted at random
	PerDomain bool
}

// SetDefaults fills zero-value fields with sane defaults.
func (c *Config) SetDefaults() {
	if c.RPS <= 0 {
		c.RPS = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// bucketEntry pairs a bucket with the mutex guarding it, so two different
// keys never contend on the same lock (spec §4.A/§5: "one mutex per
// bucket; no global lock"). entryFor's mapMu is only ever held long enough
// to look up or create an entry — never across a bucket's own critical
// section.
type bucketEntry struct {
	mu     sync.Mutex
	bucket *domain.DomainBucket
}

// Limiter is a keyed token-bucket rate limiter with continuous refill.
// Buckets are created lazily on first use and live for the process
// lifetime; this is intentional (see spec §4.A: no eviction specified).
type Limiter struct {
	cfg     Config
	mapMu   sync.Mutex
	entries map[string]*bucketEntry
	now     func() time.Time
	rand    func() float64
}

// New builds a Limiter from cfg.
func New(cfg Config) *Limiter {
	cfg.SetDefaults()
	return &Limiter{
		cfg:     cfg,
		entries: make(map[string]*bucketEntry),
		now:     time.Now,
		rand:    rand.Float64,
	}
}

// SetMinDelay installs a floor delay for key (typically derived from a
// robots.txt Crawl-delay directive) below which Wait will never return
// even with tokens available.
func (l *Limiter) SetMinDelay(key string, d time.Duration) {
	key = l.resolveKey(key)
	e := l.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bucket.MinDelay = d
}

// Wait blocks until a token is available for key (a host, or ignored
// entirely when PerDomain is false), honoring ctx cancellation. It returns
// the amount of time actually spent waiting, for telemetry.
func (l *Limiter) Wait(ctx context.Context, key string) (time.Duration, error) {
	key = l.resolveKey(key)
	start := l.now()

	for {
		wait, ok := l.tryAcquire(key)
		if ok {
			return l.now().Sub(start), nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return l.now().Sub(start), ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) resolveKey(key string) string {
	if !l.cfg.PerDomain {
		return globalKey
	}
	return key
}

// tryAcquire refills key's bucket, and if a token (and the min-delay floor)
// both allow it, consumes one token and returns (0, true). Otherwise it
// returns the duration the caller should sleep before retrying. Only
// key's own bucketEntry mutex is held, so concurrent Wait calls for
// different keys never block each other.
func (l *Limiter) tryAcquire(key string) (time.Duration, bool) {
	e := l.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.bucket
	now := l.now()

	elapsed := now.Sub(b.LastRefill).Seconds()
	if elapsed > 0 {
		b.Tokens += elapsed * b.RPS
		if max := float64(b.Burst); b.Tokens > max {
			b.Tokens = max
		}
		b.LastRefill = now
	}

	if sinceLast := now.Sub(b.LastFetch); b.MinDelay > 0 && sinceLast < b.MinDelay {
		return l.jitter(b.MinDelay - sinceLast), false
	}

	if b.Tokens < 1 {
		deficit := 1 - b.Tokens
		wait := time.Duration(deficit/b.RPS*float64(time.Second))
		return l.jitter(wait), false
	}

	b.Tokens--
	b.LastFetch = now
	return 0, true
}

func (l *Limiter) jitter(d time.Duration) time.Duration {
	if l.cfg.Jitter <= 0 || d <= 0 {
		if d <= 0 {
			return time.Millisecond
		}
		return d
	}
	delta := float64(d) * l.cfg.Jitter * (l.rand()*2 - 1)
	jittered := time.Duration(float64(d) + delta)
	if jittered <= 0 {
		return time.Millisecond
	}
	return jittered
}

// entryFor returns key's bucketEntry, creating it under mapMu if this is
// the first use of key. mapMu is held only for the map lookup/insert, not
// for anything that touches the bucket's fields.
func (l *Limiter) entryFor(key string) *bucketEntry {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &bucketEntry{
			bucket: &domain.DomainBucket{
				Tokens:     float64(l.cfg.Burst),
				LastRefill: l.now(),
				RPS:        l.cfg.RPS,
				Burst:      l.cfg.Burst,
				Jitter:     l.cfg.Jitter,
			},
		}
		l.entries[key] = e
	}
	return e
}

// Snapshot returns the current token count for key, for diagnostics/tests.
func (l *Limiter) Snapshot(key string) float64 {
	key = l.resolveKey(key)
	e := l.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bucket.Tokens
}

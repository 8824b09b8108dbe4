// Package supervisor owns worker-pool lifecycle per spec §4.J: it starts
// the configured number of crawl and parse workers, exposes scale(role, n),
// periodically reports queue/worker/cache metrics, and drives graceful
// shutdown bounded by shutdown_grace.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/crawlmesh/core/internal/coordination"
	"github.com/crawlmesh/core/internal/crawlworker"
	"github.com/crawlmesh/core/internal/logging"
	"github.com/crawlmesh/core/internal/parseworker"
	"github.com/crawlmesh/core/internal/queue"
	"github.com/crawlmesh/core/internal/renderer"
	"github.com/crawlmesh/core/internal/telemetry"
)

// Role names accepted by Scale.
const (
	RoleCrawl = "crawl"
	RoleParse = "parse"
)

// Config bounds the supervisor's own behavior, distinct from the
// per-record configs owned by crawlworker/parseworker.
type Config struct {
	ShutdownGrace  time.Duration
	MetricsPeriod  time.Duration

	// RequeueInterval and RequeueBatch control the dead-letter requeue sweep
	// (see RequeueDead); RequeueInterval <= 0 disables the sweep entirely.
	RequeueInterval time.Duration
	RequeueBatch    int
}

// SetDefaults fills zero-value fields.
func (c *Config) SetDefaults() {
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.MetricsPeriod == 0 {
		c.MetricsPeriod = 15 * time.Second
	}
	if c.RequeueBatch == 0 {
		c.RequeueBatch = 50
	}
}

// Supervisor owns the crawl and parse worker pools, the shared queue
// manager, and periodic metrics reporting.
type Supervisor struct {
	Config Config

	Queue    queue.Manager
	Renderer *renderer.Pool // may be nil
	Metrics  *telemetry.Metrics
	Log      logging.Logger

	// LeaderLock, when set, confines the dead-letter requeue sweep to one
	// process across a fleet sharing the same durable queue backend — a
	// Supervisor with no lock always treats itself as leader, which is the
	// correct behavior for the in-memory backend and for tests.
	LeaderLock *coordination.DistributedLock

	crawlPool *crawlworker.Pool
	parsePool *parseworker.Pool

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds a Supervisor around already-constructed worker pools.
func New(cfg Config, q queue.Manager, crawlPool *crawlworker.Pool, parsePool *parseworker.Pool, renderPool *renderer.Pool, metrics *telemetry.Metrics, log logging.Logger) *Supervisor {
	cfg.SetDefaults()
	if log == nil {
		log = logging.Nop()
	}
	return &Supervisor{
		Config:    cfg,
		Queue:     q,
		Renderer:  renderPool,
		Metrics:   metrics,
		Log:       log,
		crawlPool: crawlPool,
		parsePool: parsePool,
	}
}

// Start initializes caches implicitly (callers construct them before
// building the Supervisor) and starts both worker pools plus the metrics
// reporting loop, per spec §4.J.
func (s *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	s.crawlPool.Start(runCtx)
	s.parsePool.Start(runCtx)

	go s.reportLoop(runCtx)
	if s.Config.RequeueInterval > 0 {
		go s.requeueLoop(runCtx)
	}

	s.Log.Info("supervisor started",
		logging.Int("crawl_workers", s.crawlPool.Size()),
		logging.Int("parse_workers", s.parsePool.Size()))
}

// Stop cancels every worker's context and waits up to shutdown_grace for
// in-flight handlers to finish, then returns. Any record left unacked falls
// back to another worker via lease expiry, per spec §4.J.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.crawlPool.Stop(s.Config.ShutdownGrace) }()
	go func() { defer wg.Done(); s.parsePool.Stop(s.Config.ShutdownGrace) }()
	wg.Wait()

	if s.Renderer != nil {
		if err := s.Renderer.Close(); err != nil {
			s.Log.Warn("supervisor: renderer pool close failed", logging.Err(err))
		}
	}

	close(stopped)
	s.Log.Info("supervisor stopped")
}

// Scale grows the worker count for role to n without dropping in-flight
// work, per spec §4.J's scale(role, n). Both pools only grow; an n at or
// below the current size leaves the pool unchanged.
func (s *Supervisor) Scale(ctx context.Context, role string, n int) {
	switch role {
	case RoleCrawl:
		s.crawlPool.Scale(ctx, n)
	case RoleParse:
		s.parsePool.Scale(ctx, n)
	default:
		s.Log.Warn("supervisor: scale called with unknown role", logging.String("role", role))
	}
}

// reportLoop periodically publishes queue depth, worker state, and renderer
// pool utilization to Metrics, per spec §4.J's exposed metrics.
func (s *Supervisor) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(s.Config.MetricsPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.report(ctx)
		}
	}
}

// requeueLoop periodically sweeps the dead queue back onto the frontier,
// acquiring LeaderLock first (if one is configured) so only one Supervisor
// in a fleet performs the sweep at a time.
func (s *Supervisor) requeueLoop(ctx context.Context) {
	ticker := time.NewTicker(s.Config.RequeueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runRequeueSweep(ctx)
		}
	}
}

func (s *Supervisor) runRequeueSweep(ctx context.Context) {
	if s.LeaderLock != nil {
		acquired, err := s.LeaderLock.TryLock(ctx)
		if err != nil {
			s.Log.Warn("supervisor: leader lock attempt failed", logging.Err(err))
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := s.LeaderLock.Unlock(ctx); err != nil {
				s.Log.Warn("supervisor: leader lock release failed", logging.Err(err))
			}
		}()
	}

	moved, err := crawlworker.RequeueDead(ctx, s.Queue, s.Config.RequeueBatch)
	if err != nil {
		s.Log.Warn("supervisor: dead-letter requeue sweep failed", logging.Err(err))
		return
	}
	if moved > 0 {
		s.Log.Info("supervisor: requeued dead-letter records", logging.Int("count", moved))
	}
}

func (s *Supervisor) report(ctx context.Context) {
	for _, name := range []string{queue.Frontier, queue.Parse, queue.Retry, queue.Dead} {
		size, err := s.Queue.Size(ctx, name)
		if err != nil {
			continue
		}
		s.Metrics.SetQueueStats(name, size, 0)
	}

	crawlStats := s.crawlPool.Stats()
	parseStats := s.parsePool.Stats()
	s.Metrics.SetWorkerState("crawl", "busy", crawlStats.BusyWorkers)
	s.Metrics.SetWorkerState("crawl", "idle", crawlStats.PoolSize-crawlStats.BusyWorkers)
	s.Metrics.SetWorkerState("parse", "busy", parseStats.BusyWorkers)
	s.Metrics.SetWorkerState("parse", "idle", parseStats.PoolSize-parseStats.BusyWorkers)

	if s.Renderer != nil {
		inUse, available := s.Renderer.Utilization()
		s.Metrics.RenderInUse.Set(float64(inUse))
		s.Metrics.RenderAvailable.Set(float64(available))
	}
}


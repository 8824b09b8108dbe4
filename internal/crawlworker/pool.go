package crawlworker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crawlmesh/core/internal/logging"
	"github.com/crawlmesh/core/internal/queue"
	"github.com/crawlmesh/core/internal/telemetry"
)

// WorkerState mirrors the teacher pool's idle/busy/stopped lifecycle, scoped
// to a single crawl worker goroutine.
type WorkerState int32

const (
	WorkerStateIdle WorkerState = iota
	WorkerStateBusy
	WorkerStateStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStateIdle:
		return "idle"
	case WorkerStateBusy:
		return "busy"
	case WorkerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Pool runs N crawl workers, each looping lease→handle→ack/nack against the
// frontier queue per spec §4.J, until its context is canceled.
type Pool struct {
	handler *Handler
	log     logging.Logger
	metrics *telemetry.Metrics

	// ParseHighWaterMark/ParseLowWaterMark implement the backpressure rule
	// of spec §5: when size(parse) exceeds the high-water mark, workers
	// pause leasing until it drains below the low-water mark. Zero disables
	// backpressure.
	ParseHighWaterMark int
	ParseLowWaterMark  int

	paused atomic.Bool

	mu      sync.Mutex
	workers []*worker
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	jobsProcessed atomic.Int64
	jobsFailed    atomic.Int64
}

type worker struct {
	id    int
	state atomic.Int32
}

// NewPool builds a Pool of size n bound to handler.
func NewPool(handler *Handler, n int, log logging.Logger) *Pool {
	if log == nil {
		log = logging.Nop()
	}
	if n < 1 {
		n = 1
	}
	p := &Pool{handler: handler, log: log, metrics: handler.Metrics}
	p.workers = make([]*worker, n)
	for i := range p.workers {
		p.workers[i] = &worker{id: i}
	}
	return p
}

// Start launches every worker's lease loop against ctx. Start returns
// immediately; workers run in the background until ctx is canceled or Stop
// is called.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for _, w := range p.workers {
		p.wg.Add(1)
		go p.run(runCtx, w)
	}
}

// run is a single worker's loop, per spec §4.J:
// for { rec, tok = lease(ctx); if canceled break; handle(rec, tok) }
func (p *Pool) run(ctx context.Context, w *worker) {
	defer p.wg.Done()
	w.state.Store(int32(WorkerStateIdle))

	for {
		if p.waitForBackpressure(ctx) {
			w.state.Store(int32(WorkerStateStopped))
			return
		}

		rec, tok, err := p.handler.Queue.Lease(ctx, queue.Frontier)
		if err != nil {
			if errors.Is(err, queue.ErrCanceled) || ctx.Err() != nil {
				w.state.Store(int32(WorkerStateStopped))
				return
			}
			p.log.Warn("crawlworker: lease error, backing off", logging.Err(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				w.state.Store(int32(WorkerStateStopped))
				return
			}
			continue
		}

		w.state.Store(int32(WorkerStateBusy))
		if err := p.handler.Handle(ctx, rec, tok); err != nil {
			p.jobsFailed.Add(1)
			p.log.Warn("crawlworker: handle failed", logging.String("record_id", rec.ID), logging.Err(err))
		} else {
			p.jobsProcessed.Add(1)
		}
		w.state.Store(int32(WorkerStateIdle))
	}
}

// waitForBackpressure blocks while the parse queue is over its high-water
// mark, polling until it drains below the low-water mark or ctx is done
// (in which case it returns true, signaling the caller to stop).
func (p *Pool) waitForBackpressure(ctx context.Context) bool {
	if p.ParseHighWaterMark <= 0 {
		return false
	}

	size, err := p.handler.Queue.Size(ctx, queue.Parse)
	if err != nil || size <= p.ParseHighWaterMark {
		p.paused.Store(false)
		return false
	}

	p.paused.Store(true)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
			size, err := p.handler.Queue.Size(ctx, queue.Parse)
			if err != nil || size <= p.ParseLowWaterMark {
				p.paused.Store(false)
				return false
			}
		}
	}
}

// Paused reports whether the pool is currently backpressured.
func (p *Pool) Paused() bool {
	return p.paused.Load()
}

// Stop cancels every worker's context and waits up to grace for in-flight
// handlers to finish, per spec §4.J's shutdown_grace.
func (p *Pool) Stop(grace time.Duration) {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.log.Warn("crawlworker: pool stop grace period exceeded, abandoning in-flight workers")
	}
}

// Scale grows the pool to n running workers without disturbing in-flight
// work already owned by existing workers (spec §4.J scale(role,n)). It does
// not shrink the pool: when n is at or below the current size, Scale does
// nothing.
func (p *Pool) Scale(ctx context.Context, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := len(p.workers)
	if n <= current {
		return
	}
	for i := current; i < n; i++ {
		w := &worker{id: i}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.run(ctx, w)
	}
}

// Size returns the configured worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// BusyCount returns how many workers are currently handling a record.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if WorkerState(w.state.Load()) == WorkerStateBusy {
			n++
		}
	}
	return n
}

// Stats reports aggregate pool counters.
type Stats struct {
	PoolSize      int
	BusyWorkers   int
	JobsProcessed int64
	JobsFailed    int64
}

// Stats returns the pool's current statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		PoolSize:      p.Size(),
		BusyWorkers:   p.BusyCount(),
		JobsProcessed: p.jobsProcessed.Load(),
		JobsFailed:    p.jobsFailed.Load(),
	}
}

package parseworker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crawlmesh/core/internal/logging"
	"github.com/crawlmesh/core/internal/queue"
)

// Pool runs N parse workers, each looping lease→handle→ack/nack against the
// parse queue per spec §4.J, until its context is canceled.
type Pool struct {
	handler *Handler
	log     logging.Logger

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

const (
	stateIdle int32 = iota
	stateBusy
	stateStopped
)

// NewPool builds a Pool of size n bound to handler.
func NewPool(handler *Handler, n int, log logging.Logger) *Pool {
	if log == nil {
		log = logging.Nop()
	}
	if n < 1 {
		n = 1
	}
	p := &Pool{handler: handler, log: log}
	p.workers = make([]*worker, n)
	for i := range p.workers {
		p.workers[i] = &worker{id: i}
	}
	return p
}

// Start launches every worker's lease loop against ctx.
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

func (p *Pool) run(ctx context.Context, w *worker) {
	defer p.wg.Done()
	w.state.Store(stateIdle)

	for {
		rec, tok, err := p.handler.Queue.Lease(ctx, queue.Parse)
		if err != nil {
			if errors.Is(err, queue.ErrCanceled) || ctx.Err() != nil {
				w.state.Store(stateStopped)
				return
			}
			p.log.Warn("parseworker: lease error, backing off", logging.Err(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				w.state.Store(stateStopped)
				return
			}
			continue
		}

		w.state.Store(stateBusy)
		if err := p.handler.Handle(ctx, rec, tok); err != nil {
			p.jobsFailed.Add(1)
			p.log.Warn("parseworker: handle failed", logging.String("record_id", rec.ID), logging.Err(err))
		} else {
			p.jobsProcessed.Add(1)
		}
		w.state.Store(stateIdle)
	}
}

// Stop cancels every worker's context and waits up to grace for in-flight
// handlers to finish.
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
		p.log.Warn("parseworker: pool stop grace period exceeded, abandoning in-flight workers")
	}
}

// Scale grows the pool to n workers without disturbing existing ones.
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
		if w.state.Load() == stateBusy {
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

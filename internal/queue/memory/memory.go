// Package memory implements queue.Manager entirely in process memory, for
// single-process deployments and tests.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crawlmesh/core/internal/queue"
)

// Manager is an in-memory, lock-protected queue.Manager. It polls on Lease
// rather than blocking on a native wakeup channel, matching the bounded
// poll-and-retry pattern used by the backends it stands in for.
type Manager struct {
	mu                sync.Mutex
	queues            map[string]*priorityQueue
	leased            map[string]*leasedRecord
	visibilityTimeout time.Duration
	now               func() time.Time
	pollInterval      time.Duration
}

type leasedRecord struct {
	queueName string
	record    *queue.Record
	leasedAt  time.Time
}

// New builds a Manager. visibilityTimeout defaults to
// queue.DefaultVisibilityTimeout when <= 0.
func New(visibilityTimeout time.Duration) *Manager {
	if visibilityTimeout <= 0 {
		visibilityTimeout = queue.DefaultVisibilityTimeout
	}
	return &Manager{
		queues:            make(map[string]*priorityQueue),
		leased:            make(map[string]*leasedRecord),
		visibilityTimeout: visibilityTimeout,
		now:               time.Now,
		pollInterval:      25 * time.Millisecond,
	}
}

func (m *Manager) queueFor(name string) *priorityQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &priorityQueue{}
		heap.Init(q)
		m.queues[name] = q
	}
	return q
}

// Push implements queue.Manager.
func (m *Manager) Push(_ context.Context, name string, payload []byte, priority int, visibleAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := &queue.Record{
		ID:         uuid.NewString(),
		Payload:    append([]byte(nil), payload...),
		Priority:   priority,
		EnqueuedAt: m.now(),
		VisibleAt:  visibleAt,
	}
	heap.Push(m.queueFor(name), rec)
	return nil
}

// Lease implements queue.Manager.
func (m *Manager) Lease(ctx context.Context, name string) (*queue.Record, queue.LeaseToken, error) {
	for {
		if rec, token, ok := m.tryLease(name); ok {
			return rec, token, nil
		}

		timer := time.NewTimer(m.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, "", queue.ErrCanceled
		case <-timer.C:
		}
	}
}

func (m *Manager) tryLease(name string) (*queue.Record, queue.LeaseToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reapExpiredLocked(name)

	q := m.queueFor(name)
	now := m.now()

	best := -1
	for i, rec := range *q {
		if rec.VisibleAt.After(now) {
			continue
		}
		if best == -1 || q.less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return nil, "", false
	}

	rec := heap.Remove(q, best).(*queue.Record)
	token := queue.LeaseToken(uuid.NewString())
	m.leased[leaseKey(name, token)] = &leasedRecord{queueName: name, record: rec, leasedAt: now}
	return rec, token, true
}

// reapExpiredLocked re-enqueues leases on name that have outlived
// visibilityTimeout without being acked or nacked, so a worker crash (which
// leaves its lease hanging forever) doesn't permanently swallow the record
// — the at-least-once guarantee of spec §4.G/P2/P4. Callers must hold m.mu.
func (m *Manager) reapExpiredLocked(name string) {
	now := m.now()
	for key, l := range m.leased {
		if l.queueName != name {
			continue
		}
		if now.Sub(l.leasedAt) < m.visibilityTimeout {
			continue
		}
		delete(m.leased, key)
		heap.Push(m.queueFor(name), l.record)
	}
}

// Ack implements queue.Manager.
func (m *Manager) Ack(_ context.Context, name string, token queue.LeaseToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := leaseKey(name, token)
	if _, ok := m.leased[key]; !ok {
		return queue.ErrUnknownLease
	}
	delete(m.leased, key)
	return nil
}

// Nack implements queue.Manager.
func (m *Manager) Nack(_ context.Context, name string, token queue.LeaseToken, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := leaseKey(name, token)
	leased, ok := m.leased[key]
	if !ok {
		return queue.ErrUnknownLease
	}
	delete(m.leased, key)

	rec := leased.record
	rec.DeliveryCount++
	rec.VisibleAt = m.now().Add(delay)
	heap.Push(m.queueFor(name), rec)
	return nil
}

// Size implements queue.Manager.
func (m *Manager) Size(_ context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.queueFor(name).Len()
	for key, l := range m.leased {
		if l.queueName == name {
			count++
		}
		_ = key
	}
	return count, nil
}

// Clear implements queue.Manager.
func (m *Manager) Clear(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues[name] = &priorityQueue{}
	heap.Init(m.queues[name])
	for key, l := range m.leased {
		if l.queueName == name {
			delete(m.leased, key)
		}
	}
	return nil
}

func leaseKey(name string, token queue.LeaseToken) string {
	return name + "\x00" + string(token)
}

// priorityQueue orders Records by priority desc, then EnqueuedAt asc.
type priorityQueue []*queue.Record

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].EnqueuedAt.Before(pq[j].EnqueuedAt)
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) {
	*pq = append(*pq, x.(*queue.Record))
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

func (pq *priorityQueue) less(i, j int) bool {
	a, b := (*pq)[i], (*pq)[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

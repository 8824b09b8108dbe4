// Package queue defines the durable queue abstraction used for the
// frontier, parse, retry, and dead queues (spec §4.G), plus an in-memory
// and a Redis-backed implementation of it.
package queue

import (
	"context"
	"errors"
	"time"
)

// Named queues per spec §4.G.
const (
	Frontier = "frontier"
	Parse    = "parse"
	Retry    = "retry"
	Dead     = "dead"
)

// DefaultVisibilityTimeout is how long a leased record stays invisible to
// other consumers before it's eligible for redelivery.
const DefaultVisibilityTimeout = 5 * time.Minute

// ErrCanceled is returned by Lease when ctx is done before a record
// becomes available.
var ErrCanceled = errors.New("queue: lease canceled")

// ErrUnknownLease is returned by Ack/Nack when the lease token is not
// recognized — already acked, expired, or never issued.
var ErrUnknownLease = errors.New("queue: unknown lease token")

// LeaseToken identifies one outstanding lease on a Record.
type LeaseToken string

// Record is one payload moving through a named queue.
type Record struct {
	ID            string
	Payload       []byte
	Priority      int
	EnqueuedAt    time.Time
	VisibleAt     time.Time
	DeliveryCount int
}

// Manager is the capability every queue backend implements. A single
// Manager instance serves all four named queues, keyed by name.
type Manager interface {
	// Push durably enqueues payload under name, invisible until visibleAt.
	Push(ctx context.Context, name string, payload []byte, priority int, visibleAt time.Time) error

	// Lease pops the highest-priority record in name whose VisibleAt has
	// passed, tie-broken by earliest EnqueuedAt, and makes it invisible for
	// the backend's visibility timeout. It blocks until a record is
	// available or ctx is done, in which case it returns ErrCanceled.
	Lease(ctx context.Context, name string) (*Record, LeaseToken, error)

	// Ack permanently removes the record behind token.
	Ack(ctx context.Context, name string, token LeaseToken) error

	// Nack makes the record behind token visible again after delay and
	// increments its DeliveryCount.
	Nack(ctx context.Context, name string, token LeaseToken, delay time.Duration) error

	// Size returns a best-effort count of visible + invisible records.
	Size(ctx context.Context, name string) (int, error)

	// Clear removes every record in name. Admin use only.
	Clear(ctx context.Context, name string) error
}

// Backoff computes the retry delay for attempt (1-indexed), per spec §4's
// retry back-off formula: base * 2^(attempts-1) * (1 +/- jitter), capped at
// maxBackoff. retryAfter, when positive, overrides the computed value if
// it is larger, mirroring a server's Retry-After taking precedence.
func Backoff(attempt int, base, maxBackoff time.Duration, jitter float64, retryAfter time.Duration, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := 1 << uint(attempt-1)
	delay := time.Duration(int64(base) * int64(mult))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	if jitter > 0 {
		r := 0.5
		if rnd != nil {
			r = rnd()
		}
		delta := float64(delay) * jitter * (r*2 - 1)
		delay = time.Duration(float64(delay) + delta)
		if delay < 0 {
			delay = 0
		}
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	return delay
}

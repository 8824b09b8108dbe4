package crawlworker

import (
	"context"
	"errors"
	"time"

	"github.com/crawlmesh/core/internal/queue"
)

// leaseAttemptTimeout bounds a single non-blocking-style Lease probe used by
// RequeueDead: rather than waiting indefinitely for a record to appear (the
// normal worker-loop behavior), a short-lived child context turns Lease into
// a "try once" call so a sweep over an already-bounded dead queue returns
// promptly once it's drained.
const leaseAttemptTimeout = 200 * time.Millisecond

// RequeueDead moves up to limit records from the dead queue back onto the
// frontier, resetting their delivery history so an operator can reprocess
// them after addressing whatever made them exhaust max_retries. It returns
// the number of records moved.
//
// This is meant to run from a single process across a fleet sharing one
// durable queue backend — see internal/coordination's distributed lock,
// which the supervisor uses to gate calling this to one leader at a time.
func RequeueDead(ctx context.Context, q queue.Manager, limit int) (int, error) {
	moved := 0
	for i := 0; i < limit; i++ {
		leaseCtx, cancel := context.WithTimeout(ctx, leaseAttemptTimeout)
		rec, tok, err := q.Lease(leaseCtx, queue.Dead)
		cancel()
		if err != nil {
			if errors.Is(err, queue.ErrCanceled) {
				break
			}
			return moved, err
		}

		if cu, decErr := Decode(rec.Payload); decErr == nil {
			cu.Attempts = 0
			cu.NextAvailableAt = time.Time{}
			if payload, encErr := Encode(cu); encErr == nil {
				_ = q.Push(ctx, queue.Frontier, payload, cu.Priority, time.Now())
			}
		}

		if ackErr := q.Ack(ctx, queue.Dead, tok); ackErr != nil {
			return moved, ackErr
		}
		moved++
	}
	return moved, nil
}

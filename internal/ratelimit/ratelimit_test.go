package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/crawlmesh/core/internal/ratelimit"
)

func TestWait_BurstAllowsImmediateAcquires(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(ratelimit.Config{RPS: 1, Burst: 3, PerDomain: true})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := l.Wait(ctx, "example.com"); err != nil {
			t.Fatalf("acquire %d: unexpected error: %v", i, err)
		}
	}
	if got := l.Snapshot("example.com"); got >= 1 {
		t.Errorf("Snapshot() = %v, want < 1 after exhausting burst", got)
	}
}

func TestWait_PerDomainKeepsBucketsIndependent(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1, PerDomain: true})
	ctx := context.Background()

	if _, err := l.Wait(ctx, "a.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.Snapshot("b.com"); got != 1 {
		t.Errorf("Snapshot(b.com) = %v, want 1 (untouched bucket)", got)
	}
}

func TestWait_GlobalSharesOneBucketAcrossKeys(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1, PerDomain: false})
	ctx := context.Background()

	if _, err := l.Wait(ctx, "a.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.Snapshot("b.com"); got >= 1 {
		t.Errorf("Snapshot(b.com) = %v, want exhausted bucket shared with a.com", got)
	}
}

func TestWait_RespectsContextCancellation(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(ratelimit.Config{RPS: 0.01, Burst: 1, PerDomain: true})
	ctx := context.Background()
	if _, err := l.Wait(ctx, "slow.com"); err != nil {
		t.Fatalf("unexpected error on first acquire: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Wait(cancelCtx, "slow.com"); err == nil {
		t.Error("expected context cancellation error, got nil")
	}
}

func TestSetMinDelay_EnforcesFloorBetweenFetches(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(ratelimit.Config{RPS: 1000, Burst: 1000, PerDomain: true})
	l.SetMinDelay("slow.com", 50*time.Millisecond)

	ctx := context.Background()
	if _, err := l.Wait(ctx, "slow.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	if _, err := l.Wait(ctx, "slow.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("expected min-delay floor to be enforced, waited only %v", elapsed)
	}
}

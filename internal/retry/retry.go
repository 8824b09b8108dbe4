// Package retry provides exponential-backoff retry for transient queue and
// network failures, used by the queue manager's QueueUnavailable budget
// (spec §7) and elsewhere a backend call may fail transiently.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrMaxAttemptsExceeded is returned when every retry attempt fails.
	ErrMaxAttemptsExceeded = errors.New("retry: max attempts exceeded")
	// ErrContextCancelled is returned when ctx is done mid-retry.
	ErrContextCancelled = errors.New("retry: context cancelled")
)

// Config configures Retry.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	IsRetryable  func(error) bool
}

// DefaultConfig returns the backoff schedule used when a caller doesn't
// specify one.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		IsRetryable:  DefaultIsRetryable,
	}
}

// DefaultIsRetryable matches common transient-failure substrings: network
// errors, timeouts, and connection resets.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout", "deadline exceeded", "connection refused",
		"connection reset", "no such host", "temporary failure",
		"network is unreachable", "i/o timeout",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.IsRetryable == nil {
		c.IsRetryable = DefaultIsRetryable
	}
}

// Do runs fn, retrying on retryable errors with exponential backoff until
// cfg.MaxAttempts is exhausted or ctx is canceled.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg.setDefaults()

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if !cfg.IsRetryable(err) {
				return err
			}
		}

		if attempt < cfg.MaxAttempts {
			wait := time.Duration(float64(delay) * math.Pow(cfg.Multiplier, float64(attempt-1)))
			if wait > cfg.MaxDelay {
				wait = cfg.MaxDelay
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			case <-time.After(wait):
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, cfg.MaxAttempts, lastErr)
}

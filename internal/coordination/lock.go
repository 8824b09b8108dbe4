// Package coordination provides distributed coordination primitives backed
// by Redis, used where a single leader action must run across a fleet of
// crawl workers (e.g. running a schema migration or periodic compaction
// job exactly once).
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Defaults for DistributedLock when a LockConfig field is unset.
const (
	DefaultLockTTL    = 30 * time.Second
	DefaultRetryDelay = 100 * time.Millisecond
	DefaultMaxRetries = 10
)

var (
	// ErrLockNotAcquired is returned when Lock exhausts its retry budget.
	ErrLockNotAcquired = errors.New("coordination: lock not acquired")
	// ErrLockNotHeld is returned by Unlock/Extend when this instance no
	// longer (or never did) hold the lock.
	ErrLockNotHeld = errors.New("coordination: lock not held")
)

// DistributedLock is a Redis SETNX-based mutual-exclusion lock identified
// by a single key, safe to release only by the token that acquired it.
type DistributedLock struct {
	client     *redis.Client
	key        string
	token      string
	ttl        time.Duration
	retryDelay time.Duration
	maxRetries int
}

// LockConfig configures a DistributedLock.
type LockConfig struct {
	TTL        time.Duration
	RetryDelay time.Duration
	MaxRetries int
}

// DefaultLockConfig returns the defaults above as a LockConfig.
func DefaultLockConfig() LockConfig {
	return LockConfig{TTL: DefaultLockTTL, RetryDelay: DefaultRetryDelay, MaxRetries: DefaultMaxRetries}
}

// NewDistributedLock builds a lock over key. Each instance carries its own
// random token, so only the acquiring instance can release it.
func NewDistributedLock(client *redis.Client, key string, cfg LockConfig) *DistributedLock {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLockTTL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	return &DistributedLock{
		client:     client,
		key:        key,
		token:      uuid.New().String(),
		ttl:        cfg.TTL,
		retryDelay: cfg.RetryDelay,
		maxRetries: cfg.MaxRetries,
	}
}

// Lock blocks, retrying up to maxRetries times, until the lock is acquired,
// ctx is canceled, or the retry budget is exhausted.
func (l *DistributedLock) Lock(ctx context.Context) error {
	for i := 0; i < l.maxRetries; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		acquired, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}

		if i < l.maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.retryDelay):
			}
		}
	}

	return ErrLockNotAcquired
}

// TryLock attempts to acquire the lock once, without blocking.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("coordination: acquire lock: %w", err)
	}
	return ok, nil
}

// Unlock releases the lock, but only if this instance's token still holds
// it — checked and deleted atomically via a Lua script.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("coordination: release lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend pushes out the lock's TTL by extension, if this instance still
// holds it.
func (l *DistributedLock) Extend(ctx context.Context, extension time.Duration) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, l.client, []string{l.key}, l.token, extension.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("coordination: extend lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// IsHeld reports whether this instance currently holds the lock.
func (l *DistributedLock) IsHeld(ctx context.Context) (bool, error) {
	val, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("coordination: check lock: %w", err)
	}
	return val == l.token, nil
}

// Key returns the lock's Redis key.
func (l *DistributedLock) Key() string { return l.key }

// Token returns this instance's lock token.
func (l *DistributedLock) Token() string { return l.token }

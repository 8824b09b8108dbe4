// Package redisqueue implements queue.Manager on Redis Streams, giving the
// four named queues durability and delivery tracking across processes
// (spec §4.G). Visibility delay (for Push with a future visible_at, and
// for Nack back-off) is layered on top of Streams with a per-queue sorted
// set, since a stream entry itself is visible to a consumer group the
// instant it's added.
//
// Priority (spec §4.G: "strict priority order") is modeled with one stream
// per priority level — CrawlURL.Priority is specified to range over
// [0, 10] (spec §3) — rather than a single FIFO stream, so Lease can drain
// higher-priority streams before ever looking at lower ones.
package redisqueue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crawlmesh/core/internal/queue"
	"github.com/crawlmesh/core/internal/retry"
	"github.com/crawlmesh/core/internal/xerrors"
)

// minPriority/maxPriority bound the priority range of spec §3's CrawlURL:
// "priority: integer, higher = earlier; range [0, 10]". The backend keeps
// one stream per level in that fixed range, so it never needs to learn
// about a priority it hasn't seen yet.
const (
	minPriority = 0
	maxPriority = 10
)

// queueRetryConfig bounds the QueueUnavailable retry budget of spec §7: a
// transient Redis I/O error gets a short exponential retry inside the queue
// call before bubbling up, rather than being surfaced to the caller
// immediately as a handler-level TransientNetwork error.
var queueRetryConfig = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
	IsRetryable:  isTransientRedisErr,
}

// isTransientRedisErr excludes the backend's own semantic sentinels (unknown
// lease, empty result) from the retry budget — only connection-level
// failures are worth retrying.
func isTransientRedisErr(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, queue.ErrUnknownLease) || errors.Is(err, queue.ErrCanceled) {
		return false
	}
	if retry.DefaultIsRetryable(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "eof") || strings.Contains(msg, "broken pipe") || strings.Contains(msg, "use of closed network connection")
}

// withRetry runs fn under the QueueUnavailable retry budget, wrapping the
// final error with op context if every attempt fails.
func (m *Manager) withRetry(ctx context.Context, op string, fn func() error) error {
	if err := retry.Do(ctx, queueRetryConfig, fn); err != nil {
		return xerrors.WrapWithContextf(err, "redisqueue: %s", op)
	}
	return nil
}

const (
	consumerGroup = "crawlmesh"

	fieldPayload       = "payload"
	fieldPriority      = "priority"
	fieldEnqueuedAt    = "enqueued_at"
	fieldDeliveryCount = "delivery_count"
)

// Manager is a Redis Streams backed queue.Manager.
type Manager struct {
	client            *redis.Client
	prefix            string
	consumerID        string
	visibilityTimeout time.Duration
	blockTimeout      time.Duration
	now               func() time.Time
}

// Config controls Manager behavior.
type Config struct {
	Prefix            string
	ConsumerID        string
	VisibilityTimeout time.Duration
	BlockTimeout      time.Duration
}

// SetDefaults fills zero-value fields.
func (c *Config) SetDefaults() {
	if c.Prefix == "" {
		c.Prefix = "crawlmesh"
	}
	if c.ConsumerID == "" {
		c.ConsumerID = "worker"
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = queue.DefaultVisibilityTimeout
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
}

// New builds a Manager over an existing Redis client. The four named
// queues' consumer groups are created lazily, on first use of each.
func New(client *redis.Client, cfg Config) *Manager {
	cfg.SetDefaults()
	return &Manager{
		client:            client,
		prefix:            cfg.Prefix,
		consumerID:        cfg.ConsumerID,
		visibilityTimeout: cfg.VisibilityTimeout,
		blockTimeout:      cfg.BlockTimeout,
		now:               time.Now,
	}
}

func clampPriority(p int) int {
	if p < minPriority {
		return minPriority
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}

func (m *Manager) streamKey(name string, priority int) string {
	return fmt.Sprintf("%s:%s:p%d:stream", m.prefix, name, clampPriority(priority))
}
func (m *Manager) delayedKey(name string) string { return m.prefix + ":" + name + ":delayed" }

func (m *Manager) ensureGroup(ctx context.Context, name string, priority int) error {
	return m.withRetry(ctx, "create consumer group", func() error {
		err := m.client.XGroupCreateMkStream(ctx, m.streamKey(name, priority), consumerGroup, "0").Err()
		if err != nil && !errors.Is(err, redis.Nil) && !isBusyGroup(err) {
			return fmt.Errorf("create consumer group: %w", err)
		}
		return nil
	})
}

// ensureGroupAll makes sure every priority level's stream/group exists, so
// Lease can freely scan all of them without a per-iteration creation check.
func (m *Manager) ensureGroupAll(ctx context.Context, name string) error {
	for p := minPriority; p <= maxPriority; p++ {
		if err := m.ensureGroup(ctx, name, p); err != nil {
			return err
		}
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

type delayedEntry struct {
	Payload       []byte `json:"payload"`
	Priority      int    `json:"priority"`
	EnqueuedAt    int64  `json:"enqueued_at"`
	DeliveryCount int    `json:"delivery_count"`
}

// Push implements queue.Manager.
func (m *Manager) Push(ctx context.Context, name string, payload []byte, priority int, visibleAt time.Time) error {
	priority = clampPriority(priority)
	if err := m.ensureGroup(ctx, name, priority); err != nil {
		return err
	}

	now := m.now()
	if visibleAt.After(now) {
		entry := delayedEntry{Payload: payload, Priority: priority, EnqueuedAt: now.UnixNano()}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("redisqueue: marshal delayed entry: %w", err)
		}
		return m.withRetry(ctx, "zadd delayed push", func() error {
			return m.client.ZAdd(ctx, m.delayedKey(name), redis.Z{
				Score:  float64(visibleAt.UnixNano()),
				Member: data,
			}).Err()
		})
	}

	return m.addToStream(ctx, name, priority, payload, now, 0)
}

func (m *Manager) addToStream(ctx context.Context, name string, priority int, payload []byte, enqueuedAt time.Time, deliveryCount int) error {
	values := map[string]any{
		fieldPayload:       base64.StdEncoding.EncodeToString(payload),
		fieldPriority:      strconv.Itoa(priority),
		fieldEnqueuedAt:    enqueuedAt.Format(time.RFC3339Nano),
		fieldDeliveryCount: strconv.Itoa(deliveryCount),
	}
	return m.withRetry(ctx, "xadd", func() error {
		return m.client.XAdd(ctx, &redis.XAddArgs{Stream: m.streamKey(name, priority), Values: values}).Err()
	})
}

// promoteDelayed moves due entries from the delayed zset into their
// priority-specific stream.
func (m *Manager) promoteDelayed(ctx context.Context, name string) error {
	key := m.delayedKey(name)
	due, err := m.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(m.now().UnixNano(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("redisqueue: zrangebyscore: %w", err)
	}

	for _, raw := range due {
		var entry delayedEntry
		if jsonErr := json.Unmarshal([]byte(raw), &entry); jsonErr != nil {
			_ = m.client.ZRem(ctx, key, raw).Err()
			continue
		}
		priority := clampPriority(entry.Priority)
		if addErr := m.addToStream(ctx, name, priority, entry.Payload, time.Unix(0, entry.EnqueuedAt), entry.DeliveryCount); addErr != nil {
			return addErr
		}
		if remErr := m.client.ZRem(ctx, key, raw).Err(); remErr != nil {
			return fmt.Errorf("redisqueue: zrem: %w", remErr)
		}
	}
	return nil
}

// Lease implements queue.Manager. It drains priority streams highest first:
// reclaiming abandoned pending entries and reading new ones, both scanned
// from maxPriority down to minPriority, so a record at priority 9 is always
// leased before one at priority 1 regardless of arrival order (spec §4.G,
// P3).
func (m *Manager) Lease(ctx context.Context, name string) (*queue.Record, queue.LeaseToken, error) {
	if err := m.ensureGroupAll(ctx, name); err != nil {
		return nil, "", err
	}

	for {
		if err := m.promoteDelayed(ctx, name); err != nil {
			return nil, "", err
		}

		for p := maxPriority; p >= minPriority; p-- {
			rec, token, ok, err := m.reclaimPending(ctx, name, p)
			if err != nil {
				return nil, "", err
			}
			if ok {
				return rec, token, nil
			}
		}

		for p := maxPriority; p >= minPriority; p-- {
			rec, token, ok, err := m.readNew(ctx, name, p)
			if err != nil {
				return nil, "", err
			}
			if ok {
				return rec, token, nil
			}
		}

		if ctx.Err() != nil {
			return nil, "", queue.ErrCanceled
		}

		select {
		case <-ctx.Done():
			return nil, "", queue.ErrCanceled
		case <-time.After(m.blockTimeout):
		}
	}
}

// readNew makes one non-blocking attempt to read an undelivered entry from
// priority's stream. Block: -1 omits Redis's BLOCK option entirely so the
// call returns immediately, letting Lease cycle through every priority
// level before it ever waits.
func (m *Manager) readNew(ctx context.Context, name string, priority int) (*queue.Record, queue.LeaseToken, bool, error) {
	streams, err := m.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: m.consumerID,
		Streams:  []string{m.streamKey(name, priority), ">"},
		Count:    1,
		Block:    -1,
	}).Result()

	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() != nil {
			return nil, "", false, queue.ErrCanceled
		}
		return nil, "", false, fmt.Errorf("redisqueue: xreadgroup: %w", err)
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			rec, parseErr := m.parseMessage(msg)
			if parseErr != nil {
				_ = m.client.XAck(ctx, m.streamKey(name, priority), consumerGroup, msg.ID).Err()
				continue
			}
			return rec, encodeToken(priority, msg.ID), true, nil
		}
	}
	return nil, "", false, nil
}

func (m *Manager) reclaimPending(ctx context.Context, name string, priority int) (*queue.Record, queue.LeaseToken, bool, error) {
	stream := m.streamKey(name, priority)
	pending, err := m.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream, Group: consumerGroup, Start: "-", End: "+", Count: 100,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", false, nil
		}
		return nil, "", false, fmt.Errorf("redisqueue: xpendingext: %w", err)
	}

	var ids []string
	for _, entry := range pending {
		if entry.Idle >= m.visibilityTimeout {
			ids = append(ids, entry.ID)
		}
	}
	if len(ids) == 0 {
		return nil, "", false, nil
	}

	claimed, err := m.client.XClaim(ctx, &redis.XClaimArgs{
		Stream: stream, Group: consumerGroup, Consumer: m.consumerID,
		MinIdle: m.visibilityTimeout, Messages: ids,
	}).Result()
	if err != nil {
		return nil, "", false, fmt.Errorf("redisqueue: xclaim: %w", err)
	}
	if len(claimed) == 0 {
		return nil, "", false, nil
	}

	rec, parseErr := m.parseMessage(claimed[0])
	if parseErr != nil {
		_ = m.client.XAck(ctx, stream, consumerGroup, claimed[0].ID).Err()
		return nil, "", false, nil
	}
	return rec, encodeToken(priority, claimed[0].ID), true, nil
}

func (m *Manager) parseMessage(msg redis.XMessage) (*queue.Record, error) {
	payloadStr, _ := msg.Values[fieldPayload].(string)
	payload, err := base64.StdEncoding.DecodeString(payloadStr)
	if err != nil {
		return nil, fmt.Errorf("redisqueue: decode payload: %w", err)
	}

	priority, _ := strconv.Atoi(fmt.Sprint(msg.Values[fieldPriority]))
	deliveryCount, _ := strconv.Atoi(fmt.Sprint(msg.Values[fieldDeliveryCount]))

	enqueuedAt := m.now()
	if raw, ok := msg.Values[fieldEnqueuedAt].(string); ok {
		if t, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			enqueuedAt = t
		}
	}

	return &queue.Record{
		ID:            msg.ID,
		Payload:       payload,
		Priority:      priority,
		EnqueuedAt:    enqueuedAt,
		DeliveryCount: deliveryCount,
	}, nil
}

// encodeToken packs the priority stream a message was read from into its
// lease token, since a Redis Stream entry ID is only unique within its own
// stream — Ack/Nack need the priority back to find the right stream.
func encodeToken(priority int, id string) queue.LeaseToken {
	return queue.LeaseToken(strconv.Itoa(priority) + ":" + id)
}

func decodeToken(token queue.LeaseToken) (int, string, error) {
	s := string(token)
	idx := strings.Index(s, ":")
	if idx < 0 {
		return 0, "", fmt.Errorf("redisqueue: malformed lease token %q", s)
	}
	priority, err := strconv.Atoi(s[:idx])
	if err != nil {
		return 0, "", fmt.Errorf("redisqueue: malformed lease token %q: %w", s, err)
	}
	return priority, s[idx+1:], nil
}

// Ack implements queue.Manager.
func (m *Manager) Ack(ctx context.Context, name string, token queue.LeaseToken) error {
	priority, id, derr := decodeToken(token)
	if derr != nil {
		return queue.ErrUnknownLease
	}

	var n int64
	err := m.withRetry(ctx, "xack", func() error {
		var xackErr error
		n, xackErr = m.client.XAck(ctx, m.streamKey(name, priority), consumerGroup, id).Result()
		return xackErr
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrUnknownLease
	}
	return m.withRetry(ctx, "xdel", func() error {
		return m.client.XDel(ctx, m.streamKey(name, priority), id).Err()
	})
}

// Nack implements queue.Manager.
func (m *Manager) Nack(ctx context.Context, name string, token queue.LeaseToken, delay time.Duration) error {
	priority, id, derr := decodeToken(token)
	if derr != nil {
		return queue.ErrUnknownLease
	}
	stream := m.streamKey(name, priority)

	claimed, err := m.client.XClaim(ctx, &redis.XClaimArgs{
		Stream: stream, Group: consumerGroup, Consumer: m.consumerID,
		MinIdle: 0, Messages: []string{id},
	}).Result()
	if err != nil {
		return fmt.Errorf("redisqueue: xclaim for nack: %w", err)
	}
	if len(claimed) == 0 {
		return queue.ErrUnknownLease
	}

	rec, err := m.parseMessage(claimed[0])
	if err != nil {
		return err
	}

	if err := m.client.XAck(ctx, stream, consumerGroup, id).Err(); err != nil {
		return fmt.Errorf("redisqueue: xack during nack: %w", err)
	}
	if err := m.client.XDel(ctx, stream, id).Err(); err != nil {
		return fmt.Errorf("redisqueue: xdel during nack: %w", err)
	}

	entry := delayedEntry{
		Payload: rec.Payload, Priority: rec.Priority,
		EnqueuedAt: rec.EnqueuedAt.UnixNano(), DeliveryCount: rec.DeliveryCount + 1,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redisqueue: marshal nack entry: %w", err)
	}

	visibleAt := m.now().Add(delay)
	return m.client.ZAdd(ctx, m.delayedKey(name), redis.Z{
		Score: float64(visibleAt.UnixNano()), Member: data,
	}).Err()
}

// Size implements queue.Manager.
func (m *Manager) Size(ctx context.Context, name string) (int, error) {
	var total int64
	err := m.withRetry(ctx, "xlen/zcard", func() error {
		total = 0
		for p := minPriority; p <= maxPriority; p++ {
			n, xlenErr := m.client.XLen(ctx, m.streamKey(name, p)).Result()
			if xlenErr != nil {
				return xlenErr
			}
			total += n
		}
		delayedLen, zcardErr := m.client.ZCard(ctx, m.delayedKey(name)).Result()
		if zcardErr != nil {
			return zcardErr
		}
		total += delayedLen
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(total), nil
}

// Clear implements queue.Manager.
func (m *Manager) Clear(ctx context.Context, name string) error {
	keys := make([]string, 0, maxPriority-minPriority+2)
	for p := minPriority; p <= maxPriority; p++ {
		keys = append(keys, m.streamKey(name, p))
	}
	keys = append(keys, m.delayedKey(name))

	if err := m.withRetry(ctx, "del", func() error {
		return m.client.Del(ctx, keys...).Err()
	}); err != nil {
		return err
	}
	return m.ensureGroupAll(ctx, name)
}

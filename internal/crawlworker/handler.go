// Package crawlworker implements the crawl-worker protocol of spec §4.H:
// lease a frontier record, run it through robots/rate/DNS/fetch-or-render,
// and route the outcome to the parse, retry, or dead queue.
package crawlworker

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/crawlmesh/core/internal/catalog"
	"github.com/crawlmesh/core/internal/circuitbreaker"
	"github.com/crawlmesh/core/internal/dnscache"
	"github.com/crawlmesh/core/internal/domain"
	"github.com/crawlmesh/core/internal/fetcher"
	"github.com/crawlmesh/core/internal/inflight"
	"github.com/crawlmesh/core/internal/logging"
	"github.com/crawlmesh/core/internal/queue"
	"github.com/crawlmesh/core/internal/ratelimit"
	"github.com/crawlmesh/core/internal/renderer"
	"github.com/crawlmesh/core/internal/robots"
	"github.com/crawlmesh/core/internal/telemetry"
	"github.com/crawlmesh/core/internal/urlnorm"
)

// Config bounds a single record's handling.
type Config struct {
	MaxRetries        int
	RetryBase         time.Duration
	RetryCap          time.Duration
	RetryJitter       float64
	VisibilityTimeout time.Duration
}

// SetDefaults fills zero-value fields.
func (c *Config) SetDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase == 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryCap == 0 {
		c.RetryCap = time.Hour
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = queue.DefaultVisibilityTimeout
	}
}

// Handler wires together the capabilities a crawl worker needs and
// implements the per-record protocol of spec §4.H.
type Handler struct {
	Config   Config
	Queue    queue.Manager
	Robots   *robots.Checker
	Rate     *ratelimit.Limiter
	DNS      *dnscache.Cache
	Fetcher  *fetcher.Fetcher
	Renderer *renderer.Pool // nil if rendering is disabled
	Catalog  catalog.Catalog
	Blobs    catalog.BlobStore
	Inflight *inflight.Index
	Breakers *circuitbreaker.Registry
	Metrics  *telemetry.Metrics
	Log      logging.Logger
}

// Handle runs one leased frontier record through the protocol described in
// spec §4.H, acking or nacking it against the frontier queue as it goes.
func (h *Handler) Handle(ctx context.Context, rec *queue.Record, token queue.LeaseToken) error {
	log := h.Log
	if log == nil {
		log = logging.Nop()
	}

	cu, err := Decode(rec.Payload)
	if err != nil {
		log.Error("crawlworker: undecodable record, dropping", logging.Err(err))
		return h.Queue.Ack(ctx, queue.Frontier, token)
	}

	// Step 1: politeness floor set by a previous attempt (e.g. robots
	// crawl-delay or server Retry-After) not yet elapsed.
	if !cu.NextAvailableAt.IsZero() && time.Now().Before(cu.NextAvailableAt) {
		return h.Queue.Nack(ctx, queue.Frontier, token, time.Until(cu.NextAvailableAt))
	}

	// Step 2: canonicalize and admit into the in-flight dedupe index.
	canon, err := urlnorm.Canonicalize(cu.URL)
	if err != nil {
		log.Warn("crawlworker: uncanonicalizable url, dropping", logging.String("url", cu.URL), logging.Err(err))
		return h.Queue.Ack(ctx, queue.Frontier, token)
	}
	cu.URL = canon

	fp, err := urlnorm.Fingerprint(canon)
	if err != nil {
		return h.Queue.Ack(ctx, queue.Frontier, token)
	}
	cu.Fingerprint = fp

	if !h.Inflight.Admit(cu.JobID, fp) {
		return h.Queue.Ack(ctx, queue.Frontier, token)
	}
	defer h.Inflight.Remove(cu.JobID, fp)

	host, err := urlnorm.Host(canon)
	if err != nil {
		return h.Queue.Ack(ctx, queue.Frontier, token)
	}

	// Step 3: robots.
	allowed, err := h.Robots.Allowed(ctx, canon)
	if err != nil {
		return h.retryable(ctx, rec, token, cu, 0)
	}
	if !allowed {
		h.Metrics.IncFetchOutcome(telemetry.OutcomeBlockedRobots)
		log.Debug("crawlworker: blocked by robots", logging.String("url", canon))
		return h.Queue.Ack(ctx, queue.Frontier, token)
	}
	if delay := h.Robots.CrawlDelay(host); delay > 0 {
		h.Rate.SetMinDelay(host, delay)
	}

	// Step 4: rate acquire.
	waited, err := h.Rate.Wait(ctx, host)
	if err != nil {
		return err
	}
	h.Metrics.ObserveRateWait(waited)

	// Step 5: DNS resolve; failure is treated as a transient error.
	if _, err := h.DNS.Lookup(ctx, host); err != nil {
		return h.retryable(ctx, rec, token, cu, 0)
	}

	// Step 6/7: fetch or render, guarded by the host's circuit breaker so a
	// consistently failing host stops absorbing worker time.
	var result *domain.FetchResult
	breaker := h.Breakers.For(host)
	execErr := breaker.Execute(ctx, func() error {
		var ferr error
		result, ferr = h.fetchOrRender(ctx, cu)
		if ferr != nil {
			return ferr
		}
		if result.Outcome == domain.OutcomeError && result.Retryable {
			return errors.New("crawlworker: retryable fetch error")
		}
		return nil
	})

	if execErr != nil && result == nil {
		return h.retryable(ctx, rec, token, cu, 0)
	}
	if execErr != nil && errors.Is(execErr, circuitbreaker.ErrCircuitOpen) {
		return h.retryable(ctx, rec, token, cu, 0)
	}

	return h.interpret(ctx, rec, token, cu, result)
}

func (h *Handler) fetchOrRender(ctx context.Context, cu *domain.CrawlURL) (*domain.FetchResult, error) {
	if h.Renderer != nil && fetcher.NeedsRender(cu) {
		result, body, err := h.Renderer.Render(ctx, cu.URL, renderer.WaitSpec{Budget: 5 * time.Second})
		if err != nil {
			return nil, err
		}
		if len(body) > 0 && h.Blobs != nil {
			ref, size, perr := h.Blobs.Put(ctx, cu.Fingerprint, bytes.NewReader(body))
			if perr == nil {
				result.ContentRef = ref
				result.Size = size
			}
		}
		return result, nil
	}
	return h.Fetcher.Fetch(ctx, cu)
}

// interpret routes a FetchResult to the parse/retry/dead queue per spec
// §4.H step 7 and records validators/metrics.
func (h *Handler) interpret(ctx context.Context, rec *queue.Record, token queue.LeaseToken, cu *domain.CrawlURL, result *domain.FetchResult) error {
	switch result.Outcome {
	case domain.OutcomeOK:
		h.Metrics.IncFetchOutcome(telemetry.OutcomeOK)
		if err := h.Catalog.UpdateValidators(ctx, cu.Fingerprint, result.ETag, result.LastModified); err != nil {
			h.Log.Warn("crawlworker: update validators failed", logging.Err(err))
		}
		if err := h.Catalog.RecordCrawl(ctx, catalog.CrawlMeta{
			Fingerprint: cu.Fingerprint,
			URL:         cu.URL,
			FinalURL:    result.FinalURL,
			JobID:       cu.JobID,
			Status:      result.Status,
			ContentType: result.Headers["Content-Type"],
			Size:        result.Size,
			FetchedAt:   time.Now(),
		}); err != nil {
			h.Log.Warn("crawlworker: record crawl failed", logging.Err(err))
		}

		item := domain.ParseItem{
			ContentRef:        result.ContentRef,
			URL:               cu.URL,
			FinalURL:          result.FinalURL,
			Status:            result.Status,
			Headers:           result.Headers,
			FetchedAt:         time.Now(),
			Depth:             cu.Depth,
			JobID:             cu.JobID,
			Size:              result.Size,
			ContentType:       result.Headers["Content-Type"],
			ParentFingerprint: cu.Fingerprint,
		}
		if err := h.pushParseItem(ctx, item); err != nil {
			h.Log.Warn("crawlworker: push parse item failed", logging.Err(err))
		}
		return h.Queue.Ack(ctx, queue.Frontier, token)

	case domain.OutcomeNotModified:
		h.Metrics.IncFetchOutcome(telemetry.OutcomeNotModified)
		return h.Queue.Ack(ctx, queue.Frontier, token)

	case domain.OutcomeSkippedTooLarge:
		h.Metrics.IncFetchOutcome(telemetry.OutcomeSkippedTooLarge)
		return h.Queue.Ack(ctx, queue.Frontier, token)

	case domain.OutcomeBlockedRobots, domain.OutcomeBlockedRate:
		h.Metrics.IncFetchOutcome(telemetry.OutcomeBlockedRobots)
		return h.Queue.Ack(ctx, queue.Frontier, token)

	case domain.OutcomeError:
		if result.Retryable {
			return h.retryable(ctx, rec, token, cu, result.RetryAfter)
		}
		h.Metrics.IncFetchOutcome(telemetry.OutcomeErrorPermanent)
		return h.Queue.Ack(ctx, queue.Frontier, token)

	default:
		h.Metrics.IncFetchOutcome(telemetry.OutcomeErrorPermanent)
		return h.Queue.Ack(ctx, queue.Frontier, token)
	}
}

// retryable nacks rec with a computed back-off, or dead-letters it once
// max_retries is exhausted, per spec §4.H step 7's error(retryable=true) path.
func (h *Handler) retryable(ctx context.Context, rec *queue.Record, token queue.LeaseToken, cu *domain.CrawlURL, retryAfter time.Duration) error {
	h.Metrics.IncFetchOutcome(telemetry.OutcomeErrorTransient)

	if rec.DeliveryCount >= h.Config.MaxRetries {
		if err := h.Queue.Ack(ctx, queue.Frontier, token); err != nil {
			return err
		}
		payload, err := Encode(cu)
		if err != nil {
			return err
		}
		return h.Queue.Push(ctx, queue.Dead, payload, 0, time.Now())
	}

	delay := queue.Backoff(rec.DeliveryCount+1, h.Config.RetryBase, h.Config.RetryCap, h.Config.RetryJitter, retryAfter, nil)
	return h.Queue.Nack(ctx, queue.Frontier, token, delay)
}

// pushParseItem encodes item and pushes it onto the parse queue.
func (h *Handler) pushParseItem(ctx context.Context, item domain.ParseItem) error {
	payload, err := EncodeParseItem(&item)
	if err != nil {
		return err
	}
	return h.Queue.Push(ctx, queue.Parse, payload, 0, time.Now())
}

package parseworker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/crawlmesh/core/internal/catalog"
	"github.com/crawlmesh/core/internal/domain"
	"github.com/crawlmesh/core/internal/logging"
	"github.com/crawlmesh/core/internal/queue"
	"github.com/crawlmesh/core/internal/urlnorm"
)

// Config bounds discovery re-admission.
type Config struct {
	MaxDepth    int
	RetryBase   time.Duration
	RetryCap    time.Duration
	RetryJitter float64
	MaxRetries  int
}

// SetDefaults fills zero-value fields.
func (c *Config) SetDefaults() {
	if c.RetryBase == 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryCap == 0 {
		c.RetryCap = time.Hour
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Handler implements the parse-worker protocol of spec §4.I.
type Handler struct {
	Config  Config
	Queue   queue.Manager
	Blobs   catalog.BlobStore
	Catalog catalog.Catalog
	Parser  Parser
	Log     logging.Logger
}

// Handle reads one leased parse-queue record, extracts links and fields
// from its blob, records the extraction, and re-admits newly discovered
// URLs into the frontier queue up to max_depth.
func (h *Handler) Handle(ctx context.Context, rec *queue.Record, token queue.LeaseToken) error {
	log := h.Log
	if log == nil {
		log = logging.Nop()
	}

	var item domain.ParseItem
	if err := json.Unmarshal(rec.Payload, &item); err != nil {
		log.Error("parseworker: undecodable record, dropping", logging.Err(err))
		return h.Queue.Ack(ctx, queue.Parse, token)
	}

	body, err := h.readBlob(ctx, item.ContentRef)
	if err != nil {
		return h.nackOrDead(ctx, rec, token, &item, err)
	}

	extracted, err := h.Parser.Parse(item.FinalURL, body, item.ContentType)
	if err != nil {
		// Extraction failure on a document we already fetched is a
		// permanent error — the body will never parse differently.
		log.Warn("parseworker: extraction failed", logging.String("url", item.URL), logging.Err(err))
		return h.Queue.Ack(ctx, queue.Parse, token)
	}

	if err := h.Catalog.RecordExtract(ctx, catalog.ExtractedData{
		Fingerprint: item.ParentFingerprint,
		Links:       extracted.Links,
		Fields:      extracted.Fields,
		ParsedAt:    time.Now(),
	}); err != nil {
		log.Warn("parseworker: record extract failed", logging.Err(err))
	}

	if item.Depth < h.Config.MaxDepth {
		h.admitDiscovered(ctx, &item, extracted.Links)
	}

	return h.Queue.Ack(ctx, queue.Parse, token)
}

func (h *Handler) readBlob(ctx context.Context, contentRef string) ([]byte, error) {
	if contentRef == "" {
		return nil, fmt.Errorf("parseworker: empty content ref")
	}
	rc, err := h.Blobs.Open(ctx, contentRef)
	if err != nil {
		return nil, fmt.Errorf("parseworker: open blob: %w", err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("parseworker: read blob: %w", err)
	}
	return body, nil
}

// admitDiscovered canonicalizes each discovered link and pushes it to the
// frontier queue at depth+1, per spec §4.I.
func (h *Handler) admitDiscovered(ctx context.Context, parent *domain.ParseItem, links []string) {
	for _, raw := range links {
		canon, err := urlnorm.Canonicalize(raw)
		if err != nil {
			continue
		}
		fp, err := urlnorm.Fingerprint(canon)
		if err != nil {
			continue
		}

		child := &domain.CrawlURL{
			ID:             fp,
			URL:            canon,
			Fingerprint:    fp,
			JobID:          parent.JobID,
			Priority:       domain.DefaultPriority,
			Depth:          parent.Depth + 1,
			DiscoveredFrom: parent.ParentFingerprint,
		}

		payload, err := json.Marshal(child)
		if err != nil {
			continue
		}
		if err := h.Queue.Push(ctx, queue.Frontier, payload, child.Priority, time.Now()); err != nil {
			h.Log.Warn("parseworker: push discovered url failed", logging.String("url", canon), logging.Err(err))
		}
	}
}

// nackOrDead handles a transient blob-read failure by nacking with
// back-off, dead-lettering once retries are exhausted.
func (h *Handler) nackOrDead(ctx context.Context, rec *queue.Record, token queue.LeaseToken, item *domain.ParseItem, cause error) error {
	h.Log.Warn("parseworker: transient read failure", logging.String("content_ref", item.ContentRef), logging.Err(cause))

	if rec.DeliveryCount >= h.Config.MaxRetries {
		if err := h.Queue.Ack(ctx, queue.Parse, token); err != nil {
			return err
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return h.Queue.Push(ctx, queue.Dead, payload, 0, time.Now())
	}

	delay := queue.Backoff(rec.DeliveryCount+1, h.Config.RetryBase, h.Config.RetryCap, h.Config.RetryJitter, 0, nil)
	return h.Queue.Nack(ctx, queue.Parse, token, delay)
}

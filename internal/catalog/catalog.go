// Package catalog defines the narrow write-sink capabilities crawl and
// parse workers use to persist crawl metadata, extracted data, and raw
// response bodies (spec §4.K), plus Elasticsearch and Postgres adapters.
package catalog

import (
	"context"
	"io"
	"time"
)

// CrawlMeta is what a crawl worker records for a successfully fetched URL.
type CrawlMeta struct {
	Fingerprint  string
	URL          string
	FinalURL     string
	JobID        string
	Status       int
	ContentType  string
	Size         int64
	FetchedAt    time.Time
}

// ExtractedData is what a parse worker records after extracting fields and
// links from a fetched document.
type ExtractedData struct {
	Fingerprint string
	Links       []string
	Fields      map[string]string
	ParsedAt    time.Time
}

// Catalog persists crawl and parse results, idempotently by fingerprint —
// calling any method twice with the same fingerprint must leave the
// catalog in the same state (spec §4.K, P8).
type Catalog interface {
	RecordCrawl(ctx context.Context, meta CrawlMeta) error
	RecordExtract(ctx context.Context, data ExtractedData) error
	UpdateValidators(ctx context.Context, fingerprint, etag, lastModified string) error
}

// Writer receives a blob's bytes and yields an opaque content reference on
// Close, per spec §4.K's BlobStore.open_writer/Writer.close contract.
type Writer interface {
	io.Writer
	Close() (contentRef string, err error)
}

// BlobStore opens a Writer for one (job, fingerprint) body.
type BlobStore interface {
	OpenWriter(ctx context.Context, jobID, fingerprint string) (Writer, error)

	// Put is a single-shot convenience path for callers that already have
	// the full body in memory (e.g. a rendered page), as an alternative to
	// streaming through Writer.
	Put(ctx context.Context, fingerprint string, body io.Reader) (contentRef string, size int64, err error)

	// Open returns the stored body for contentRef, for parse workers that
	// read back what the crawl worker wrote.
	Open(ctx context.Context, contentRef string) (io.ReadCloser, error)
}

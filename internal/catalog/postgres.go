package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresCatalog implements Catalog over a relational schema, using
// INSERT ... ON CONFLICT upserts keyed by fingerprint for idempotency
// (spec §4.K, P8), the relational analogue of the Elasticsearch adapter.
type PostgresCatalog struct {
	db *sqlx.DB
}

// NewPostgresCatalog wraps an already-connected *sqlx.DB.
func NewPostgresCatalog(db *sqlx.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

// Schema is the DDL PostgresCatalog expects. Applying it is left to the
// operator's migration tooling; it is not run automatically.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_meta (
	fingerprint   TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	final_url     TEXT NOT NULL,
	job_id        TEXT NOT NULL,
	status        INTEGER NOT NULL,
	content_type  TEXT,
	size_bytes    BIGINT NOT NULL,
	etag          TEXT,
	last_modified TEXT,
	fetched_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS extracted_data (
	fingerprint TEXT PRIMARY KEY REFERENCES crawl_meta(fingerprint),
	links       JSONB NOT NULL DEFAULT '[]',
	fields      JSONB NOT NULL DEFAULT '{}',
	parsed_at   TIMESTAMPTZ NOT NULL
);
`

// RecordCrawl implements Catalog.
func (c *PostgresCatalog) RecordCrawl(ctx context.Context, meta CrawlMeta) error {
	const query = `
		INSERT INTO crawl_meta (fingerprint, url, final_url, job_id, status, content_type, size_bytes, fetched_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (fingerprint) DO UPDATE SET
			url = EXCLUDED.url,
			final_url = EXCLUDED.final_url,
			status = EXCLUDED.status,
			content_type = EXCLUDED.content_type,
			size_bytes = EXCLUDED.size_bytes,
			fetched_at = EXCLUDED.fetched_at,
			updated_at = NOW()
	`
	_, err := c.db.ExecContext(ctx, query,
		meta.Fingerprint, meta.URL, meta.FinalURL, meta.JobID, meta.Status,
		meta.ContentType, meta.Size, meta.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("catalog: record crawl: %w", err)
	}
	return nil
}

// RecordExtract implements Catalog.
func (c *PostgresCatalog) RecordExtract(ctx context.Context, data ExtractedData) error {
	const query = `
		INSERT INTO extracted_data (fingerprint, links, fields, parsed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fingerprint) DO UPDATE SET
			links = EXCLUDED.links,
			fields = EXCLUDED.fields,
			parsed_at = EXCLUDED.parsed_at
	`
	links, err := json.Marshal(data.Links)
	if err != nil {
		return fmt.Errorf("catalog: marshal links: %w", err)
	}
	fields, err := json.Marshal(data.Fields)
	if err != nil {
		return fmt.Errorf("catalog: marshal fields: %w", err)
	}

	parsedAt := data.ParsedAt
	if parsedAt.IsZero() {
		parsedAt = time.Now()
	}

	_, err = c.db.ExecContext(ctx, query, data.Fingerprint, links, fields, parsedAt)
	if err != nil {
		return fmt.Errorf("catalog: record extract: %w", err)
	}
	return nil
}

// UpdateValidators implements Catalog.
func (c *PostgresCatalog) UpdateValidators(ctx context.Context, fingerprint, etag, lastModified string) error {
	const query = `UPDATE crawl_meta SET etag = $2, last_modified = $3, updated_at = NOW() WHERE fingerprint = $1`
	_, err := c.db.ExecContext(ctx, query, fingerprint, etag, lastModified)
	if err != nil {
		return fmt.Errorf("catalog: update validators: %w", err)
	}
	return nil
}

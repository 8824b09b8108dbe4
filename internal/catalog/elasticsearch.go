package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"

	"github.com/crawlmesh/core/internal/logging"
)

// ElasticsearchCatalog stores crawl metadata and extracted data as
// documents keyed by fingerprint, so re-indexing the same fingerprint
// overwrites rather than duplicates (spec §4.K idempotency).
type ElasticsearchCatalog struct {
	client      *es.Client
	metaIndex   string
	extractIdx  string
	blobIndex   string
	log         logging.Logger
}

// ElasticsearchConfig names the indices ElasticsearchCatalog writes to.
type ElasticsearchConfig struct {
	MetaIndex    string
	ExtractIndex string
	BlobIndex    string
}

// SetDefaults fills empty index names.
func (c *ElasticsearchConfig) SetDefaults() {
	if c.MetaIndex == "" {
		c.MetaIndex = "crawlmesh-crawl-meta"
	}
	if c.ExtractIndex == "" {
		c.ExtractIndex = "crawlmesh-extracted"
	}
	if c.BlobIndex == "" {
		c.BlobIndex = "crawlmesh-blobs"
	}
}

// NewElasticsearchCatalog builds a Catalog (and BlobStore, via
// ElasticsearchBlobStore) backed by client.
func NewElasticsearchCatalog(client *es.Client, cfg ElasticsearchConfig, log logging.Logger) *ElasticsearchCatalog {
	cfg.SetDefaults()
	if log == nil {
		log = logging.Nop()
	}
	return &ElasticsearchCatalog{client: client, metaIndex: cfg.MetaIndex, extractIdx: cfg.ExtractIndex, blobIndex: cfg.BlobIndex, log: log}
}

type crawlMetaDoc struct {
	Fingerprint string    `json:"fingerprint"`
	URL         string    `json:"url"`
	FinalURL    string    `json:"final_url"`
	JobID       string    `json:"job_id"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	FetchedAt   time.Time `json:"fetched_at"`
	ETag        string    `json:"etag,omitempty"`
	LastModified string   `json:"last_modified,omitempty"`
}

// RecordCrawl implements Catalog.
func (c *ElasticsearchCatalog) RecordCrawl(ctx context.Context, meta CrawlMeta) error {
	doc := crawlMetaDoc{
		Fingerprint: meta.Fingerprint, URL: meta.URL, FinalURL: meta.FinalURL,
		JobID: meta.JobID, Status: meta.Status, ContentType: meta.ContentType,
		Size: meta.Size, FetchedAt: meta.FetchedAt,
	}
	return c.index(ctx, c.metaIndex, meta.Fingerprint, doc)
}

// RecordExtract implements Catalog.
func (c *ElasticsearchCatalog) RecordExtract(ctx context.Context, data ExtractedData) error {
	return c.index(ctx, c.extractIdx, data.Fingerprint, data)
}

// UpdateValidators implements Catalog by applying a partial update (with
// doc_as_upsert) of the cache validators to the crawl meta document.
// Elasticsearch's partial update API keeps this a single idempotent call.
func (c *ElasticsearchCatalog) UpdateValidators(ctx context.Context, fingerprint, etag, lastModified string) error {
	body, err := json.Marshal(map[string]any{
		"doc": map[string]any{"etag": etag, "last_modified": lastModified},
		"doc_as_upsert": true,
	})
	if err != nil {
		return fmt.Errorf("catalog: marshal validators update: %w", err)
	}

	res, err := c.client.Update(c.metaIndex, fingerprint, bytes.NewReader(body), c.client.Update.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("catalog: update validators: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("catalog: elasticsearch update error: %s", res.String())
	}
	return nil
}

func (c *ElasticsearchCatalog) index(ctx context.Context, index, id string, document any) error {
	body, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("catalog: marshal document: %w", err)
	}

	res, err := c.client.Index(
		index,
		bytes.NewReader(body),
		c.client.Index.WithContext(ctx),
		c.client.Index.WithDocumentID(id),
	)
	if err != nil {
		return fmt.Errorf("catalog: index document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("catalog: elasticsearch error indexing %s/%s: %s", index, id, res.String())
	}
	return nil
}

// ElasticsearchBlobStore stores fetched bodies as base64 payloads in a blob
// index, keyed by fingerprint. This trades storage efficiency for reusing
// the same client and idempotency model as ElasticsearchCatalog; a
// production deployment would point BlobStore at object storage instead.
type ElasticsearchBlobStore struct {
	client *es.Client
	index  string
}

// NewElasticsearchBlobStore builds a BlobStore over the given index.
func NewElasticsearchBlobStore(client *es.Client, index string) *ElasticsearchBlobStore {
	if index == "" {
		index = "crawlmesh-blobs"
	}
	return &ElasticsearchBlobStore{client: client, index: index}
}

type blobDoc struct {
	Body []byte `json:"body"`
}

// Put implements catalog.BlobStore.
func (s *ElasticsearchBlobStore) Put(ctx context.Context, fingerprint string, body io.Reader) (string, int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", 0, fmt.Errorf("catalog: read blob body: %w", err)
	}

	doc, err := json.Marshal(blobDoc{Body: data})
	if err != nil {
		return "", 0, fmt.Errorf("catalog: marshal blob: %w", err)
	}

	res, err := s.client.Index(
		s.index, bytes.NewReader(doc),
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(fingerprint),
	)
	if err != nil {
		return "", 0, fmt.Errorf("catalog: store blob: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return "", 0, fmt.Errorf("catalog: elasticsearch error storing blob %s: %s", fingerprint, res.String())
	}

	return fingerprint, int64(len(data)), nil
}

// OpenWriter implements catalog.BlobStore with a buffering Writer that
// calls Put on Close.
func (s *ElasticsearchBlobStore) OpenWriter(ctx context.Context, _, fingerprint string) (Writer, error) {
	return &esBlobWriter{ctx: ctx, store: s, fingerprint: fingerprint}, nil
}

// Open implements catalog.BlobStore.
func (s *ElasticsearchBlobStore) Open(ctx context.Context, contentRef string) (io.ReadCloser, error) {
	res, err := s.client.Get(s.index, contentRef, s.client.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("catalog: get blob: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("catalog: elasticsearch error reading blob %s: %s", contentRef, res.String())
	}

	var wrapper struct {
		Source blobDoc `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&wrapper); err != nil {
		return nil, fmt.Errorf("catalog: decode blob response: %w", err)
	}
	if wrapper.Source.Body == nil {
		return nil, errors.New("catalog: blob not found")
	}

	return io.NopCloser(bytes.NewReader(wrapper.Source.Body)), nil
}

type esBlobWriter struct {
	ctx         context.Context
	store       *ElasticsearchBlobStore
	fingerprint string
	buf         bytes.Buffer
}

func (w *esBlobWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *esBlobWriter) Close() (string, error) {
	ref, _, err := w.store.Put(w.ctx, w.fingerprint, bytes.NewReader(w.buf.Bytes()))
	return ref, err
}

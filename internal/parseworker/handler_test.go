package parseworker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/crawlmesh/core/internal/catalog"
	"github.com/crawlmesh/core/internal/domain"
	"github.com/crawlmesh/core/internal/parseworker"
	"github.com/crawlmesh/core/internal/queue"
	"github.com/crawlmesh/core/internal/queue/memory"
)

type fakeBlobs struct {
	bodies  map[string][]byte
	openErr error
}

func (f *fakeBlobs) OpenWriter(ctx context.Context, jobID, fingerprint string) (catalog.Writer, error) {
	return nil, nil
}
func (f *fakeBlobs) Put(ctx context.Context, fingerprint string, body io.Reader) (string, int64, error) {
	return "", 0, nil
}
func (f *fakeBlobs) Open(ctx context.Context, contentRef string) (io.ReadCloser, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	body, ok := f.bodies[contentRef]
	if !ok {
		return nil, errors.New("no such blob")
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

type fakeCatalog struct {
	extracted []catalog.ExtractedData
}

func (f *fakeCatalog) RecordCrawl(ctx context.Context, meta catalog.CrawlMeta) error { return nil }
func (f *fakeCatalog) RecordExtract(ctx context.Context, data catalog.ExtractedData) error {
	f.extracted = append(f.extracted, data)
	return nil
}
func (f *fakeCatalog) UpdateValidators(ctx context.Context, fingerprint, etag, lastModified string) error {
	return nil
}

type fixedParser struct {
	links []string
	err   error
}

func (p fixedParser) Parse(baseURL string, body []byte, contentType string) (parseworker.Extracted, error) {
	if p.err != nil {
		return parseworker.Extracted{}, p.err
	}
	return parseworker.Extracted{Links: p.links, Fields: map[string]string{"title": "t"}}, nil
}

func pushParseItem(t *testing.T, qm *memory.Manager, item domain.ParseItem) {
	t.Helper()
	payload, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := qm.Push(context.Background(), queue.Parse, payload, 0, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func leaseAndHandle(t *testing.T, h *parseworker.Handler, qm *memory.Manager) error {
	t.Helper()
	rec, token, err := qm.Lease(context.Background(), queue.Parse)
	if err != nil {
		t.Fatalf("unexpected error leasing parse queue: %v", err)
	}
	return h.Handle(context.Background(), rec, token)
}

func TestHandle_ExtractsAndAdmitsDiscoveredLinks(t *testing.T) {
	t.Parallel()

	qm := memory.New(time.Minute)
	blobs := &fakeBlobs{bodies: map[string][]byte{"ref1": []byte("<html>body</html>")}}
	cat := &fakeCatalog{}
	h := &parseworker.Handler{
		Config:  parseworker.Config{MaxDepth: 3, MaxRetries: 2},
		Queue:   qm,
		Blobs:   blobs,
		Catalog: cat,
		Parser:  fixedParser{links: []string{"https://example.com/next"}},
	}

	pushParseItem(t, qm, domain.ParseItem{
		ContentRef:        "ref1",
		URL:               "https://example.com/",
		FinalURL:          "https://example.com/",
		ContentType:       "text/html",
		Depth:             0,
		JobID:             "job1",
		ParentFingerprint: "fp-parent",
	})

	if err := leaseAndHandle(t, h, qm); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	if len(cat.extracted) != 1 {
		t.Fatalf("len(extracted) = %d, want 1", len(cat.extracted))
	}
	if cat.extracted[0].Fingerprint != "fp-parent" {
		t.Errorf("extracted fingerprint = %q, want fp-parent", cat.extracted[0].Fingerprint)
	}

	ctx := context.Background()
	if size, _ := qm.Size(ctx, queue.Parse); size != 0 {
		t.Errorf("parse queue size = %d, want 0 (acked)", size)
	}
	if size, _ := qm.Size(ctx, queue.Frontier); size != 1 {
		t.Errorf("frontier size = %d, want 1 (discovered link admitted)", size)
	}
}

func TestHandle_DoesNotAdmitLinksAtMaxDepth(t *testing.T) {
	t.Parallel()

	qm := memory.New(time.Minute)
	blobs := &fakeBlobs{bodies: map[string][]byte{"ref1": []byte("<html>body</html>")}}
	h := &parseworker.Handler{
		Config:  parseworker.Config{MaxDepth: 2, MaxRetries: 2},
		Queue:   qm,
		Blobs:   blobs,
		Catalog: &fakeCatalog{},
		Parser:  fixedParser{links: []string{"https://example.com/deep"}},
	}

	pushParseItem(t, qm, domain.ParseItem{
		ContentRef:  "ref1",
		URL:         "https://example.com/",
		FinalURL:    "https://example.com/",
		ContentType: "text/html",
		Depth:       2,
		JobID:       "job1",
	})

	if err := leaseAndHandle(t, h, qm); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	ctx := context.Background()
	if size, _ := qm.Size(ctx, queue.Frontier); size != 0 {
		t.Errorf("frontier size = %d, want 0 (max depth reached)", size)
	}
}

func TestHandle_ExtractionFailureAcksWithoutRetry(t *testing.T) {
	t.Parallel()

	qm := memory.New(time.Minute)
	blobs := &fakeBlobs{bodies: map[string][]byte{"ref1": []byte("garbage")}}
	h := &parseworker.Handler{
		Config:  parseworker.Config{MaxDepth: 3, MaxRetries: 2},
		Queue:   qm,
		Blobs:   blobs,
		Catalog: &fakeCatalog{},
		Parser:  fixedParser{err: errors.New("malformed document")},
	}

	pushParseItem(t, qm, domain.ParseItem{ContentRef: "ref1", ContentType: "text/html", JobID: "job1"})

	if err := leaseAndHandle(t, h, qm); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	ctx := context.Background()
	if size, _ := qm.Size(ctx, queue.Parse); size != 0 {
		t.Errorf("parse queue size = %d, want 0 (acked despite parse failure)", size)
	}
}

func TestHandle_BlobReadFailureRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()

	qm := memory.New(time.Minute)
	blobs := &fakeBlobs{openErr: errors.New("storage unavailable")}
	h := &parseworker.Handler{
		Config:  parseworker.Config{MaxDepth: 3, MaxRetries: 1, RetryBase: time.Millisecond, RetryCap: time.Second},
		Queue:   qm,
		Blobs:   blobs,
		Catalog: &fakeCatalog{},
		Parser:  fixedParser{},
	}

	pushParseItem(t, qm, domain.ParseItem{ContentRef: "ref1", ContentType: "text/html", JobID: "job1"})

	// First attempt: DeliveryCount is 0 on the first lease, below
	// MaxRetries=1, so the record is nacked back onto the parse queue.
	if err := leaseAndHandle(t, h, qm); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	// Second attempt: DeliveryCount is now 1 (1 >= 1), so it dead-letters.
	if err := leaseAndHandle(t, h, qm); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	ctx := context.Background()
	if size, _ := qm.Size(ctx, queue.Parse); size != 0 {
		t.Errorf("parse queue size = %d, want 0", size)
	}
	if size, _ := qm.Size(ctx, queue.Dead); size != 1 {
		t.Errorf("dead queue size = %d, want 1", size)
	}
}

func TestHandle_UndecodableRecordIsAckedAndDropped(t *testing.T) {
	t.Parallel()

	qm := memory.New(time.Minute)
	h := &parseworker.Handler{
		Config:  parseworker.Config{MaxDepth: 3, MaxRetries: 2},
		Queue:   qm,
		Blobs:   &fakeBlobs{},
		Catalog: &fakeCatalog{},
		Parser:  fixedParser{},
	}

	if err := qm.Push(context.Background(), queue.Parse, []byte("not json"), 0, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := leaseAndHandle(t, h, qm); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	if size, _ := qm.Size(context.Background(), queue.Parse); size != 0 {
		t.Errorf("parse queue size = %d, want 0 (dropped)", size)
	}
}

package crawlworker_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crawlmesh/core/internal/catalog"
	"github.com/crawlmesh/core/internal/circuitbreaker"
	"github.com/crawlmesh/core/internal/crawlworker"
	"github.com/crawlmesh/core/internal/dnscache"
	"github.com/crawlmesh/core/internal/domain"
	"github.com/crawlmesh/core/internal/fetcher"
	"github.com/crawlmesh/core/internal/inflight"
	"github.com/crawlmesh/core/internal/queue"
	"github.com/crawlmesh/core/internal/queue/memory"
	"github.com/crawlmesh/core/internal/ratelimit"
	"github.com/crawlmesh/core/internal/robots"
	"github.com/crawlmesh/core/internal/telemetry"
	"github.com/crawlmesh/core/internal/urlnorm"
)

type fakeResolver struct{}

func (fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return []string{"127.0.0.1"}, nil
}

type fakeCatalog struct {
	recordedCrawl   []catalog.CrawlMeta
	recordedExtract []catalog.ExtractedData
}

func (f *fakeCatalog) RecordCrawl(ctx context.Context, meta catalog.CrawlMeta) error {
	f.recordedCrawl = append(f.recordedCrawl, meta)
	return nil
}
func (f *fakeCatalog) RecordExtract(ctx context.Context, data catalog.ExtractedData) error {
	f.recordedExtract = append(f.recordedExtract, data)
	return nil
}
func (f *fakeCatalog) UpdateValidators(ctx context.Context, fingerprint, etag, lastModified string) error {
	return nil
}

type fakeBlobStore struct{}

func (fakeBlobStore) OpenWriter(ctx context.Context, jobID, fingerprint string) (catalog.Writer, error) {
	return &fakeCatalogWriter{fingerprint: fingerprint}, nil
}

type fakeCatalogWriter struct {
	fingerprint string
	buf         bytes.Buffer
}

func (w *fakeCatalogWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeCatalogWriter) Close() (string, error)      { return "ref:" + w.fingerprint, nil }

func (fakeBlobStore) Put(ctx context.Context, fingerprint string, body io.Reader) (string, int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", 0, err
	}
	return "ref:" + fingerprint, int64(len(data)), nil
}
func (fakeBlobStore) Open(ctx context.Context, contentRef string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

// testRig bundles a Handler with the in-memory queue and HTTP server it
// was built around, so tests can seed the frontier and inspect queue depth.
type testRig struct {
	handler *crawlworker.Handler
	queue   *memory.Manager
	baseURL string
}

func newTestRig(t *testing.T, mux *http.ServeMux) *testRig {
	t.Helper()

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	qm := memory.New(time.Minute)
	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	h := &crawlworker.Handler{
		Config:   crawlworker.Config{MaxRetries: 2, RetryBase: time.Millisecond, RetryCap: time.Second},
		Queue:    qm,
		Robots:   robots.New(server.Client(), "TestBot/1.0"),
		Rate:     ratelimit.New(ratelimit.Config{RPS: 1000, Burst: 1000, PerDomain: true}),
		DNS:      dnscache.New(dnscache.Config{TTL: time.Hour}, fakeResolver{}, metrics),
		Fetcher:  fetcher.New(fetcher.Config{}, server.Client(), fakeBlobStore{}),
		Catalog:  &fakeCatalog{},
		Blobs:    fakeBlobStore{},
		Inflight: inflight.New(),
		Breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		Metrics:  metrics,
	}
	return &testRig{handler: h, queue: qm, baseURL: server.URL}
}

func (r *testRig) seed(t *testing.T, path string) {
	t.Helper()
	payload, err := crawlworker.Encode(&domain.CrawlURL{URL: r.baseURL + path, JobID: "job1", Priority: domain.DefaultPriority})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.queue.Push(context.Background(), queue.Frontier, payload, 0, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func (r *testRig) handleOne(t *testing.T) error {
	t.Helper()
	rec, token, err := r.queue.Lease(context.Background(), queue.Frontier)
	if err != nil {
		t.Fatalf("unexpected error leasing frontier: %v", err)
	}
	return r.handler.Handle(context.Background(), rec, token)
}

func TestHandle_OKPushesParseItemAndAcksFrontier(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>hi</html>"))
	})

	rig := newTestRig(t, mux)
	rig.seed(t, "/page")

	if err := rig.handleOne(t); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	ctx := context.Background()
	if size, _ := rig.queue.Size(ctx, queue.Frontier); size != 0 {
		t.Errorf("frontier size = %d, want 0 (acked)", size)
	}
	if size, _ := rig.queue.Size(ctx, queue.Parse); size != 1 {
		t.Errorf("parse queue size = %d, want 1", size)
	}
}

func TestHandle_RobotsBlockedAcksWithoutParseItem(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	})

	rig := newTestRig(t, mux)
	rig.seed(t, "/private/secret")

	if err := rig.handleOne(t); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	ctx := context.Background()
	if size, _ := rig.queue.Size(ctx, queue.Frontier); size != 0 {
		t.Errorf("frontier size = %d, want 0 (acked)", size)
	}
	if size, _ := rig.queue.Size(ctx, queue.Parse); size != 0 {
		t.Errorf("parse queue size = %d, want 0 (blocked by robots)", size)
	}
}

func TestHandle_NotFoundIsNotRetriedAndLeavesNoParseItem(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rig := newTestRig(t, mux)
	rig.seed(t, "/missing")

	if err := rig.handleOne(t); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	ctx := context.Background()
	if size, _ := rig.queue.Size(ctx, queue.Frontier); size != 0 {
		t.Errorf("frontier size = %d, want 0 (acked, not retried)", size)
	}
	if size, _ := rig.queue.Size(ctx, queue.Parse); size != 0 {
		t.Errorf("parse queue size = %d, want 0", size)
	}
}

func TestHandle_DuplicateInFlightIsDroppedWithoutFetch(t *testing.T) {
	t.Parallel()

	fetchCount := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		fetchCount++
		_, _ = w.Write([]byte("ok"))
	})

	rig := newTestRig(t, mux)

	fp, err := urlnorm.Fingerprint(rig.baseURL + "/page")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rig.handler.Inflight.Admit("job1", fp)

	rig.seed(t, "/page")
	if err := rig.handleOne(t); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if fetchCount != 0 {
		t.Errorf("fetchCount = %d, want 0 (already in flight)", fetchCount)
	}

	ctx := context.Background()
	if size, _ := rig.queue.Size(ctx, queue.Frontier); size != 0 {
		t.Errorf("frontier size = %d, want 0 (acked)", size)
	}
}

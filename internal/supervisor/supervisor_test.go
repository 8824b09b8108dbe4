package supervisor_test

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
	"github.com/crawlmesh/core/internal/logging"
	"github.com/crawlmesh/core/internal/parseworker"
	"github.com/crawlmesh/core/internal/queue"
	"github.com/crawlmesh/core/internal/queue/memory"
	"github.com/crawlmesh/core/internal/ratelimit"
	"github.com/crawlmesh/core/internal/robots"
	"github.com/crawlmesh/core/internal/supervisor"
	"github.com/crawlmesh/core/internal/telemetry"
)

type fakeResolver struct{}

func (fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return []string{"127.0.0.1"}, nil
}

type fakeCatalog struct{}

func (fakeCatalog) RecordCrawl(ctx context.Context, meta catalog.CrawlMeta) error      { return nil }
func (fakeCatalog) RecordExtract(ctx context.Context, data catalog.ExtractedData) error { return nil }
func (fakeCatalog) UpdateValidators(ctx context.Context, fingerprint, etag, lastModified string) error {
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

type noopParser struct{}

func (noopParser) Parse(baseURL string, body []byte, contentType string) (parseworker.Extracted, error) {
	return parseworker.Extracted{}, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", timeout)
	}
}

// newTestSupervisor wires a Supervisor around a real in-memory queue and a
// crawl pool whose handler can safely run against an httptest server
// (robots.txt always 404s, i.e. allow-all) so the worker loops can execute
// end to end without touching the network.
func newTestSupervisor(t *testing.T, cfg supervisor.Config) (*supervisor.Supervisor, *memory.Manager, string) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/doomed", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	qm := memory.New(time.Minute)
	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	crawlHandler := &crawlworker.Handler{
		Config:   crawlworker.Config{MaxRetries: 1, RetryBase: time.Millisecond, RetryCap: time.Millisecond},
		Queue:    qm,
		Robots:   robots.New(server.Client(), "TestBot/1.0"),
		Rate:     ratelimit.New(ratelimit.Config{RPS: 1000, Burst: 1000, PerDomain: true}),
		DNS:      dnscache.New(dnscache.Config{TTL: time.Hour}, fakeResolver{}, metrics),
		Fetcher:  fetcher.New(fetcher.Config{}, server.Client(), fakeBlobStore{}),
		Catalog:  fakeCatalog{},
		Blobs:    fakeBlobStore{},
		Inflight: inflight.New(),
		Breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		Metrics:  metrics,
	}
	crawlPool := crawlworker.NewPool(crawlHandler, 1, logging.Nop())

	parseHandler := &parseworker.Handler{
		Config:  parseworker.Config{MaxRetries: 1},
		Queue:   qm,
		Blobs:   fakeBlobStore{},
		Catalog: fakeCatalog{},
		Parser:  noopParser{},
	}
	parsePool := parseworker.NewPool(parseHandler, 1, logging.Nop())

	sup := supervisor.New(cfg, qm, crawlPool, parsePool, nil, metrics, logging.Nop())
	return sup, qm, server.URL
}

func TestSupervisor_StartAndStopIsClean(t *testing.T) {
	t.Parallel()

	sup, _, _ := newTestSupervisor(t, supervisor.Config{MetricsPeriod: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	sup.Stop()
}

func TestSupervisor_ScaleUnknownRoleIsNoop(t *testing.T) {
	t.Parallel()

	sup, _, _ := newTestSupervisor(t, supervisor.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Start(ctx)
	defer sup.Stop()

	sup.Scale(ctx, "bogus", 5)
}

func TestSupervisor_RequeueSweepMovesDeadRecordsToFrontier(t *testing.T) {
	t.Parallel()

	sup, qm, baseURL := newTestSupervisor(t, supervisor.Config{
		MetricsPeriod:   time.Hour,
		RequeueInterval: 10 * time.Millisecond,
		RequeueBatch:    10,
	})

	payload, err := crawlworker.Encode(&domain.CrawlURL{URL: baseURL + "/doomed", JobID: "job1", Priority: domain.DefaultPriority})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := qm.Push(context.Background(), queue.Dead, payload, 0, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Start(ctx)
	defer sup.Stop()

	waitFor(t, time.Second, func() bool {
		size, _ := qm.Size(context.Background(), queue.Dead)
		return size == 0
	})
}

func TestSupervisor_RequeueDisabledWhenIntervalIsZero(t *testing.T) {
	t.Parallel()

	sup, qm, baseURL := newTestSupervisor(t, supervisor.Config{MetricsPeriod: time.Hour})

	payload, err := crawlworker.Encode(&domain.CrawlURL{URL: baseURL + "/doomed", JobID: "job1", Priority: domain.DefaultPriority})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := qm.Push(context.Background(), queue.Dead, payload, 0, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	sup.Stop()

	size, err := qm.Size(context.Background(), queue.Dead)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size != 1 {
		t.Errorf("dead queue size = %d, want 1 (sweep disabled)", size)
	}
}

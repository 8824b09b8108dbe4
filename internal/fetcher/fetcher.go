// Package fetcher performs the raw HTTP side of a crawl attempt: a
// conditional GET with a size-capped streamed body and outcome
// classification (spec §4.D), re-admitting through rate limiting and
// robots on every redirect hop rather than trusting http.Client to follow
// blindly.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crawlmesh/core/internal/catalog"
	"github.com/crawlmesh/core/internal/domain"
	"github.com/crawlmesh/core/internal/urlnorm"
)

// DefaultMaxRedirects is applied when Config.MaxRedirects is unset.
const DefaultMaxRedirects = 5

// DefaultMaxContentSize is applied when Config.MaxContentSize is unset.
const DefaultMaxContentSize = 10 << 20 // 10 MiB

// streamChunkSize is the buffer size used to copy a response body into the
// blob writer, per spec §4.D's "forward in chunks (recommended 64 KiB)".
const streamChunkSize = 64 << 10

// ErrTooManyRedirects is returned when a redirect chain exceeds MaxRedirects.
var ErrTooManyRedirects = errors.New("fetcher: too many redirects")

// ErrTooLarge describes a response body that exceeds MaxContentSize. Fetch
// does not return it: an oversized body is reported as the
// skipped_too_large outcome instead.
var ErrTooLarge = errors.New("fetcher: response exceeds max content size")

// Writer receives a fetched body in chunks and yields an opaque content
// reference on Close. It's an alias for catalog.Writer rather than a
// structurally-identical local interface, since its two methods alone
// (Write, Close) aren't distinctive enough to make two independently
// declared interfaces type-identical — BlobWriter.OpenWriter below must
// return exactly the type catalog.BlobStore.OpenWriter returns for a
// *catalog.ElasticsearchBlobStore to satisfy
// BlobWriter without an adapter.
type Writer = catalog.Writer

// BlobWriter opens a Writer for one (job, fingerprint) body
// (catalog.BlobStore, narrowed to the write path the fetcher needs).
type BlobWriter interface {
	OpenWriter(ctx context.Context, jobID, fingerprint string) (Writer, error)
}

// RateAdmitter is the token-bucket admission capability (ratelimit.Limiter,
// narrowed) the fetcher re-enters on every redirect hop.
type RateAdmitter interface {
	Wait(ctx context.Context, key string) (time.Duration, error)
}

// RobotsAdmitter is the robots.txt admission capability (robots.Checker,
// narrowed) the fetcher re-enters on every redirect hop.
type RobotsAdmitter interface {
	Allowed(ctx context.Context, rawURL string) (bool, error)
}

// Config controls Fetcher behavior.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	MaxRedirects   int
	MaxContentSize int64
}

// SetDefaults fills zero-value fields.
func (c *Config) SetDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "CrawlMesh/1.0"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.MaxContentSize <= 0 {
		c.MaxContentSize = DefaultMaxContentSize
	}
}

// Fetcher performs a GET, following redirects itself so each hop can be
// re-admitted through rate limiting and robots, and classifies the final
// response into a domain.FetchResult. It never retries internally — that
// is the crawl worker's job, guided by Retryable and RetryAfter.
type Fetcher struct {
	cfg    Config
	client *http.Client
	blobs  BlobWriter
	rate   RateAdmitter
	robots RobotsAdmitter
}

// New builds a Fetcher. If client is nil, one is constructed from cfg.
// Either way, the client's automatic redirect following is disabled — Fetch
// walks redirects itself so each hop re-enters admission (see SetAdmission).
func New(cfg Config, client *http.Client, blobs BlobWriter) *Fetcher {
	cfg.SetDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Fetcher{cfg: cfg, client: client, blobs: blobs}
}

// SetAdmission wires the rate limiter and robots checker used to re-admit
// each redirect hop (spec §4.D: "redirects are followed by re-admitting
// through A/C"). The first request of a crawl attempt is admitted by the
// caller (crawlworker.Handler) before Fetch is ever called; Fetch only
// re-admits hops beyond the first.
func (f *Fetcher) SetAdmission(rate RateAdmitter, robots RobotsAdmitter) {
	f.rate = rate
	f.robots = robots
}

// Fetch performs the GET for cu, following up to cfg.MaxRedirects redirects
// manually, and returns a classified result. fingerprint/jobID are used as
// the blob store key when the body is persisted.
func (f *Fetcher) Fetch(ctx context.Context, cu *domain.CrawlURL) (*domain.FetchResult, error) {
	currentURL := cu.URL

	for redirects := 0; ; redirects++ {
		resp, err := f.doRequest(ctx, currentURL, cu)
		if err != nil {
			if ctx.Err() != nil {
				return &domain.FetchResult{Outcome: domain.OutcomeError, Err: ctx.Err(), Retryable: true}, nil
			}
			return &domain.FetchResult{Outcome: domain.OutcomeError, Err: err, Retryable: true}, nil
		}

		if isRedirect(resp.StatusCode) {
			_ = resp.Body.Close()

			if redirects+1 > f.cfg.MaxRedirects {
				return &domain.FetchResult{Outcome: domain.OutcomeError, Err: ErrTooManyRedirects, Retryable: false}, nil
			}

			next, resolveErr := resolveRedirect(currentURL, resp.Header.Get("Location"))
			if resolveErr != nil {
				return &domain.FetchResult{Outcome: domain.OutcomeError, Err: resolveErr, Retryable: false}, nil
			}

			if admitResult := f.reAdmit(ctx, next); admitResult != nil {
				return admitResult, nil
			}

			currentURL = next
			continue
		}

		return f.classify(ctx, cu, resp, currentURL)
	}
}

// reAdmit runs robots then rate admission for a redirect target, returning
// a non-nil FetchResult if the hop is blocked or admission itself errors.
func (f *Fetcher) reAdmit(ctx context.Context, target string) *domain.FetchResult {
	if f.robots != nil {
		allowed, err := f.robots.Allowed(ctx, target)
		if err != nil {
			return &domain.FetchResult{Outcome: domain.OutcomeError, Err: err, Retryable: true}
		}
		if !allowed {
			return &domain.FetchResult{Outcome: domain.OutcomeBlockedRobots, FinalURL: target}
		}
	}

	if f.rate != nil {
		host, err := urlnorm.Host(target)
		if err != nil {
			return &domain.FetchResult{Outcome: domain.OutcomeError, Err: err, Retryable: false}
		}
		if _, err := f.rate.Wait(ctx, host); err != nil {
			return &domain.FetchResult{Outcome: domain.OutcomeError, Err: err, Retryable: true}
		}
	}

	return nil
}

func (f *Fetcher) doRequest(ctx context.Context, rawURL string, cu *domain.CrawlURL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("fetcher: build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	if cu.ETag != "" {
		req.Header.Set("If-None-Match", cu.ETag)
	}
	if cu.LastModified != "" {
		req.Header.Set("If-Modified-Since", cu.LastModified)
	}
	return f.client.Do(req)
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func resolveRedirect(currentURL, location string) (string, error) {
	if location == "" {
		return "", errors.New("fetcher: redirect response missing Location header")
	}
	base, err := url.Parse(currentURL)
	if err != nil {
		return "", fmt.Errorf("fetcher: parse current url: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("fetcher: parse redirect location: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// classify turns the final, non-redirect response into a domain.FetchResult.
func (f *Fetcher) classify(ctx context.Context, cu *domain.CrawlURL, resp *http.Response, finalURL string) (*domain.FetchResult, error) {
	defer resp.Body.Close()

	headers := flattenHeader(resp.Header)

	switch {
	case resp.StatusCode == http.StatusOK:
		return f.handleOK(ctx, cu, resp, finalURL, headers)
	case resp.StatusCode == http.StatusNotModified:
		return &domain.FetchResult{
			Outcome: domain.OutcomeNotModified, Status: resp.StatusCode,
			Headers: headers, FinalURL: finalURL,
		}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return &domain.FetchResult{
			Outcome: domain.OutcomeError, Status: resp.StatusCode, Headers: headers,
			FinalURL: finalURL, Retryable: true, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err: fmt.Errorf("fetcher: http status %d", resp.StatusCode),
		}, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooEarly:
		return &domain.FetchResult{
			Outcome: domain.OutcomeError, Status: resp.StatusCode, Headers: headers,
			FinalURL: finalURL, Retryable: true, Err: fmt.Errorf("fetcher: http status %d", resp.StatusCode),
		}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &domain.FetchResult{
			Outcome: domain.OutcomeError, Status: resp.StatusCode, Headers: headers,
			FinalURL: finalURL, Retryable: false, Err: fmt.Errorf("fetcher: http status %d", resp.StatusCode),
		}, nil
	case resp.StatusCode >= 500:
		return &domain.FetchResult{
			Outcome: domain.OutcomeError, Status: resp.StatusCode, Headers: headers,
			FinalURL: finalURL, Retryable: true, Err: fmt.Errorf("fetcher: http status %d", resp.StatusCode),
		}, nil
	default:
		return &domain.FetchResult{
			Outcome: domain.OutcomeError, Status: resp.StatusCode, Headers: headers,
			FinalURL: finalURL, Retryable: false, Err: fmt.Errorf("fetcher: unexpected http status %d", resp.StatusCode),
		}, nil
	}
}

// handleOK streams resp.Body into the blob writer in bounded chunks so a
// fetch never materializes more than streamChunkSize bytes of the body at
// once, capping memory use independent of max_content_size (spec §1, §4.D).
func (f *Fetcher) handleOK(ctx context.Context, cu *domain.CrawlURL, resp *http.Response, finalURL string, headers map[string]string) (*domain.FetchResult, error) {
	if resp.ContentLength > 0 && resp.ContentLength > f.cfg.MaxContentSize {
		return &domain.FetchResult{
			Outcome: domain.OutcomeSkippedTooLarge, Status: resp.StatusCode, Headers: headers,
			FinalURL: finalURL, Size: resp.ContentLength,
		}, nil
	}

	var writer Writer
	if f.blobs != nil {
		w, err := f.blobs.OpenWriter(ctx, cu.JobID, cu.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("fetcher: open blob writer: %w", err)
		}
		writer = w
	}

	size, tooLarge, err := f.streamBody(resp.Body, writer)
	if err != nil {
		return &domain.FetchResult{Outcome: domain.OutcomeError, Status: resp.StatusCode, FinalURL: finalURL, Err: err, Retryable: true}, nil
	}
	if tooLarge {
		return &domain.FetchResult{
			Outcome: domain.OutcomeSkippedTooLarge, Status: resp.StatusCode, Headers: headers,
			FinalURL: finalURL, Size: size, Retryable: false,
		}, nil
	}

	var contentRef string
	if writer != nil {
		ref, closeErr := writer.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("fetcher: close blob writer: %w", closeErr)
		}
		contentRef = ref
	}

	return &domain.FetchResult{
		Outcome: domain.OutcomeOK, Status: resp.StatusCode, Headers: headers,
		ContentRef: contentRef, Size: size, FinalURL: finalURL,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// streamBody copies body into writer (if non-nil) in streamChunkSize
// chunks, stopping as soon as the running total exceeds MaxContentSize.
// writer.Close is never called by streamBody itself — handleOK only closes
// (and so only persists) a body that stayed within the cap.
func (f *Fetcher) streamBody(body io.Reader, writer Writer) (size int64, tooLarge bool, err error) {
	buf := make([]byte, streamChunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			size += int64(n)
			if size > f.cfg.MaxContentSize {
				return size, true, nil
			}
			if writer != nil {
				if _, writeErr := writer.Write(buf[:n]); writeErr != nil {
					return size, false, writeErr
				}
			}
		}
		if readErr == io.EOF {
			return size, false, nil
		}
		if readErr != nil {
			return size, false, readErr
		}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

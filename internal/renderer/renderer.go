// Package renderer provides a bounded pool of headless-browser instances
// used when a URL needs JavaScript execution before its content is usable
// (spec §4.E).
package renderer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/crawlmesh/core/internal/domain"
)

// WaitSpec tells Render what to wait for before capturing the page. Exactly
// one of Selector or Budget should be set; if both are zero, the renderer
// falls back to a short network-idle wait.
type WaitSpec struct {
	Selector string
	Budget   time.Duration
}

// Config controls the Pool.
type Config struct {
	MaxInstances int
	PageTimeout  time.Duration
	Stealth      bool
	UserAgent    string
}

// SetDefaults fills zero-value fields.
func (c *Config) SetDefaults() {
	if c.MaxInstances <= 0 {
		c.MaxInstances = 4
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 30 * time.Second
	}
}

// Pool is a bounded set of headless-browser pages. Acquire blocks until a
// slot is free or ctx is canceled (spec §4.E: "acquiring an instance
// blocks until available or ctx cancels").
type Pool struct {
	cfg     Config
	browser *rod.Browser
	sem     chan struct{}
}

// New launches a headless Chromium instance and returns a Pool bounded to
// cfg.MaxInstances concurrent pages.
func New(cfg Config) (*Pool, error) {
	cfg.SetDefaults()

	l := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-setuid-sandbox")

	launchURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("renderer: launch browser: %w", err)
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("renderer: connect browser: %w", err)
	}

	return &Pool{
		cfg:     cfg,
		browser: browser,
		sem:     make(chan struct{}, cfg.MaxInstances),
	}, nil
}

// Close releases the underlying browser process.
func (p *Pool) Close() error {
	return p.browser.Close()
}

// Utilization reports instances currently checked out and idle, for the
// render_in_use/render_available metrics pair (spec §6).
func (p *Pool) Utilization() (inUse, available int) {
	inUse = len(p.sem)
	available = cap(p.sem) - inUse
	return inUse, available
}

// Render navigates to rawURL, waits per spec, and returns the rendered
// document as a FetchResult with synthesized status 200 and content type
// text/html. The body is not persisted here — callers pass the returned
// Body to a BlobWriter the same way fetcher.Fetch does.
func (p *Pool) Render(ctx context.Context, rawURL string, spec WaitSpec) (*domain.FetchResult, []byte, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	budget := spec.Budget
	if budget <= 0 || budget > p.cfg.PageTimeout {
		budget = p.cfg.PageTimeout
	}

	page, err := p.newPage()
	if err != nil {
		return &domain.FetchResult{Outcome: domain.OutcomeError, Err: err, Retryable: true}, nil, nil
	}
	defer func() { _ = page.Close() }()

	if p.cfg.UserAgent != "" {
		_ = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: p.cfg.UserAgent})
	}

	timedPage := page.Context(ctx).Timeout(budget)

	if err := timedPage.Navigate(rawURL); err != nil {
		return &domain.FetchResult{Outcome: domain.OutcomeError, Err: fmt.Errorf("renderer: navigate: %w", err), Retryable: true}, nil, nil
	}

	if err := p.await(timedPage, spec); err != nil {
		// A wait timeout is not fatal — capture whatever rendered so far.
		_ = err
	}

	html, err := page.HTML()
	if err != nil {
		return &domain.FetchResult{Outcome: domain.OutcomeError, Err: fmt.Errorf("renderer: read html: %w", err), Retryable: true}, nil, nil
	}

	finalURL := rawURL
	if info, infoErr := page.Info(); infoErr == nil && info != nil {
		finalURL = info.URL
	}

	body := []byte(html)
	return &domain.FetchResult{
		Outcome:  domain.OutcomeOK,
		Status:   200,
		Headers:  map[string]string{"Content-Type": "text/html"},
		FinalURL: finalURL,
		Size:     int64(len(body)),
	}, body, nil
}

func (p *Pool) newPage() (*rod.Page, error) {
	if p.cfg.Stealth {
		return stealth.Page(p.browser)
	}
	return p.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
}

func (p *Pool) await(page *rod.Page, spec WaitSpec) error {
	switch {
	case spec.Selector != "":
		_, err := page.Element(spec.Selector)
		return err
	case spec.Budget > 0:
		return page.WaitStable(spec.Budget)
	default:
		return page.WaitStable(300 * time.Millisecond)
	}
}

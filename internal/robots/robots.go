// Package robots fetches, parses, and caches robots.txt so the crawl
// worker can check admission before every fetch (spec §4.C).
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/crawlmesh/core/internal/domain"
)

const (
	robotsPath = "/robots.txt"

	// DefaultCacheTTL is how long a successfully parsed robots.txt stays
	// valid before the host is re-fetched.
	DefaultCacheTTL = 24 * time.Hour

	// NegativeCacheTTL is how long a 5xx/transport failure is remembered as
	// allow-all, so a host that is temporarily down doesn't get re-fetched
	// on every single URL.
	NegativeCacheTTL = 5 * time.Minute

	// MaxBodyBytes caps how much of a robots.txt response is read.
	MaxBodyBytes = 1 << 20 // 1 MiB

	// FetchTimeout bounds a single robots.txt request.
	FetchTimeout = 10 * time.Second
)

// HTTPDoer is the subset of *http.Client used by Checker.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Checker fetches and caches robots.txt per host.
type Checker struct {
	client    HTTPDoer
	userAgent string

	mu    sync.RWMutex
	cache map[string]*domain.RobotsEntry
	data  map[string]*robotstxt.RobotsData
	now   func() time.Time
}

// New builds a Checker. client may be nil, in which case http.DefaultClient
// is used.
func New(client HTTPDoer, userAgent string) *Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return &Checker{
		client:    client,
		userAgent: userAgent,
		cache:     make(map[string]*domain.RobotsEntry),
		data:      make(map[string]*robotstxt.RobotsData),
		now:       time.Now,
	}
}

// Allowed reports whether rawURL may be fetched under the robots.txt policy
// of its host, fetching and caching the policy on first use or expiry.
// Any transport failure while fetching robots.txt fails open (allow).
func (c *Checker) Allowed(ctx context.Context, rawURL string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("robots: parse url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	if host == "" {
		return false, fmt.Errorf("robots: empty host in %q", rawURL)
	}

	entry, parsedData := c.getOrFetch(ctx, host, parsed.Scheme)
	if entry.AllowAll {
		return true, nil
	}
	return parsedData.TestAgent(parsed.Path, c.userAgent), nil
}

// CrawlDelay returns the Crawl-delay directive for host, or 0 if unset or
// the host's robots.txt has not been fetched yet.
func (c *Checker) CrawlDelay(host string) time.Duration {
	host = strings.ToLower(host)
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.cache[host]
	if !ok || entry.AllowAll {
		return 0
	}
	data := c.data[host]
	if data == nil {
		return 0
	}
	group := data.FindGroup(c.userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

func (c *Checker) getOrFetch(ctx context.Context, host, scheme string) (domain.RobotsEntry, *robotstxt.RobotsData) {
	c.mu.RLock()
	entry, ok := c.cache[host]
	if ok && c.now().Before(entry.ExpiresAt) {
		data := c.data[host]
		c.mu.RUnlock()
		return *entry, data
	}
	c.mu.RUnlock()

	return c.fetchAndCache(ctx, host, scheme)
}

func (c *Checker) fetchAndCache(ctx context.Context, host, scheme string) (domain.RobotsEntry, *robotstxt.RobotsData) {
	if scheme == "" {
		scheme = "https"
	}

	fetchCtx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	body, status, err := c.doFetch(fetchCtx, scheme+"://"+host+robotsPath)

	var entry domain.RobotsEntry
	var parsed *robotstxt.RobotsData

	switch {
	case err != nil:
		// Transport failure: fail open, but don't hammer a dead host.
		entry = domain.RobotsEntry{AllowAll: true, FetchedAt: c.now(), ExpiresAt: c.now().Add(NegativeCacheTTL)}
	case status >= 500:
		entry = domain.RobotsEntry{AllowAll: true, FetchedAt: c.now(), ExpiresAt: c.now().Add(NegativeCacheTTL)}
	case status >= 400:
		// 4xx (including 404) means no robots.txt was published: allow all,
		// and it's safe to cache for the normal TTL.
		entry = domain.RobotsEntry{AllowAll: true, FetchedAt: c.now(), ExpiresAt: c.now().Add(DefaultCacheTTL)}
	default:
		data, parseErr := robotstxt.FromBytes(body)
		if parseErr != nil {
			entry = domain.RobotsEntry{AllowAll: true, FetchedAt: c.now(), ExpiresAt: c.now().Add(DefaultCacheTTL)}
		} else {
			parsed = data
			delay := time.Duration(0)
			if group := data.FindGroup(c.userAgent); group != nil {
				delay = group.CrawlDelay
			}
			entry = domain.RobotsEntry{FetchedAt: c.now(), ExpiresAt: c.now().Add(DefaultCacheTTL), CrawlDelay: delay}
		}
	}

	c.mu.Lock()
	c.cache[host] = &entry
	if parsed != nil {
		c.data[host] = parsed
	} else {
		delete(c.data, host)
	}
	c.mu.Unlock()

	return entry, parsed
}

func (c *Checker) doFetch(ctx context.Context, robotsURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("robots: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("robots: fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("robots: read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

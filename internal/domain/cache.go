package domain

import "time"

// DomainBucket is the token-bucket state for one rate-limit key (a domain,
// or the single global key when per-domain mode is off).
type DomainBucket struct {
	Tokens     float64
	LastRefill time.Time
	RPS        float64
	Burst      int
	Jitter     float64
	MinDelay   time.Duration // floor derived from robots Crawl-delay
	LastFetch  time.Time
}

// DNSEntry is a cached resolution result. Failures are never cached (see
// dnscache), so every stored entry represents a successful resolution.
type DNSEntry struct {
	Addresses []string
	ExpiresAt time.Time
}

// RobotsEntry is a cached robots.txt decision surface for one host.
type RobotsEntry struct {
	AllowAll   bool
	FetchedAt  time.Time
	ExpiresAt  time.Time
	CrawlDelay time.Duration
}

package fetcher

import (
	"net/url"
	"strings"

	"github.com/crawlmesh/core/internal/domain"
)

// spaSubstrings are URL path/query fragments that commonly indicate a
// client-rendered application (spec §4.D JS rendering gate).
var spaSubstrings = []string{"spa", "react", "angular", "vue"}

// NeedsRender reports whether cu should be dispatched to the renderer
// instead of a raw GET: the record is explicitly flagged, or the URL
// itself carries a heuristic signal of client-side rendering.
func NeedsRender(cu *domain.CrawlURL) bool {
	if cu.RequiresJS {
		return true
	}
	return looksLikeSPA(cu.URL)
}

func looksLikeSPA(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if parsed.Fragment != "" {
		return true
	}

	lowered := strings.ToLower(parsed.Path + "?" + parsed.RawQuery)
	for _, needle := range spaSubstrings {
		if strings.Contains(lowered, needle) {
			return true
		}
	}
	return false
}

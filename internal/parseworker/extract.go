// Package parseworker implements the parse-worker protocol of spec §4.I:
// read a fetched body via its content reference, extract links and fields,
// and re-admit discovered URLs into the frontier. Parse workers never touch
// the network.
package parseworker

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Extracted holds everything a parse worker pulls out of one document.
type Extracted struct {
	Links  []string
	Fields map[string]string
}

// Parser extracts links and metadata fields from an HTML document. It is a
// capability so tests can substitute a fixed extraction without parsing
// real HTML.
type Parser interface {
	Parse(baseURL string, body []byte, contentType string) (Extracted, error)
}

// HTMLParser extracts anchor hrefs and a handful of metadata fields (title,
// meta description) from an HTML document, resolving relative links against
// baseURL.
type HTMLParser struct{}

// Parse implements Parser. Non-HTML content types yield no links or fields
// rather than erroring, so a parse worker can still record the attempt.
func (HTMLParser) Parse(baseURL string, body []byte, contentType string) (Extracted, error) {
	if !strings.Contains(contentType, "html") {
		return Extracted{}, nil
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return Extracted{}, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Extracted{}, err
	}

	var links []string
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref).String()
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})

	fields := map[string]string{
		"title": strings.TrimSpace(doc.Find("title").First().Text()),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		fields["description"] = strings.TrimSpace(desc)
	}

	return Extracted{Links: links, Fields: fields}, nil
}

// Package urlnorm canonicalizes URLs and computes their fingerprint so that
// equivalent URLs collapse to the same frontier identity (spec §4.F, §8 P9).
package urlnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// defaultPorts maps schemes to the port considered default for that scheme.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

var (
	// ErrEmpty is returned when an empty URL string is given.
	ErrEmpty = errors.New("urlnorm: empty url")
	// ErrMissingSchemeOrHost is returned when the URL lacks a scheme or host.
	ErrMissingSchemeOrHost = errors.New("urlnorm: missing scheme or host")
)

// Canonicalize applies the transformations required by spec §3: lowercase
// scheme and host, strip the scheme's default port, remove the fragment,
// resolve dot-segments in the path, sort query parameters by name then
// value, and normalize an empty path to "/". Unlike a browser's notion of
// normalization, it intentionally does not upgrade http to https and does
// not strip tracking parameters — the spec defines canonical form as a pure
// syntactic reduction, not a content policy.
func Canonicalize(rawURL string) (string, error) {
	if rawURL == "" {
		return "", ErrEmpty
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("urlnorm: parse: %w", err)
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", ErrMissingSchemeOrHost
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = normalizeHost(parsed)
	parsed.Fragment = ""
	parsed.RawQuery = sortedQuery(parsed.Query())
	parsed.Path = normalizePath(parsed.Path)

	return parsed.String(), nil
}

// Fingerprint canonicalizes rawURL and returns the hex SHA-256 digest of the
// canonical form — the frontier identity of the URL (spec §3).
func Fingerprint(rawURL string) (string, error) {
	canon, err := Canonicalize(rawURL)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}

// Host returns the lowercase hostname (without port) of rawURL.
func Host(rawURL string) (string, error) {
	if rawURL == "" {
		return "", ErrEmpty
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("urlnorm: parse: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", ErrMissingSchemeOrHost
	}
	return strings.ToLower(parsed.Hostname()), nil
}

func normalizeHost(u *url.URL) string {
	hostname := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		return hostname
	}
	if defaultPort, ok := defaultPorts[strings.ToLower(u.Scheme)]; ok && port == defaultPort {
		return hostname
	}
	return hostname + ":" + port
}

// sortedQuery re-encodes values with keys sorted alphabetically and, within
// a key, values sorted as well (sorting by name then value).
func sortedQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	first := true
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, v := range vals {
			if !first {
				b.WriteByte('&')
			}
			first = false
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// normalizePath resolves dot-segments and trims a trailing slash, except
// for the root path which must stay "/" (spec §3: "trailing-slash rule /
// for host-only").
func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	cleaned := path.Clean(p)
	trimmed := strings.TrimRight(cleaned, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

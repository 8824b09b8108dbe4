package urlnorm_test

import (
	"testing"

	"github.com/crawlmesh/core/internal/urlnorm"
)

func TestCanonicalize_LowercasesSchemeAndHost(t *testing.T) {
	t.Parallel()

	got, err := urlnorm.Canonicalize("HTTP://Example.COM/Path")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "http://example.com/Path"; got != want {
		t.Errorf("Canonicalize() = %q, want %q", got, want)
	}
}

func TestCanonicalize_StripsDefaultPort(t *testing.T) {
	t.Parallel()

	got, err := urlnorm.Canonicalize("https://example.com:443/x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "https://example.com/x"; got != want {
		t.Errorf("Canonicalize() = %q, want %q", got, want)
	}
}

func TestCanonicalize_KeepsNonDefaultPort(t *testing.T) {
	t.Parallel()

	got, err := urlnorm.Canonicalize("https://example.com:8443/x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "https://example.com:8443/x"; got != want {
		t.Errorf("Canonicalize() = %q, want %q", got, want)
	}
}

func TestCanonicalize_StripsFragment(t *testing.T) {
	t.Parallel()

	got, err := urlnorm.Canonicalize("https://example.com/x#section")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "https://example.com/x"; got != want {
		t.Errorf("Canonicalize() = %q, want %q", got, want)
	}
}

func TestCanonicalize_SortsQueryByKeyThenValue(t *testing.T) {
	t.Parallel()

	got, err := urlnorm.Canonicalize("https://example.com/x?b=2&a=2&a=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "https://example.com/x?a=1&a=2&b=2"; got != want {
		t.Errorf("Canonicalize() = %q, want %q", got, want)
	}
}

func TestCanonicalize_ResolvesDotSegmentsAndTrailingSlash(t *testing.T) {
	t.Parallel()

	got, err := urlnorm.Canonicalize("https://example.com/a/../b/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "https://example.com/b"; got != want {
		t.Errorf("Canonicalize() = %q, want %q", got, want)
	}
}

func TestCanonicalize_EmptyPathBecomesRoot(t *testing.T) {
	t.Parallel()

	got, err := urlnorm.Canonicalize("https://example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "https://example.com/"; got != want {
		t.Errorf("Canonicalize() = %q, want %q", got, want)
	}
}

func TestCanonicalize_RejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := urlnorm.Canonicalize(""); err != urlnorm.ErrEmpty {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
}

func TestCanonicalize_RejectsMissingHost(t *testing.T) {
	t.Parallel()

	if _, err := urlnorm.Canonicalize("/just/a/path"); err != urlnorm.ErrMissingSchemeOrHost {
		t.Errorf("expected ErrMissingSchemeOrHost, got %v", err)
	}
}

func TestFingerprint_StableAcrossEquivalentURLs(t *testing.T) {
	t.Parallel()

	a, err := urlnorm.Fingerprint("HTTP://Example.com:80/a?x=1&y=2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := urlnorm.Fingerprint("http://example.com/a?y=2&x=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Errorf("expected equivalent URLs to fingerprint the same, got %q != %q", a, b)
	}
}

func TestFingerprint_DiffersForDifferentPaths(t *testing.T) {
	t.Parallel()

	a, err := urlnorm.Fingerprint("https://example.com/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := urlnorm.Fingerprint("https://example.com/b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Error("expected different paths to fingerprint differently")
	}
}

func TestHost_LowercasesAndStripsPort(t *testing.T) {
	t.Parallel()

	got, err := urlnorm.Host("https://Example.COM:8443/x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "example.com"; got != want {
		t.Errorf("Host() = %q, want %q", got, want)
	}
}

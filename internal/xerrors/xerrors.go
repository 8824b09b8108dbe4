// Package xerrors provides shared error-wrapping helpers used across CrawlMesh.
package xerrors

import "fmt"

// WrapWithContext wraps err with additional context, returning nil if err is nil.
func WrapWithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// WrapWithContextf wraps err with formatted context, returning nil if err is nil.
func WrapWithContextf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

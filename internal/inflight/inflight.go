// Package inflight implements the process-wide dedupe index that stops the
// same URL being crawled twice concurrently (spec §4.F).
package inflight

import "sync"

// key identifies one in-flight crawl attempt.
type key struct {
	jobID       string
	fingerprint string
}

// Index is a set of (job_id, fingerprint) pairs currently being processed
// by a crawl worker. The set is not sharded: one mutex guards the whole map,
// so every call contends on the same lock. It does not itself consult the frontier;
// callers are expected to check next_available_at before calling Admit, as
// described by the admit contract in spec §4.F.
type Index struct {
	mu sync.Mutex
	m  map[key]struct{}
}

// New returns an empty Index.
func New() *Index {
	return &Index{m: make(map[key]struct{})}
}

// Admit attempts to claim (jobID, fingerprint). It returns false if the
// pair is already present, true (and inserts) otherwise.
func (idx *Index) Admit(jobID, fingerprint string) bool {
	k := key{jobID, fingerprint}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.m[k]; exists {
		return false
	}
	idx.m[k] = struct{}{}
	return true
}

// Remove releases (jobID, fingerprint), to be called on every terminal
// outcome (ok, dead, skipped) per spec §4.F.
func (idx *Index) Remove(jobID, fingerprint string) {
	k := key{jobID, fingerprint}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.m, k)
}

// Contains reports whether (jobID, fingerprint) is currently admitted, for
// diagnostics and tests.
func (idx *Index) Contains(jobID, fingerprint string) bool {
	k := key{jobID, fingerprint}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.m[k]
	return ok
}

// Len returns the number of currently in-flight entries.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.m)
}

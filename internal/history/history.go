// Package history implements the bounded per-group append-only log
// described in spec §4.2: Append is totally ordered by arrival at the
// coordinator, Tail(n) returns up to the last n records in append order,
// and older records may be lazily trimmed once the ring exceeds its
// retention window.
package history

import (
	"encoding/json"
	"os"
	"sync"

	"chatring/internal/wire"
)

// Store is one bounded ring buffer of wire.MessageRecord, optionally
// mirrored to an append-only file. The store need not be crash-durable
// (§4.2): the file mirror is best-effort, never required for correctness.
type Store struct {
	mu      sync.RWMutex
	n       int
	records []wire.MessageRecord

	mirror *os.File // nil when no on-disk mirror is configured
}

// New creates a Store retaining at most n records in memory.
func New(n int) *Store {
	if n <= 0 {
		n = 1
	}
	return &Store{n: n, records: make([]wire.MessageRecord, 0, n)}
}

// WithMirror attaches an append-only file that every Append also writes a
// newline-terminated JSON record to. Per spec §1/§6 this file is treated as
// an opaque byte sink; failures to write it are non-fatal.
func (s *Store) WithMirror(f *os.File) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirror = f
	return s
}

// Append adds rec to the ring, trimming the oldest record once the
// retention window (n) is exceeded (I6: older records may be discarded but
// never reordered).
func (s *Store) Append(rec wire.MessageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if len(s.records) > s.n {
		// Drop the oldest; keep the last n in place without reordering.
		copy(s.records, s.records[len(s.records)-s.n:])
		s.records = s.records[:s.n]
	}

	if s.mirror != nil {
		if data, err := json.Marshal(rec); err == nil {
			_, _ = s.mirror.Write(append(data, '\n'))
		}
	}
}

// Tail returns up to the last n records, oldest first. When n <= 0 or n
// exceeds the available count, every retained record is returned.
func (s *Store) Tail(n int) []wire.MessageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.records)
	if n <= 0 || n >= total {
		out := make([]wire.MessageRecord, total)
		copy(out, s.records)
		return out
	}
	out := make([]wire.MessageRecord, n)
	copy(out, s.records[total-n:])
	return out
}

// Len reports the number of records currently retained.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

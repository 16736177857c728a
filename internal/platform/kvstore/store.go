package kvstore

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when no entry exists at the given path.
var ErrNotFound = errors.New("kvstore: not found")

// Entry is a single path/value pair returned from a prefix scan.
type Entry struct {
	Path  string
	Value []byte
}

// Store is an ordered key-value store addressed by hierarchical paths.
// Single-key operations are atomic; there are no cross-key transactions.
// ScanPrefix returns entries in lexicographic path order, which callers rely
// on for by-date and by-version enumeration.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, value []byte) error
	// PutIfAbsent writes only when no entry exists at path and reports
	// whether the write happened (first-writer-wins).
	PutIfAbsent(ctx context.Context, path string, value []byte) (bool, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	ScanPrefix(ctx context.Context, prefix string) ([]Entry, error)
	// Increment atomically increments the counter at path, creating it at 1.
	Increment(ctx context.Context, path string) (int64, error)
}

// Join builds a path from segments. Segments must not contain "/".
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// LastSegment returns the portion of path after the final "/".
func LastSegment(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

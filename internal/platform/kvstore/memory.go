package kvstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// memoryStore is an in-process Store used by tests and by the dev server when
// no database is configured. All operations hold a single mutex, which gives
// the same single-key atomicity the Postgres store provides.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[string]string)}
}

func (s *memoryStore) Get(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[path]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

func (s *memoryStore) Put(_ context.Context, path string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[path] = string(value)
	return nil
}

func (s *memoryStore) PutIfAbsent(_ context.Context, path string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[path]; ok {
		return false, nil
	}
	s.entries[path] = string(value)
	return true, nil
}

func (s *memoryStore) Exists(_ context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[path]
	return ok, nil
}

func (s *memoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, path)
	return nil
}

func (s *memoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for path := range s.entries {
		if strings.HasPrefix(path, prefix) {
			delete(s.entries, path)
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) ScanPrefix(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []Entry
	for path, value := range s.entries {
		if strings.HasPrefix(path, prefix) {
			entries = append(entries, Entry{Path: path, Value: []byte(value)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *memoryStore) Increment(_ context.Context, path string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(0)
	if v, ok := s.entries[path]; ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	s.entries[path] = strconv.FormatInt(n, 10)
	return n, nil
}

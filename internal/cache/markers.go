package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const markerPrefix = "fetch_in_progress/"

// markerTTL caps how long an orphaned marker can block refetching if a
// process dies between Mark and Clear.
const markerTTL = 2 * time.Minute

// MarkerStore tracks references with an outstanding fetch. Mark is an atomic
// claim: exactly one concurrent caller wins it for a given reference.
type MarkerStore interface {
	Mark(ctx context.Context, ref string) (bool, error)
	IsMarked(ctx context.Context, ref string) (bool, error)
	Clear(ctx context.Context, ref string) error
	ClearAll(ctx context.Context) (int, error)
}

type redisMarkerStore struct {
	rdb *redis.Client
}

func NewRedisMarkerStore(rdb *redis.Client) MarkerStore {
	return &redisMarkerStore{rdb: rdb}
}

func (s *redisMarkerStore) Mark(ctx context.Context, ref string) (bool, error) {
	claimed, err := s.rdb.SetNX(ctx, markerPrefix+ref, "1", markerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark fetching %s: %w", ref, err)
	}
	return claimed, nil
}

func (s *redisMarkerStore) IsMarked(ctx context.Context, ref string) (bool, error) {
	n, err := s.rdb.Exists(ctx, markerPrefix+ref).Result()
	if err != nil {
		return false, fmt.Errorf("check fetching %s: %w", ref, err)
	}
	return n > 0, nil
}

func (s *redisMarkerStore) Clear(ctx context.Context, ref string) error {
	if err := s.rdb.Del(ctx, markerPrefix+ref).Err(); err != nil {
		return fmt.Errorf("clear fetching %s: %w", ref, err)
	}
	return nil
}

func (s *redisMarkerStore) ClearAll(ctx context.Context) (int, error) {
	var cleared int
	iter := s.rdb.Scan(ctx, 0, markerPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return cleared, fmt.Errorf("clear markers: %w", err)
		}
		cleared++
	}
	if err := iter.Err(); err != nil {
		return cleared, fmt.Errorf("scan markers: %w", err)
	}
	return cleared, nil
}

// memoryMarkerStore backs tests and the dev server.
type memoryMarkerStore struct {
	mu   sync.Mutex
	refs map[string]bool
}

func NewMemoryMarkerStore() MarkerStore {
	return &memoryMarkerStore{refs: make(map[string]bool)}
}

func (s *memoryMarkerStore) Mark(_ context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[ref] {
		return false, nil
	}
	s.refs[ref] = true
	return true, nil
}

func (s *memoryMarkerStore) IsMarked(_ context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[ref], nil
}

func (s *memoryMarkerStore) Clear(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refs, ref)
	return nil
}

func (s *memoryMarkerStore) ClearAll(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.refs)
	s.refs = make(map[string]bool)
	return n, nil
}

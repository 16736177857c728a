package kvstore

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryStore_GetPut(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "a/b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, "a/b", []byte("v1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := s.Get(ctx, "a/b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(v) != "v1" {
		t.Errorf("expected v1, got %s", v)
	}
}

func TestMemoryStore_PutIfAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	written, err := s.PutIfAbsent(ctx, "a", []byte("first"))
	if err != nil || !written {
		t.Fatalf("expected first write to succeed, written=%v err=%v", written, err)
	}
	written, err = s.PutIfAbsent(ctx, "a", []byte("second"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written {
		t.Error("expected second write to be a no-op")
	}
	v, _ := s.Get(ctx, "a")
	if string(v) != "first" {
		t.Errorf("expected first writer to win, got %s", v)
	}
}

func TestMemoryStore_ScanPrefixOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, p := range []string{"h/by_date/3/x", "h/by_date/1/y", "h/by_date/2/z", "other/1"} {
		s.Put(ctx, p, []byte("v"))
	}

	entries, err := s.ScanPrefix(ctx, "h/by_date/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"h/by_date/1/y", "h/by_date/2/z", "h/by_date/3/x"} {
		if entries[i].Path != want {
			t.Errorf("position %d: expected %s, got %s", i, want, entries[i].Path)
		}
	}
}

func TestMemoryStore_DeletePrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Put(ctx, "p/1", []byte("v"))
	s.Put(ctx, "p/2", []byte("v"))
	s.Put(ctx, "q/1", []byte("v"))

	n, err := s.DeletePrefix(ctx, "p/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}
	if ok, _ := s.Exists(ctx, "q/1"); !ok {
		t.Error("expected q/1 to survive")
	}
}

func TestMemoryStore_IncrementConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Increment(ctx, "counter"); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	v, err := s.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(v) != "50" {
		t.Errorf("expected 50, got %s", v)
	}
}

func TestJoin(t *testing.T) {
	got := Join("resources", "Practitioner", "by_uuid", "abc")
	if got != "resources/Practitioner/by_uuid/abc" {
		t.Errorf("unexpected path: %s", got)
	}
	if LastSegment(got) != "abc" {
		t.Errorf("unexpected last segment: %s", LastSegment(got))
	}
}

// Package heading maintains the destination-side secondary index over cached
// records: per patient and category, entries are indexed by date and by
// backend host, with a global per-category index and a per-source revision
// history.
package heading

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cdr/cdr/internal/platform/kvstore"
)

const (
	byPatientPrefix  = "headings/by_patient"
	byCategoryPrefix = "headings/by_category"
	bySourcePrefix   = "headings/by_source_id"
	fetchCountPrefix = "headings/fetch_count"
)

// Entry is one indexed heading item.
type Entry struct {
	SourceID string
	Host     string
	Date     time.Time
	Payload  []byte
}

// Index stores heading entries in the ordered KV store. Date keys are
// zero-padded unix nanoseconds so a plain prefix scan returns chronological
// order; version keys are zero-padded for the same reason.
type Index struct {
	store kvstore.Store
}

func NewIndex(store kvstore.Store) *Index {
	return &Index{store: store}
}

func dateKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func versionKey(n int64) string {
	return fmt.Sprintf("%010d", n)
}

// Record indexes the entry by date, by host, and globally by category, and
// appends a new revision of the payload under the source id.
func (ix *Index) Record(ctx context.Context, patientID, category string, e Entry) error {
	date := dateKey(e.Date)

	byDate := kvstore.Join(byPatientPrefix, patientID, category, "by_date", date, e.SourceID)
	if err := ix.store.Put(ctx, byDate, []byte(e.Host)); err != nil {
		return err
	}
	// The by-host value carries the date key so DeleteAll can prune the
	// matching date entry without scanning the whole date index.
	byHost := kvstore.Join(byPatientPrefix, patientID, category, "by_host", e.Host, e.SourceID)
	if err := ix.store.Put(ctx, byHost, []byte(date)); err != nil {
		return err
	}
	byCategory := kvstore.Join(byCategoryPrefix, category, e.SourceID)
	if err := ix.store.Put(ctx, byCategory, []byte(patientID)); err != nil {
		return err
	}

	version, err := ix.store.Increment(ctx, kvstore.Join(bySourcePrefix, e.SourceID, "latest"))
	if err != nil {
		return err
	}
	revision := kvstore.Join(bySourcePrefix, e.SourceID, "versions", versionKey(version))
	return ix.store.Put(ctx, revision, e.Payload)
}

// ByDate returns the category's source ids for a patient in chronological
// order, oldest first.
func (ix *Index) ByDate(ctx context.Context, patientID, category string) ([]string, error) {
	prefix := kvstore.Join(byPatientPrefix, patientID, category, "by_date") + "/"
	entries, err := ix.store.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, kvstore.LastSegment(e.Path))
	}
	return ids, nil
}

// ByHost returns the source ids one backend host contributed for the
// patient's category.
func (ix *Index) ByHost(ctx context.Context, patientID, category, host string) ([]string, error) {
	prefix := kvstore.Join(byPatientPrefix, patientID, category, "by_host", host) + "/"
	entries, err := ix.store.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, kvstore.LastSegment(e.Path))
	}
	return ids, nil
}

// ByCategory returns every (sourceID, patientID) pair indexed under the
// category, across all patients.
func (ix *Index) ByCategory(ctx context.Context, category string) (map[string]string, error) {
	prefix := kvstore.Join(byCategoryPrefix, category) + "/"
	entries, err := ix.store.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[kvstore.LastSegment(e.Path)] = string(e.Value)
	}
	return out, nil
}

// Revisions returns every stored revision for the source id, oldest first.
func (ix *Index) Revisions(ctx context.Context, sourceID string) ([][]byte, error) {
	prefix := kvstore.Join(bySourcePrefix, sourceID, "versions") + "/"
	entries, err := ix.store.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	payloads := make([][]byte, 0, len(entries))
	for _, e := range entries {
		payloads = append(payloads, e.Value)
	}
	return payloads, nil
}

// LatestRevision returns the newest revision, or nil when none exist.
func (ix *Index) LatestRevision(ctx context.Context, sourceID string) ([]byte, error) {
	revisions, err := ix.Revisions(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if len(revisions) == 0 {
		return nil, nil
	}
	return revisions[len(revisions)-1], nil
}

// DeleteAll removes one host's slice of the patient's category: the by-host
// entries and the date entries they point at. Other hosts' entries, the
// global category index, and revision histories are untouched.
func (ix *Index) DeleteAll(ctx context.Context, host, patientID, category string) (int, error) {
	prefix := kvstore.Join(byPatientPrefix, patientID, category, "by_host", host) + "/"
	entries, err := ix.store.ScanPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		sourceID := kvstore.LastSegment(e.Path)
		byDate := kvstore.Join(byPatientPrefix, patientID, category, "by_date", string(e.Value), sourceID)
		if err := ix.store.Delete(ctx, byDate); err != nil {
			return removed, err
		}
		if err := ix.store.Delete(ctx, e.Path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// IncrementFetchCount bumps the per patient/category pull counter and returns
// the new value.
func (ix *Index) IncrementFetchCount(ctx context.Context, patientID, category string) (int64, error) {
	return ix.store.Increment(ctx, kvstore.Join(fetchCountPrefix, patientID, category))
}

// FetchCount returns the counter without modifying it; 0 when never fetched.
func (ix *Index) FetchCount(ctx context.Context, patientID, category string) (int64, error) {
	value, err := ix.store.Get(ctx, kvstore.Join(fetchCountPrefix, patientID, category))
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(value), 10, 64)
}

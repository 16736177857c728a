package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cdr/cdr/internal/gateway"
	"github.com/cdr/cdr/internal/heading"
	"github.com/cdr/cdr/internal/platform/kvstore"
)

type mockSubmitGateway struct {
	gateway.Gateway

	submits   int
	fail      bool
	reject    bool
	lastBody  json.RawMessage
	nextReply int
}

func (m *mockSubmitGateway) SubmitRecord(_ context.Context, host, patientID, category string, payload json.RawMessage) (*gateway.SubmitResult, error) {
	m.submits++
	m.lastBody = payload
	if m.fail {
		return nil, errors.New("connection refused")
	}
	if m.reject {
		return &gateway.SubmitResult{OK: false}, nil
	}
	m.nextReply++
	return &gateway.SubmitResult{OK: true, CompositionID: fmt.Sprintf("comp-%d", m.nextReply)}, nil
}

func newTestReconciler() (*Reconciler, *mockSubmitGateway, *MappingStore) {
	gw := &mockSubmitGateway{}
	store := kvstore.NewMemoryStore()
	mappings := NewMappingStore(store)
	return NewReconciler(gw, mappings, heading.NewIndex(store), zerolog.Nop()), gw, mappings
}

func item(sourceID string) SourceItem {
	return SourceItem{
		SourceID: sourceID,
		Date:     time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		Payload:  json.RawMessage(`{"text":"aspirin 75mg"}`),
	}
}

func TestMerge_Idempotent(t *testing.T) {
	r, gw, mappings := newTestReconciler()
	ctx := context.Background()

	merged, err := r.Merge(ctx, "ethercis", "p1", "medications", item("src-1"))
	if err != nil || !merged {
		t.Fatalf("expected first merge, merged=%v err=%v", merged, err)
	}

	merged, err = r.Merge(ctx, "ethercis", "p1", "medications", item("src-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged {
		t.Error("expected second merge to be a no-op")
	}
	if gw.submits != 1 {
		t.Errorf("expected exactly 1 submission, got %d", gw.submits)
	}

	destinationID, err := mappings.DestinationID(ctx, "src-1")
	if err != nil || destinationID != "comp-1" {
		t.Errorf("expected mapping to comp-1, got %q err=%v", destinationID, err)
	}
}

func TestMerge_RecordsBothDirections(t *testing.T) {
	r, _, mappings := newTestReconciler()
	ctx := context.Background()

	if _, err := r.Merge(ctx, "ethercis", "p1", "medications", item("src-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mapping, err := mappings.Lookup(ctx, "comp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapping == nil || mapping.SourceID != "src-1" || mapping.PatientID != "p1" || mapping.Category != "medications" {
		t.Errorf("unexpected reverse mapping %+v", mapping)
	}
}

func TestMerge_IndexesHeading(t *testing.T) {
	r, _, _ := newTestReconciler()
	ctx := context.Background()

	if _, err := r.Merge(ctx, "ethercis", "p1", "medications", item("src-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids, err := r.headings.ByHost(ctx, "p1", "medications", "ethercis")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "src-1" {
		t.Errorf("expected merged item indexed by host, got %v", ids)
	}
	latest, err := r.headings.LatestRevision(ctx, "src-1")
	if err != nil || latest == nil {
		t.Errorf("expected revision stored, latest=%q err=%v", latest, err)
	}
}

func TestMerge_TagsProvenance(t *testing.T) {
	r, gw, _ := newTestReconciler()

	if _, err := r.Merge(context.Background(), "ethercis", "p1", "medications", item("src-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(gw.lastBody, &doc); err != nil {
		t.Fatalf("submitted payload not json: %v", err)
	}
	if doc["source"] != ProvenanceMarker {
		t.Errorf("expected provenance marker, got %v", doc["source"])
	}
	if doc["text"] != "aspirin 75mg" {
		t.Errorf("expected original fields preserved, got %v", doc)
	}
}

func TestMerge_FailureLeavesNoMapping(t *testing.T) {
	r, gw, mappings := newTestReconciler()
	ctx := context.Background()
	gw.fail = true

	merged, err := r.Merge(ctx, "ethercis", "p1", "medications", item("src-1"))
	if err != nil {
		t.Fatalf("transport failure must not surface as error: %v", err)
	}
	if merged {
		t.Error("expected failed merge to return false")
	}
	if destinationID, _ := mappings.DestinationID(ctx, "src-1"); destinationID != "" {
		t.Errorf("expected no mapping after failure, got %q", destinationID)
	}

	// The next pass retries and succeeds.
	gw.fail = false
	merged, err = r.Merge(ctx, "ethercis", "p1", "medications", item("src-1"))
	if err != nil || !merged {
		t.Errorf("expected retry to merge, merged=%v err=%v", merged, err)
	}
}

func TestMerge_RejectionLeavesNoMapping(t *testing.T) {
	r, gw, mappings := newTestReconciler()
	gw.reject = true

	merged, err := r.Merge(context.Background(), "ethercis", "p1", "medications", item("src-1"))
	if err != nil || merged {
		t.Fatalf("expected rejected merge to return false, merged=%v err=%v", merged, err)
	}
	if destinationID, _ := mappings.DestinationID(context.Background(), "src-1"); destinationID != "" {
		t.Errorf("expected no mapping after rejection, got %q", destinationID)
	}
}

func TestMergeAll_AnyNewMerge(t *testing.T) {
	r, gw, _ := newTestReconciler()
	ctx := context.Background()

	if _, err := r.Merge(ctx, "ethercis", "p1", "medications", item("src-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	any, err := r.MergeAll(ctx, "ethercis", "p1", "medications", []SourceItem{
		item("src-1"), item("src-2"), item("src-3"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !any {
		t.Error("expected batch with new items to report true")
	}
	if gw.submits != 3 {
		t.Errorf("expected 3 submissions total, got %d", gw.submits)
	}

	any, err = r.MergeAll(ctx, "ethercis", "p1", "medications", []SourceItem{
		item("src-1"), item("src-2"), item("src-3"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if any {
		t.Error("expected fully reconciled batch to report false")
	}
}

func TestDelete(t *testing.T) {
	r, _, mappings := newTestReconciler()
	ctx := context.Background()

	if _, err := r.Merge(ctx, "ethercis", "p1", "medications", item("src-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Delete(ctx, "src-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if destinationID, _ := mappings.DestinationID(ctx, "src-1"); destinationID != "" {
		t.Errorf("expected forward mapping removed, got %q", destinationID)
	}
	if mapping, _ := mappings.Lookup(ctx, "comp-1"); mapping != nil {
		t.Errorf("expected reverse mapping removed, got %+v", mapping)
	}

	// Deleting an unmapped id is a no-op.
	if err := r.Delete(ctx, "src-never"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

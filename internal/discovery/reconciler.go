// Package discovery mirrors items from the source registry into the
// destination registry. Reconciliation is idempotent: a bidirectional id map
// records every successful submission, and items already mapped are skipped
// on later passes.
package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/cdr/cdr/internal/gateway"
	"github.com/cdr/cdr/internal/heading"
)

// ProvenanceMarker tags every record this service writes into the destination
// registry, so reconciled items can be told apart from natively authored ones.
const ProvenanceMarker = "cdr-discovery"

// SourceItem is one record pulled from the source registry.
type SourceItem struct {
	SourceID string          `json:"source_id"`
	Date     time.Time       `json:"date"`
	Payload  json.RawMessage `json:"payload"`
}

type Reconciler struct {
	gw       gateway.Gateway
	mappings *MappingStore
	headings *heading.Index
	logger   zerolog.Logger
}

func NewReconciler(gw gateway.Gateway, mappings *MappingStore, headings *heading.Index, logger zerolog.Logger) *Reconciler {
	return &Reconciler{gw: gw, mappings: mappings, headings: headings, logger: logger}
}

// MergeAll merges items sequentially, keeping remote write ordering
// deterministic for a given patient/category. It returns true if any item
// newly merged. A failed item never aborts the batch; it is logged and left
// unmapped so the next pass retries it.
func (r *Reconciler) MergeAll(ctx context.Context, host, patientID, category string, items []SourceItem) (bool, error) {
	any := false
	for _, item := range items {
		merged, err := r.Merge(ctx, host, patientID, category, item)
		if err != nil {
			return any, err
		}
		if merged {
			any = true
		}
	}
	return any, nil
}

// Merge mirrors a single item into the destination registry. It returns false
// when the item is already mapped or the submission was not accepted; only a
// successful submission records the mapping and returns true.
func (r *Reconciler) Merge(ctx context.Context, host, patientID, category string, item SourceItem) (bool, error) {
	destinationID, err := r.mappings.DestinationID(ctx, item.SourceID)
	if err != nil {
		return false, err
	}
	if destinationID != "" {
		return false, nil
	}

	result, err := r.gw.SubmitRecord(ctx, host, patientID, category, tagProvenance(item.Payload))
	if err != nil {
		r.logger.Warn().Err(err).
			Str("host", host).
			Str("source_id", item.SourceID).
			Msg("merge submission failed")
		return false, nil
	}
	if !result.OK || result.CompositionID == "" {
		r.logger.Warn().
			Str("host", host).
			Str("source_id", item.SourceID).
			Msg("merge submission rejected")
		return false, nil
	}

	mapping := Mapping{
		SourceID:      item.SourceID,
		DestinationID: result.CompositionID,
		PatientID:     patientID,
		Category:      category,
	}
	if err := r.mappings.Record(ctx, mapping); err != nil {
		return false, err
	}
	entry := heading.Entry{SourceID: item.SourceID, Host: host, Date: item.Date, Payload: item.Payload}
	if err := r.headings.Record(ctx, patientID, category, entry); err != nil {
		return false, err
	}
	r.logger.Info().
		Str("source_id", item.SourceID).
		Str("destination_id", result.CompositionID).
		Str("category", category).
		Msg("merged discovery item")
	return true, nil
}

// Delete removes the mapping for sourceID in both directions. Unmapped ids
// are a no-op.
func (r *Reconciler) Delete(ctx context.Context, sourceID string) error {
	return r.mappings.Remove(ctx, sourceID)
}

// tagProvenance stamps the source marker into the payload. Payloads that are
// not JSON objects are submitted unchanged.
func tagProvenance(payload json.RawMessage) json.RawMessage {
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload
	}
	doc["source"] = ProvenanceMarker
	tagged, err := json.Marshal(doc)
	if err != nil {
		return payload
	}
	return tagged
}

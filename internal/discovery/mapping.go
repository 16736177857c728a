package discovery

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cdr/cdr/internal/platform/kvstore"
)

const (
	bySourcePrefix      = "discovery_map/by_source_id"
	byDestinationPrefix = "discovery_map/by_destination_id"
)

// Mapping links a source-registry item to the composition created for it in
// the destination registry.
type Mapping struct {
	SourceID      string `json:"source_id"`
	DestinationID string `json:"destination_id"`
	PatientID     string `json:"patient_id"`
	Category      string `json:"category"`
}

// MappingStore is the bidirectional source<->destination id map. Both
// directions are written on record and removed on delete; readers may start
// from either id.
type MappingStore struct {
	store kvstore.Store
}

func NewMappingStore(store kvstore.Store) *MappingStore {
	return &MappingStore{store: store}
}

// DestinationID returns the destination id mapped to sourceID, or "" when the
// item has never been reconciled.
func (m *MappingStore) DestinationID(ctx context.Context, sourceID string) (string, error) {
	value, err := m.store.Get(ctx, kvstore.Join(bySourcePrefix, sourceID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// Lookup returns the full mapping for a destination id, or nil when absent.
func (m *MappingStore) Lookup(ctx context.Context, destinationID string) (*Mapping, error) {
	value, err := m.store.Get(ctx, kvstore.Join(byDestinationPrefix, destinationID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var mapping Mapping
	if err := json.Unmarshal(value, &mapping); err != nil {
		return nil, err
	}
	return &mapping, nil
}

// Record writes both directions of the mapping.
func (m *MappingStore) Record(ctx context.Context, mapping Mapping) error {
	value, err := json.Marshal(mapping)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, kvstore.Join(bySourcePrefix, mapping.SourceID), []byte(mapping.DestinationID)); err != nil {
		return err
	}
	return m.store.Put(ctx, kvstore.Join(byDestinationPrefix, mapping.DestinationID), value)
}

// Remove deletes both directions for sourceID. Absent mappings are a no-op.
func (m *MappingStore) Remove(ctx context.Context, sourceID string) error {
	destinationID, err := m.DestinationID(ctx, sourceID)
	if err != nil {
		return err
	}
	if destinationID == "" {
		return nil
	}
	if err := m.store.Delete(ctx, kvstore.Join(bySourcePrefix, sourceID)); err != nil {
		return err
	}
	return m.store.Delete(ctx, kvstore.Join(byDestinationPrefix, destinationID))
}

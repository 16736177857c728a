// Package cache is the multi-index store for clinical resources and patient
// identity. Resources are cached first-writer-wins: the same resource may be
// referenced from multiple records concurrently and must present one
// consistent view, so a later fetch never overwrites a cached payload.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cdr/cdr/internal/platform/kvstore"
)

// Cache provides the namespaced lookup paths over the ordered KV store plus
// the ephemeral fetch-marker set. All operations are safe under concurrent
// workers; correctness rides on the store's single-key atomicity.
type Cache struct {
	store   kvstore.Store
	markers MarkerStore
}

func New(store kvstore.Store, markers MarkerStore) *Cache {
	return &Cache{store: store, markers: markers}
}

// -- Resources --

func resourceDataPath(resourceType, uuid string) string {
	return kvstore.Join("resources", resourceType, "by_uuid", uuid, "data")
}

func resourcePractitionerPath(resourceType, uuid string) string {
	return kvstore.Join("resources", resourceType, "by_uuid", uuid, "practitioner")
}

func (c *Cache) ResourceExists(ctx context.Context, resourceType, uuid string) (bool, error) {
	return c.store.Exists(ctx, resourceDataPath(resourceType, uuid))
}

// GetResource returns the cached payload, or nil when the resource is not
// cached.
func (c *Cache) GetResource(ctx context.Context, resourceType, uuid string) (json.RawMessage, error) {
	v, err := c.store.Get(ctx, resourceDataPath(resourceType, uuid))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(v), nil
}

// PutResourceIfAbsent caches a payload unless one is already present and
// reports whether this call was the first writer.
func (c *Cache) PutResourceIfAbsent(ctx context.Context, resourceType, uuid string, payload json.RawMessage) (bool, error) {
	return c.store.PutIfAbsent(ctx, resourceDataPath(resourceType, uuid), payload)
}

func (c *Cache) SetPractitionerRef(ctx context.Context, resourceType, uuid, practitionerUUID string) error {
	return c.store.Put(ctx, resourcePractitionerPath(resourceType, uuid), []byte(practitionerUUID))
}

// GetPractitionerRef returns the practitioner uuid cross-referenced by a
// resource, or "" when none was recorded.
func (c *Cache) GetPractitionerRef(ctx context.Context, resourceType, uuid string) (string, error) {
	v, err := c.store.Get(ctx, resourcePractitionerPath(resourceType, uuid))
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// -- Patient identity --

func (c *Cache) PatientExists(ctx context.Context, externalID string) (bool, error) {
	entries, err := c.store.ScanPrefix(ctx, kvstore.Join("patients", "by_external_id", externalID)+"/")
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// BindPatient associates an external identifier with an internal uuid and
// caches the patient payload. The binding is immutable for the lifetime of
// the cache; rebinding the same uuid is a no-op and BindPatient reports
// whether a new binding was created.
func (c *Cache) BindPatient(ctx context.Context, externalID, internalUUID string, payload json.RawMessage) (bool, error) {
	bound, err := c.store.PutIfAbsent(ctx,
		kvstore.Join("patients", "by_external_id", externalID, internalUUID), []byte(internalUUID))
	if err != nil {
		return false, err
	}
	if !bound {
		return false, nil
	}
	if _, err := c.store.PutIfAbsent(ctx, kvstore.Join("patients", "by_uuid", internalUUID), payload); err != nil {
		return false, err
	}
	return true, nil
}

// PatientUUIDs lists the internal uuids bound to an external identifier.
func (c *Cache) PatientUUIDs(ctx context.Context, externalID string) ([]string, error) {
	entries, err := c.store.ScanPrefix(ctx, kvstore.Join("patients", "by_external_id", externalID)+"/")
	if err != nil {
		return nil, err
	}
	uuids := make([]string, 0, len(entries))
	for _, e := range entries {
		uuids = append(uuids, kvstore.LastSegment(e.Path))
	}
	return uuids, nil
}

// PatientPayloads returns the cached patient documents for every uuid bound
// to the external identifier.
func (c *Cache) PatientPayloads(ctx context.Context, externalID string) ([]json.RawMessage, error) {
	uuids, err := c.PatientUUIDs(ctx, externalID)
	if err != nil {
		return nil, err
	}
	payloads := make([]json.RawMessage, 0, len(uuids))
	for _, u := range uuids {
		v, err := c.store.Get(ctx, kvstore.Join("patients", "by_uuid", u))
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, json.RawMessage(v))
	}
	return payloads, nil
}

// -- Patient/category associations --

func categoryMarkerPath(externalID, category string) string {
	return kvstore.Join("associations", externalID, category)
}

func (c *Cache) CategoryFetched(ctx context.Context, externalID, category string) (bool, error) {
	return c.store.Exists(ctx, categoryMarkerPath(externalID, category))
}

// MarkCategoryFetched records that a category has been pulled for a patient,
// so later EnsureCategory calls are cache hits even when the pull returned no
// matching items.
func (c *Cache) MarkCategoryFetched(ctx context.Context, externalID, category string) error {
	return c.store.Put(ctx, categoryMarkerPath(externalID, category), []byte("1"))
}

func (c *Cache) RecordCategoryUUID(ctx context.Context, externalID, internalUUID, category, uuid string) error {
	return c.store.Put(ctx, kvstore.Join("associations", externalID, category, uuid), []byte(internalUUID))
}

// UUIDsForCategory returns the resource uuids recorded for a patient and
// category, in lexicographic order.
func (c *Cache) UUIDsForCategory(ctx context.Context, externalID, category string) ([]string, error) {
	entries, err := c.store.ScanPrefix(ctx, kvstore.Join("associations", externalID, category)+"/")
	if err != nil {
		return nil, err
	}
	uuids := make([]string, 0, len(entries))
	for _, e := range entries {
		uuids = append(uuids, kvstore.LastSegment(e.Path))
	}
	return uuids, nil
}

// -- Fetch markers --

// MarkFetching claims the fetch for a reference. It reports false when
// another worker already holds the claim.
func (c *Cache) MarkFetching(ctx context.Context, ref string) (bool, error) {
	return c.markers.Mark(ctx, ref)
}

func (c *Cache) IsFetching(ctx context.Context, ref string) (bool, error) {
	return c.markers.IsMarked(ctx, ref)
}

func (c *Cache) ClearFetching(ctx context.Context, ref string) error {
	return c.markers.Clear(ctx, ref)
}

// -- Invalidation --

// InvalidateAll drops the patient-uuid bindings, the derived category
// associations and the fetch-marker set. Cached resource payloads survive:
// a refreshed patient record changes which uuids are authoritative, not what
// an already-fetched resource looked like.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if _, err := c.store.DeletePrefix(ctx, "patients/"); err != nil {
		return fmt.Errorf("invalidate patient bindings: %w", err)
	}
	if _, err := c.store.DeletePrefix(ctx, "associations/"); err != nil {
		return fmt.Errorf("invalidate associations: %w", err)
	}
	if _, err := c.markers.ClearAll(ctx); err != nil {
		return fmt.Errorf("invalidate fetch markers: %w", err)
	}
	return nil
}

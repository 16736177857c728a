// Package fetch orchestrates patient discovery and resource retrieval. It
// walks the cross-reference graph (patient -> clinical record -> practitioner
// -> organization -> location), populating the resource cache while the
// fetch-marker set guarantees at most one in-flight fetch per reference.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cdr/cdr/internal/cache"
	"github.com/cdr/cdr/internal/gateway"
)

// PatientResourceType is the canonical patient-identity category. A refresh
// of this category invalidates every patient-bundle derived cache.
const PatientResourceType = "Patient"

// Categories is the closed set of resource types the coordinator accepts.
var Categories = map[string]bool{
	"Patient":             true,
	"MedicationStatement": true,
	"AllergyIntolerance":  true,
	"Immunization":        true,
	"Condition":           true,
	"Procedure":           true,
	"Practitioner":        true,
	"Organization":        true,
	"Location":            true,
}

// ErrUnknownCategory rejects categories outside the closed set before any
// network or cache work.
var ErrUnknownCategory = errors.New("unknown category")

// ErrInvalidExternalID rejects empty or malformed patient identifiers.
var ErrInvalidExternalID = errors.New("invalid external id")

// EnsureResult reports the outcome of an ensure operation. A gateway failure
// or empty response yields OK=false rather than an error: callers treat it as
// "nothing to show yet".
type EnsureResult struct {
	OK            bool   `json:"ok"`
	AlreadyCached bool   `json:"already_cached"`
	Count         int    `json:"count"`
	Reason        string `json:"reason,omitempty"`
}

// ResolveResult reports why a reference resolution did or did not fetch.
type ResolveResult struct {
	Fetched bool
	Reason  string
}

const (
	ReasonAlreadyCached = "already-cached"
	ReasonInFlight      = "in-flight"
	ReasonUnavailable   = "unavailable"
	ReasonNoData        = "no-data"
	ReasonGatewayError  = "gateway-error"
	ReasonNoPatients    = "no-patients"
)

type Coordinator struct {
	gw     gateway.Gateway
	cache  *cache.Cache
	logger zerolog.Logger
}

func NewCoordinator(gw gateway.Gateway, c *cache.Cache, logger zerolog.Logger) *Coordinator {
	return &Coordinator{gw: gw, cache: c, logger: logger}
}

func validateExternalID(externalID string) error {
	if externalID == "" || strings.ContainsAny(externalID, "/ ") {
		return fmt.Errorf("%w: %q", ErrInvalidExternalID, externalID)
	}
	return nil
}

// EnsurePatient makes sure the patient identified by externalID is bound in
// the cache, fetching from the Discovery registry on a miss. Every distinct
// internal uuid in the response that is not already bound gets bound.
func (co *Coordinator) EnsurePatient(ctx context.Context, externalID string) (EnsureResult, error) {
	if err := validateExternalID(externalID); err != nil {
		return EnsureResult{}, err
	}

	exists, err := co.cache.PatientExists(ctx, externalID)
	if err != nil {
		return EnsureResult{}, err
	}
	if exists {
		return EnsureResult{OK: true, AlreadyCached: true}, nil
	}

	entries, err := co.gw.FetchPatientsByExternalID(ctx, externalID)
	if err != nil {
		co.logger.Warn().Err(err).Str("external_id", externalID).Msg("patient fetch failed")
		return EnsureResult{OK: false, Reason: ReasonGatewayError}, nil
	}

	bound := 0
	for _, e := range entries {
		if e.ResourceType != PatientResourceType {
			continue
		}
		isNew, err := co.cache.BindPatient(ctx, externalID, e.UUID, e.Raw)
		if err != nil {
			return EnsureResult{}, err
		}
		if isNew {
			bound++
		}
	}
	if bound == 0 {
		return EnsureResult{OK: false, Reason: ReasonNoData}, nil
	}
	return EnsureResult{OK: true, Count: bound}, nil
}

// EnsureCategory makes sure the category's resources for the patient are
// cached, fetching from the Discovery registry exactly once per (patient,
// category). Response items of other types are ignored: batch endpoints may
// return mixed types.
func (co *Coordinator) EnsureCategory(ctx context.Context, externalID, category string) (EnsureResult, error) {
	if err := validateExternalID(externalID); err != nil {
		return EnsureResult{}, err
	}
	if !Categories[category] {
		return EnsureResult{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}

	fetched, err := co.cache.CategoryFetched(ctx, externalID, category)
	if err != nil {
		return EnsureResult{}, err
	}
	if fetched {
		return EnsureResult{OK: true, AlreadyCached: true}, nil
	}

	patients, err := co.cache.PatientPayloads(ctx, externalID)
	if err != nil {
		return EnsureResult{}, err
	}
	if len(patients) == 0 {
		return EnsureResult{OK: false, Reason: ReasonNoPatients}, nil
	}

	entries, err := co.gw.FetchResourcesForCategory(ctx, category, patients)
	if err != nil {
		co.logger.Warn().Err(err).
			Str("external_id", externalID).
			Str("category", category).
			Msg("category fetch failed")
		return EnsureResult{OK: false, Reason: ReasonGatewayError}, nil
	}

	// A successful refresh of the patient-identity category changes which
	// uuids are authoritative, so every derived cache goes first.
	if category == PatientResourceType {
		if err := co.cache.InvalidateAll(ctx); err != nil {
			return EnsureResult{}, err
		}
	}

	stored := 0
	for _, e := range entries {
		if e.ResourceType != category {
			continue
		}
		if err := co.storeCategoryEntry(ctx, externalID, category, e); err != nil {
			return EnsureResult{}, err
		}
		stored++
	}

	if err := co.cache.MarkCategoryFetched(ctx, externalID, category); err != nil {
		return EnsureResult{}, err
	}
	return EnsureResult{OK: true, Count: stored}, nil
}

func (co *Coordinator) storeCategoryEntry(ctx context.Context, externalID, category string, e gateway.BundleEntry) error {
	if category == PatientResourceType {
		if _, err := co.cache.BindPatient(ctx, externalID, e.UUID, e.Raw); err != nil {
			return err
		}
	}
	if _, err := co.cache.PutResourceIfAbsent(ctx, category, e.UUID, e.Raw); err != nil {
		return err
	}

	ownerUUID := refUUID(firstReference(e.Raw, "Patient/"))
	if ownerUUID == "" {
		if uuids, err := co.cache.PatientUUIDs(ctx, externalID); err == nil && len(uuids) > 0 {
			ownerUUID = uuids[0]
		}
	}
	if err := co.cache.RecordCategoryUUID(ctx, externalID, ownerUUID, category, e.UUID); err != nil {
		return err
	}

	if ref := firstReference(e.Raw, "Practitioner/"); ref != "" {
		if err := co.cache.SetPractitionerRef(ctx, category, e.UUID, refUUID(ref)); err != nil {
			return err
		}
		// Enrichment only; a missing practitioner is not an error.
		if _, err := co.ResolveReference(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

// ResolveReference fetches the resource behind a "Type/uuid" reference unless
// it is already cached or another worker holds the in-flight claim. Remote
// failures are swallowed: practitioner/organization/location enrichment is
// best-effort, and a later category fetch will find the resource cached or
// retry the resolution.
func (co *Coordinator) ResolveReference(ctx context.Context, ref string) (ResolveResult, error) {
	resourceType, uuid, ok := strings.Cut(ref, "/")
	if !ok || resourceType == "" || uuid == "" {
		return ResolveResult{}, fmt.Errorf("malformed reference %q", ref)
	}

	exists, err := co.cache.ResourceExists(ctx, resourceType, uuid)
	if err != nil {
		return ResolveResult{}, err
	}
	if exists {
		return ResolveResult{Reason: ReasonAlreadyCached}, nil
	}

	claimed, err := co.cache.MarkFetching(ctx, ref)
	if err != nil {
		return ResolveResult{}, err
	}
	if !claimed {
		return ResolveResult{Reason: ReasonInFlight}, nil
	}

	entry, fetchErr := co.gw.FetchResource(ctx, ref)

	// The marker must never outlive the call, or a future attempt would
	// see a phantom in-flight fetch.
	if err := co.cache.ClearFetching(ctx, ref); err != nil {
		co.logger.Error().Err(err).Str("ref", ref).Msg("failed to clear fetch marker")
	}

	if fetchErr != nil || entry == nil {
		if fetchErr != nil {
			co.logger.Debug().Err(fetchErr).Str("ref", ref).Msg("enrichment fetch failed")
		}
		return ResolveResult{Reason: ReasonUnavailable}, nil
	}

	if _, err := co.cache.PutResourceIfAbsent(ctx, entry.ResourceType, entry.UUID, entry.Raw); err != nil {
		return ResolveResult{}, err
	}

	// The reference graph is acyclic by construction (practitioner ->
	// organization -> location); the marker still guards against accidental
	// cycles if that ever changes.
	switch entry.ResourceType {
	case "Practitioner":
		for _, orgRef := range references(entry.Raw, "Organization/") {
			if _, err := co.ResolveReference(ctx, orgRef); err != nil {
				return ResolveResult{}, err
			}
		}
	case "Organization":
		if locRef := firstReference(entry.Raw, "Location/"); locRef != "" {
			if _, err := co.ResolveReference(ctx, locRef); err != nil {
				return ResolveResult{}, err
			}
		}
	}

	return ResolveResult{Fetched: true}, nil
}

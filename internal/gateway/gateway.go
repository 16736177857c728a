package gateway

import (
	"context"
	"encoding/json"
)

// BundleEntry is one resource returned from a registry bundle. Raw holds the
// resource document exactly as the registry sent it.
type BundleEntry struct {
	ResourceType string
	UUID         string
	Raw          json.RawMessage
}

// SubmitResult is the acknowledgement for a record submitted to a
// destination registry.
type SubmitResult struct {
	OK            bool
	CompositionID string
}

// Gateway is the remote-registry boundary. Every call may fail with a
// transport error or return a structurally empty body; an empty entry list is
// a valid "no data yet" response, not an error.
type Gateway interface {
	// FetchPatientsByExternalID looks up patient records on the Discovery
	// registry by an external identifier (e.g. an NHS number).
	FetchPatientsByExternalID(ctx context.Context, externalID string) ([]BundleEntry, error)
	// FetchResourcesForCategory fetches all resources of one category for the
	// given patient bundle. The response may contain entries of other types.
	FetchResourcesForCategory(ctx context.Context, category string, patients []json.RawMessage) ([]BundleEntry, error)
	// FetchResource fetches a single resource by "Type/uuid" reference.
	FetchResource(ctx context.Context, ref string) (*BundleEntry, error)

	StartSession(ctx context.Context, host string) (string, error)
	StopSession(ctx context.Context, host, sessionID string) error

	SubmitRecord(ctx context.Context, host, patientID, category string, payload json.RawMessage) (*SubmitResult, error)
	QueryRecords(ctx context.Context, host, sessionID, query string) ([]json.RawMessage, error)
}

// bundle is the wire shape shared by the Discovery fetch endpoints.
type bundle struct {
	Entry []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
}

// decodeEntries unpacks a bundle body into typed entries. Entries without a
// resourceType or id are dropped rather than failing the whole bundle.
func decodeEntries(body []byte) ([]BundleEntry, error) {
	var b bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, err
	}
	entries := make([]BundleEntry, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		var head struct {
			ResourceType string `json:"resourceType"`
			ID           string `json:"id"`
		}
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			continue
		}
		if head.ResourceType == "" || head.ID == "" {
			continue
		}
		entries = append(entries, BundleEntry{
			ResourceType: head.ResourceType,
			UUID:         head.ID,
			Raw:          e.Resource,
		})
	}
	return entries, nil
}

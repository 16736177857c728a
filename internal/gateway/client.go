package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/cdr/cdr/internal/platform/token"
)

// Client talks to the Discovery registry and the destination openEHR
// registries over REST. Discovery fetches go to discoveryURL; session,
// submission and query calls go to the base URL registered for the host.
type Client struct {
	http         *resty.Client
	discoveryURL string
	hosts        map[string]string
	tokens       *token.Service
	logger       zerolog.Logger
}

func NewClient(discoveryURL string, hosts map[string]string, tokens *token.Service, logger zerolog.Logger) *Client {
	http := resty.New().
		SetTimeout(30 * time.Second).
		SetHeader("Accept", "application/json")
	return &Client{
		http:         http,
		discoveryURL: strings.TrimRight(discoveryURL, "/"),
		hosts:        hosts,
		tokens:       tokens,
		logger:       logger,
	}
}

func (c *Client) hostURL(host string) (string, error) {
	url, ok := c.hosts[host]
	if !ok {
		return "", fmt.Errorf("unknown backend host %q", host)
	}
	return strings.TrimRight(url, "/"), nil
}

func (c *Client) request(ctx context.Context, audience string) (*resty.Request, error) {
	req := c.http.R().SetContext(ctx)
	if c.tokens != nil {
		bearer, err := c.tokens.Issue(audience)
		if err != nil {
			return nil, err
		}
		req.SetAuthToken(bearer)
	}
	return req, nil
}

func (c *Client) FetchPatientsByExternalID(ctx context.Context, externalID string) ([]BundleEntry, error) {
	req, err := c.request(ctx, "discovery")
	if err != nil {
		return nil, err
	}
	resp, err := req.
		SetQueryParam("identifier", externalID).
		Get(c.discoveryURL + "/api/fhir/Patient")
	if err != nil {
		return nil, fmt.Errorf("fetch patients for %s: %w", externalID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch patients for %s: status %d", externalID, resp.StatusCode())
	}
	entries, err := decodeEntries(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("decode patient bundle for %s: %w", externalID, err)
	}
	return entries, nil
}

func (c *Client) FetchResourcesForCategory(ctx context.Context, category string, patients []json.RawMessage) ([]BundleEntry, error) {
	req, err := c.request(ctx, "discovery")
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"resources": []string{category},
		"patients":  map[string]interface{}{"resourceType": "Bundle", "entry": wrapEntries(patients)},
	}
	resp, err := req.
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(c.discoveryURL + "/api/fhir/getResources")
	if err != nil {
		return nil, fmt.Errorf("fetch %s resources: %w", category, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch %s resources: status %d", category, resp.StatusCode())
	}
	entries, err := decodeEntries(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("decode %s bundle: %w", category, err)
	}
	return entries, nil
}

func (c *Client) FetchResource(ctx context.Context, ref string) (*BundleEntry, error) {
	resourceType, uuid, ok := strings.Cut(ref, "/")
	if !ok {
		return nil, fmt.Errorf("malformed reference %q", ref)
	}
	req, err := c.request(ctx, "discovery")
	if err != nil {
		return nil, err
	}
	resp, err := req.Get(c.discoveryURL + "/api/fhir/" + resourceType + "/" + uuid)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch %s: status %d", ref, resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, nil
	}
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(body, &head); err != nil || head.ResourceType == "" {
		// Structurally empty body; treat as no data.
		return nil, nil
	}
	if head.ID == "" {
		head.ID = uuid
	}
	return &BundleEntry{ResourceType: head.ResourceType, UUID: head.ID, Raw: body}, nil
}

func (c *Client) StartSession(ctx context.Context, host string) (string, error) {
	base, err := c.hostURL(host)
	if err != nil {
		return "", err
	}
	req, err := c.request(ctx, host)
	if err != nil {
		return "", err
	}
	resp, err := req.Post(base + "/rest/v1/session")
	if err != nil {
		return "", fmt.Errorf("start session on %s: %w", host, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("start session on %s: status %d", host, resp.StatusCode())
	}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode session response from %s: %w", host, err)
	}
	return out.SessionID, nil
}

func (c *Client) StopSession(ctx context.Context, host, sessionID string) error {
	base, err := c.hostURL(host)
	if err != nil {
		return err
	}
	req, err := c.request(ctx, host)
	if err != nil {
		return err
	}
	resp, err := req.
		SetHeader("Ehr-Session", sessionID).
		Delete(base + "/rest/v1/session")
	if err != nil {
		return fmt.Errorf("stop session on %s: %w", host, err)
	}
	if resp.IsError() {
		return fmt.Errorf("stop session on %s: status %d", host, resp.StatusCode())
	}
	return nil
}

func (c *Client) SubmitRecord(ctx context.Context, host, patientID, category string, payload json.RawMessage) (*SubmitResult, error) {
	base, err := c.hostURL(host)
	if err != nil {
		return nil, err
	}
	req, err := c.request(ctx, host)
	if err != nil {
		return nil, err
	}
	resp, err := req.
		SetHeader("Content-Type", "application/json").
		SetQueryParams(map[string]string{
			"ehrId":      patientID,
			"templateId": category,
			"format":     "FLAT",
		}).
		SetBody(payload).
		Post(base + "/rest/v1/composition")
	if err != nil {
		return nil, fmt.Errorf("submit %s record to %s: %w", category, host, err)
	}
	if resp.IsError() {
		return &SubmitResult{OK: false}, nil
	}
	var out struct {
		CompositionUID string `json:"compositionUid"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil || out.CompositionUID == "" {
		return &SubmitResult{OK: false}, nil
	}
	return &SubmitResult{OK: true, CompositionID: out.CompositionUID}, nil
}

func (c *Client) QueryRecords(ctx context.Context, host, sessionID, query string) ([]json.RawMessage, error) {
	base, err := c.hostURL(host)
	if err != nil {
		return nil, err
	}
	req, err := c.request(ctx, host)
	if err != nil {
		return nil, err
	}
	resp, err := req.
		SetHeader("Ehr-Session", sessionID).
		SetQueryParam("aql", query).
		Get(base + "/rest/v1/query")
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", host, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("query %s: status %d", host, resp.StatusCode())
	}
	var out struct {
		ResultSet []json.RawMessage `json:"resultSet"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode query result from %s: %w", host, err)
	}
	return out.ResultSet, nil
}

func wrapEntries(patients []json.RawMessage) []map[string]json.RawMessage {
	entries := make([]map[string]json.RawMessage, len(patients))
	for i, p := range patients {
		entries[i] = map[string]json.RawMessage{"resource": p}
	}
	return entries
}

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cdr/cdr/internal/platform/token"
)

func newTestClient(discovery, openehr string) *Client {
	tokens := token.NewService("test-secret", time.Minute)
	hosts := map[string]string{"ethercis": openehr}
	return NewClient(discovery, hosts, tokens, zerolog.Nop())
}

func TestFetchPatientsByExternalID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/fhir/Patient" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("identifier") != "9999999000" {
			t.Errorf("unexpected identifier %s", r.URL.Query().Get("identifier"))
		}
		if r.Header.Get("Authorization") == "" {
			t.Error("expected bearer token")
		}
		w.Write([]byte(`{"entry":[{"resource":{"resourceType":"Patient","id":"48f8c9e3-0001-0001-0001-000000000001"}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	entries, err := c.FetchPatientsByExternalID(context.Background(), "9999999000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ResourceType != "Patient" || entries[0].UUID != "48f8c9e3-0001-0001-0001-000000000001" {
		t.Errorf("unexpected entry %+v", entries[0])
	}
}

func TestFetchPatientsByExternalID_EmptyBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	entries, err := c.FetchPatientsByExternalID(context.Background(), "9999999000")
	if err != nil {
		t.Fatalf("empty bundle is valid, got error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestFetchResourcesForCategory_MixedTypesPassedThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Resources []string `json:"resources"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Resources) != 1 || body.Resources[0] != "MedicationStatement" {
			t.Errorf("unexpected resources %v", body.Resources)
		}
		w.Write([]byte(`{"entry":[
			{"resource":{"resourceType":"MedicationStatement","id":"m1"}},
			{"resource":{"resourceType":"AllergyIntolerance","id":"a1"}}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	patients := []json.RawMessage{json.RawMessage(`{"resourceType":"Patient","id":"p1"}`)}
	entries, err := c.FetchResourcesForCategory(context.Background(), "MedicationStatement", patients)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The gateway does not filter; the coordinator does.
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestFetchResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/fhir/Practitioner/p-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"resourceType":"Practitioner","id":"p-1","name":[{"text":"Dr A"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	entry, err := c.FetchResource(context.Background(), "Practitioner/p-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry == nil || entry.UUID != "p-1" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestFetchResource_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	entry, err := c.FetchResource(context.Background(), "Practitioner/p-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry != nil {
		t.Errorf("expected nil entry for empty body, got %+v", entry)
	}
}

func TestFetchResource_MalformedRef(t *testing.T) {
	c := newTestClient("http://unused", "")
	if _, err := c.FetchResource(context.Background(), "no-slash"); err == nil {
		t.Error("expected error for malformed reference")
	}
}

func TestStartAndStopSession(t *testing.T) {
	var stopped string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Write([]byte(`{"sessionId":"sess-123"}`))
		case http.MethodDelete:
			stopped = r.Header.Get("Ehr-Session")
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := newTestClient("", srv.URL)
	id, err := c.StartSession(context.Background(), "ethercis")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "sess-123" {
		t.Errorf("unexpected session id %q", id)
	}
	if err := c.StopSession(context.Background(), "ethercis", id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stopped != "sess-123" {
		t.Errorf("expected stop for sess-123, got %q", stopped)
	}
}

func TestStartSession_UnknownHost(t *testing.T) {
	c := newTestClient("", "http://unused")
	if _, err := c.StartSession(context.Background(), "nosuch"); err == nil {
		t.Error("expected error for unknown host")
	}
}

func TestSubmitRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("templateId") != "procedures" {
			t.Errorf("unexpected template %s", r.URL.Query().Get("templateId"))
		}
		w.Write([]byte(`{"compositionUid":"c1::host::1"}`))
	}))
	defer srv.Close()

	c := newTestClient("", srv.URL)
	res, err := c.SubmitRecord(context.Background(), "ethercis", "ehr-1", "procedures", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK || res.CompositionID != "c1::host::1" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSubmitRecord_RejectedIsNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient("", srv.URL)
	res, err := c.SubmitRecord(context.Background(), "ethercis", "ehr-1", "procedures", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("rejection is not a transport error: %v", err)
	}
	if res.OK {
		t.Error("expected not-ok result")
	}
}

func TestQueryRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Ehr-Session") != "sess-1" {
			t.Errorf("expected session header, got %q", r.Header.Get("Ehr-Session"))
		}
		w.Write([]byte(`{"resultSet":[{"uid":"a"},{"uid":"b"}]}`))
	}))
	defer srv.Close()

	c := newTestClient("", srv.URL)
	rows, err := c.QueryRecords(context.Background(), "ethercis", "sess-1", "select e from EHR e")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 rows, got %d", len(rows))
	}
}

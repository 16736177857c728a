package config

import (
	"testing"
	"time"
)

func TestParseHosts(t *testing.T) {
	hosts, err := ParseHosts("ethercis=http://ethercis:8080, marand=https://marand.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(hosts))
	}
	if hosts["ethercis"] != "http://ethercis:8080" {
		t.Errorf("unexpected ethercis url: %q", hosts["ethercis"])
	}
	if hosts["marand"] != "https://marand.example.com" {
		t.Errorf("unexpected marand url: %q", hosts["marand"])
	}
}

func TestParseHosts_Empty(t *testing.T) {
	hosts, err := ParseHosts("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hosts) != 0 {
		t.Errorf("expected no hosts, got %d", len(hosts))
	}
}

func TestParseHosts_Malformed(t *testing.T) {
	if _, err := ParseHosts("ethercis"); err == nil {
		t.Error("expected error for entry without url")
	}
	if _, err := ParseHosts("=http://x"); err == nil {
		t.Error("expected error for entry without name")
	}
}

func TestValidate_ProductionRequiresSecret(t *testing.T) {
	cfg := &Config{
		Env:               "production",
		SessionTTLSeconds: 120,
		OpenEHRHosts:      map[string]string{"ethercis": "http://ethercis:8080"},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing TOKEN_SECRET in production")
	}
	cfg.TokenSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_SessionTTL(t *testing.T) {
	cfg := &Config{Env: "development", SessionTTLSeconds: 0}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-positive session TTL")
	}
	cfg.SessionTTLSeconds = 120
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if cfg.SessionTTL() != 2*time.Minute {
		t.Errorf("expected 2m TTL, got %s", cfg.SessionTTL())
	}
}

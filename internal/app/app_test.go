package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pepeunit/internal/config"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	s := config.Default()
	s.BackendDomain = "pepeunit.local"
	s.SecretKey = "secret"
	s.Workspace = t.TempDir()
	return s
}

func TestOpenWiresEngine(t *testing.T) {
	var logs bytes.Buffer
	a, err := Open(context.Background(), testSettings(t), &logs)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Engine.Domain != "pepeunit.local" || a.Engine.Router.Domain != "pepeunit.local" {
		t.Fatalf("domain not wired: %q / %q", a.Engine.Domain, a.Engine.Router.Domain)
	}
	if !strings.Contains(logs.String(), "migrations applied") {
		t.Fatalf("expected migration log, got %q", logs.String())
	}

	h, err := a.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics status %d", rec.Code)
	}
}

func TestOpenRejectsInvalidSettings(t *testing.T) {
	s := testSettings(t)
	s.SecretKey = ""
	if _, err := Open(context.Background(), s, nil); err == nil {
		t.Fatalf("missing secret must fail")
	}
}

func TestBrokerInstallsPublisher(t *testing.T) {
	a, err := Open(context.Background(), testSettings(t), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	client, err := a.Broker()
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	if a.Engine.Router.Publisher != client {
		t.Fatalf("router publisher not installed")
	}
}

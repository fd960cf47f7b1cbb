package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler(func() int { return 4 })(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if status.Status != "healthy" || status.Sessions == nil || *status.Sessions != 4 {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestReadinessHandler_AllHealthy(t *testing.T) {
	ok := func(context.Context) (bool, error) { return true, nil }
	rec := httptest.NewRecorder()
	ReadinessHandler(map[string]HealthCheckFunc{"upstream": ok, "database": ok})(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	var status HealthStatus
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status.Status != "ready" || len(status.Dependencies) != 2 {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestReadinessHandler_Unhealthy(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"upstream": func(context.Context) (bool, error) { return true, nil },
		"database": func(context.Context) (bool, error) { return false, errors.New("connection refused") },
		"skipped":  nil,
	}
	rec := httptest.NewRecorder()
	ReadinessHandler(checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
	var status HealthStatus
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status.Status != "not_ready" {
		t.Errorf("Expected not_ready, got %s", status.Status)
	}
	db := status.Dependencies["database"]
	if db.Status != "unhealthy" || db.Message != "connection refused" {
		t.Errorf("Unexpected database status: %+v", db)
	}
	if _, ok := status.Dependencies["skipped"]; ok {
		t.Error("Expected nil checks to be skipped")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug").String() != "debug" {
		t.Error("Expected debug level")
	}
	if ParseLevel("nonsense").String() != "info" {
		t.Error("Expected info as default")
	}
}

package healthserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleLivenessAlwaysOK(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := New(":0", nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleLiveness(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHandleReadinessAllChecksPass(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := New(":0", nil)
	s.AddCheck("bus", func(_ context.Context) error { return nil })
	s.AddCheck("objectstore", func(_ context.Context) error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadiness(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHandleReadinessReportsFailures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := New(":0", nil)
	s.AddCheck("bus", func(_ context.Context) error { return errors.New("connection refused") })

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadiness(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	var body struct {
		Status   string            `json:"status"`
		Failures map[string]string `json:"failures"`
	}

	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if body.Failures["bus"] != "connection refused" {
		t.Fatalf("failures = %+v, want bus=connection refused", body.Failures)
	}
}

func TestServerStartAndShutdown(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := New("127.0.0.1:0", nil)

	done := make(chan error, 1)
	go func() { done <- s.httpServer.ListenAndServe() }()

	if err := s.shutdown(); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}

	<-done
}

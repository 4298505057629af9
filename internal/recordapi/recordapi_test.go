package recordapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/climb-tre/roz/internal/retry"
)

func TestClassifyStatusCode(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		code int
		want Status
	}{
		{code: http.StatusCreated, want: StatusSuccess},
		{code: http.StatusBadRequest, want: StatusValidationFailure},
		{code: http.StatusUnprocessableEntity, want: StatusValidationFailure},
		{code: http.StatusForbidden, want: StatusPermissionFailure},
		{code: http.StatusTeapot, want: StatusUnknown},
	}

	for _, tt := range tests {
		if got := ClassifyStatusCode(tt.code); got != tt.want {
			t.Errorf("ClassifyStatusCode(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()

	srv := httptest.NewServer(handler)

	client := NewClient(srv.URL, "test-token",
		WithHTTPClient(srv.Client()),
		WithRateLimit(1000, 1000),
		WithRetryPolicy(retry.Policy{Attempts: 2, Spacing: time.Millisecond, Classifier: ClassifyError}),
	)

	return client, srv.Close
}

func TestCSVCreateSuccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"climb_id": "C-123"})
	})
	defer closeFn()

	outcome, err := client.CSVCreate(context.Background(), "mpx", []byte("a,b\n1,2\n"), false)
	if err != nil {
		t.Fatalf("CSVCreate() unexpected error: %v", err)
	}

	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want StatusSuccess", outcome.Status)
	}

	if outcome.climbID != "C-123" {
		t.Errorf("climbID = %q, want C-123", outcome.climbID)
	}
}

func TestCSVCreateValidationFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string][]string{"sample_id": {"required"}})
	})
	defer closeFn()

	outcome, err := client.CSVCreate(context.Background(), "mpx", []byte("a,b\n1,2\n"), false)
	if err != nil {
		t.Fatalf("CSVCreate() unexpected error: %v", err)
	}

	if outcome.Status != StatusValidationFailure {
		t.Errorf("Status = %v, want StatusValidationFailure", outcome.Status)
	}

	if !outcome.Errors.HasErrors() {
		t.Error("expected field errors to be populated")
	}
}

func TestCSVCreateRetriesOnServerError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	attempts := 0

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"climb_id": "C-456"})
	})
	defer closeFn()

	outcome, err := client.CSVCreate(context.Background(), "mpx", []byte("a,b\n1,2\n"), false)
	if err != nil {
		t.Fatalf("CSVCreate() unexpected error: %v", err)
	}

	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}

	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want StatusSuccess", outcome.Status)
	}
}

func TestFilterFoundPublished(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"climb_id": "C-999", "is_published": true},
		})
	})
	defer closeFn()

	result, err := client.Filter(context.Background(), "mpx", map[string]string{"sample_id": "s1", "run_id": "r1"})
	if err != nil {
		t.Fatalf("Filter() unexpected error: %v", err)
	}

	if !result.Found || !result.Published || result.ClimbID != "C-999" {
		t.Fatalf("Filter() = %+v, want Found=true Published=true ClimbID=C-999", result)
	}
}

func TestFilterNotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	})
	defer closeFn()

	result, err := client.Filter(context.Background(), "mpx", map[string]string{"sample_id": "s1", "run_id": "r1"})
	if err != nil {
		t.Fatalf("Filter() unexpected error: %v", err)
	}

	if result.Found {
		t.Fatalf("Filter() = %+v, want Found=false", result)
	}
}

func TestUnsuppress(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var gotPath string

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"climb_id": "C-789"})
	})
	defer closeFn()

	outcome, err := client.Unsuppress(context.Background(), "mpx", "C-789")
	if err != nil {
		t.Fatalf("Unsuppress() unexpected error: %v", err)
	}

	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want StatusSuccess", outcome.Status)
	}

	if gotPath != "/projects/mpx/records/C-789/unsuppress" {
		t.Errorf("path = %q, want /projects/mpx/records/C-789/unsuppress", gotPath)
	}
}

package project

import (
	"context"
	"errors"
	"testing"

	"github.com/climb-tre/roz/internal/envelope"
)

type stubValidator struct {
	platforms []string
}

func (s *stubValidator) ArtifactKinds() []string { return s.platforms }

func (s *stubValidator) Check(payload envelope.ValidationPayload) envelope.ValidationPayload {
	return payload
}

func (s *stubValidator) Execute(_ context.Context, _ envelope.ValidationPayload) (map[string]Artifact, error) {
	return nil, nil
}

func TestRegistryFor(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	illumina := &stubValidator{platforms: []string{"illumina"}}
	ont := &stubValidator{platforms: []string{"ont"}}

	r := NewRegistry(illumina, ont)

	got, err := r.For("illumina")
	if err != nil {
		t.Fatalf("For() error = %v", err)
	}

	if got != illumina {
		t.Fatal("For() returned the wrong validator")
	}

	_, err = r.For("unknown")
	if !errors.Is(err, ErrNoValidatorForPlatform) {
		t.Fatalf("For() error = %v, want %v", err, ErrNoValidatorForPlatform)
	}
}

func TestCheckIdentifierCharset(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		sampleID string
		runID    string
		wantErrs bool
	}{
		{name: "valid", sampleID: "sample-1", runID: "run_1", wantErrs: false},
		{name: "invalid sample_id", sampleID: "sample 1", runID: "run1", wantErrs: true},
		{name: "invalid run_id", sampleID: "sample1", runID: "run/1", wantErrs: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := envelope.ValidationPayload{
				MatchMessage: envelope.MatchMessage{SampleID: tt.sampleID, RunID: tt.runID},
			}

			got := CheckIdentifierCharset(payload)
			if got.IngestErrors.HasErrors() != tt.wantErrs {
				t.Fatalf("CheckIdentifierCharset() errors = %v, wantErrs = %v", got.IngestErrors, tt.wantErrs)
			}
		})
	}
}

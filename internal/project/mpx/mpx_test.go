package mpx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/climb-tre/roz/internal/envelope"
	"github.com/climb-tre/roz/internal/objectstore"
)

// fakeObjects serves canned QC summary bytes keyed by bucket/key.
type fakeObjects struct {
	bodies map[string][]byte
}

func (f *fakeObjects) Head(_ context.Context, _, _ string) (objectstore.Object, error) {
	return objectstore.Object{}, nil
}

func (f *fakeObjects) Get(_ context.Context, bucket, key string) (io.ReadCloser, objectstore.Object, error) {
	body, ok := f.bodies[bucket+"/"+key]
	if !ok {
		return nil, objectstore.Object{}, objectstore.ErrNotFound
	}

	return io.NopCloser(bytes.NewReader(body)), objectstore.Object{}, nil
}

func (f *fakeObjects) PresignGet(_ context.Context, _, _ string, _ time.Duration) (string, error) {
	return "", nil
}

func (f *fakeObjects) Put(_ context.Context, _, _ string, _ io.Reader) error {
	return nil
}

func TestValidatorArtifactKinds(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v := NewValidator(nil, "illumina", "ont")

	got := v.ArtifactKinds()
	if len(got) != 2 || got[0] != "illumina" || got[1] != "ont" {
		t.Fatalf("ArtifactKinds() = %v", got)
	}
}

func TestValidatorExecuteSkipsWithoutQCSummary(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v := NewValidator(&fakeObjects{}, "illumina")

	artifacts, err := v.Execute(context.Background(), envelope.ValidationPayload{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if artifacts != nil {
		t.Fatalf("Execute() artifacts = %v, want nil", artifacts)
	}
}

func TestValidatorExecutePassesBelowThreshold(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	objects := &fakeObjects{bodies: map[string][]byte{
		"mpx-birm-illumina-prod/mpx.s1.r1.illumina.json": []byte(
			`[{"human_readable":"Pseudomonas","taxon":"286","qc_metrics":{"num_reads":9900}},` +
				`{"human_readable":"Homo sapiens","taxon":"9606","qc_metrics":{"num_reads":100}}]`),
	}}

	v := NewValidator(objects, "illumina")

	payload := envelope.ValidationPayload{
		MatchMessage: envelope.MatchMessage{
			Files: map[string]envelope.FileRef{
				QCSummaryExt: {BucketKey: "mpx-birm-illumina-prod/mpx.s1.r1.illumina.json"},
			},
		},
	}

	if _, err := v.Execute(context.Background(), payload); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestValidatorExecuteRejectsAboveThreshold(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	objects := &fakeObjects{bodies: map[string][]byte{
		"mpx-birm-illumina-prod/mpx.s1.r1.illumina.json": []byte(
			`[{"human_readable":"Pseudomonas","taxon":"286","qc_metrics":{"num_reads":8000}},` +
				`{"human_readable":"Homo sapiens","taxon":"9606","qc_metrics":{"num_reads":2000}}]`),
	}}

	v := NewValidator(objects, "illumina")

	payload := envelope.ValidationPayload{
		MatchMessage: envelope.MatchMessage{
			Files: map[string]envelope.FileRef{
				QCSummaryExt: {BucketKey: "mpx-birm-illumina-prod/mpx.s1.r1.illumina.json"},
			},
		},
	}

	_, err := v.Execute(context.Background(), payload)
	if !errors.Is(err, ErrHumanReadFractionExceeded) {
		t.Fatalf("Execute() error = %v, want %v", err, ErrHumanReadFractionExceeded)
	}
}

func TestValidatorCheckRejectsBadCharset(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v := NewValidator(nil, "illumina")

	payload := envelope.ValidationPayload{
		MatchMessage: envelope.MatchMessage{SampleID: "bad sample", RunID: "run1"},
	}

	got := v.Check(payload)
	if !got.IngestErrors.HasErrors() {
		t.Fatal("Check() expected a sample_id charset error")
	}
}

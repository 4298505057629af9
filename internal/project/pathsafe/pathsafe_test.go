package pathsafe

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/climb-tre/roz/internal/envelope"
	"github.com/climb-tre/roz/internal/objectstore"
)

// fakeObjects is a minimal in-memory objectstore.Store for unit tests.
type fakeObjects struct {
	puts map[string][]byte
}

func (f *fakeObjects) Head(_ context.Context, _, _ string) (objectstore.Object, error) {
	return objectstore.Object{}, nil
}

func (f *fakeObjects) Get(_ context.Context, _, _ string) (io.ReadCloser, objectstore.Object, error) {
	return nil, objectstore.Object{}, errors.New("not implemented")
}

func (f *fakeObjects) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://example.invalid/" + bucket + "/" + key, nil
}

func (f *fakeObjects) Put(_ context.Context, bucket, key string, body io.Reader) error {
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	f.puts[bucket+"/"+key] = data

	return nil
}

func writeTrace(t *testing.T, resultPath, uuid, content string) {
	t.Helper()

	dir := filepath.Join(resultPath, "pipeline_info")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	path := filepath.Join(dir, "execution_trace_"+uuid+".txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestCheckExecutionTraceSuccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	writeTrace(t, dir, "uuid1", "name\texit\nassemble\t0\n")

	v := &Validator{}

	if err := v.checkExecutionTrace(dir, "uuid1"); err != nil {
		t.Fatalf("checkExecutionTrace() error = %v", err)
	}
}

func TestCheckExecutionTraceFailedProcess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	writeTrace(t, dir, "uuid2", "name\texit\nassemble\t1\n")

	v := &Validator{}

	err := v.checkExecutionTrace(dir, "uuid2")
	if !errors.Is(err, ErrWorkflowFailed) {
		t.Fatalf("checkExecutionTrace() error = %v, want %v", err, ErrWorkflowFailed)
	}
}

func TestCheckExecutionTraceMissingFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()

	v := &Validator{}

	err := v.checkExecutionTrace(dir, "missing")
	if !errors.Is(err, ErrWorkflowFailed) {
		t.Fatalf("checkExecutionTrace() error = %v, want %v", err, ErrWorkflowFailed)
	}
}

func TestSortedExts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	files := map[string]envelope.FileRef{"b": {}, "a": {}, "c": {}}

	got := sortedExts(files)
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("sortedExts() = %v", got)
	}
}

func TestSanitizeParamName(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := sanitizeParamName("1.fastq-gz"); got != "1_fastq_gz" {
		t.Fatalf("sanitizeParamName() = %q", got)
	}
}

func TestPublishAssemblyUploadsThenPresigns(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	assemblyDir := filepath.Join(dir, "uuid1", "assembly")

	if err := os.MkdirAll(assemblyDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(assemblyDir, "uuid1.result.fasta"), []byte(">seq\nACGT\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	objects := &fakeObjects{}
	v := &Validator{ResultDir: dir, Objects: objects, AssemblyBucket: "assembly-bucket"}

	payload := envelope.ValidationPayload{
		MatchMessage: envelope.MatchMessage{UUID: "uuid1", ArtifactKey: "mpx.s1.r1"},
	}

	artifacts, err := v.publishAssembly(context.Background(), payload)
	if err != nil {
		t.Fatalf("publishAssembly() error = %v", err)
	}

	artifact, ok := artifacts["assembly"]
	if !ok {
		t.Fatalf("artifacts = %+v, want an \"assembly\" entry", artifacts)
	}

	wantKey := "assembly-bucket/mpx.s1.r1.assembly.fasta"
	if string(objects.puts["assembly-bucket/mpx.s1.r1.assembly.fasta"]) != ">seq\nACGT\n" {
		t.Fatalf("uploaded bytes for %s = %q, want assembly fasta content", wantKey, objects.puts[wantKey])
	}

	if artifact.URI != "s3://assembly-bucket/mpx.s1.r1.assembly.fasta" {
		t.Fatalf("URI = %q, want canonical s3:// URI", artifact.URI)
	}

	if artifact.URL == "" {
		t.Fatal("expected a non-empty presigned URL")
	}
}

func TestArtifactKinds(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v := NewValidator("illumina", "true", nil, nil, "bucket", t.TempDir())

	got := v.ArtifactKinds()
	if len(got) != 1 || got[0] != "illumina" {
		t.Fatalf("ArtifactKinds() = %v", got)
	}
}

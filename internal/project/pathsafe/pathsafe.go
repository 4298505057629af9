// Package pathsafe implements the project validator for projects that run
// a derived-artifact workflow before record creation: an external pipeline
// executable is invoked against the submission's files, its execution trace
// is checked for per-process failures, and the resulting assembly is
// uploaded back to long-term object storage (spec §4.3 "Execute workflow").
//
// Grounded on roz_scripts/utils/utils.py's pipeline class (subprocess
// execution with a timeout) and roz_scripts/pathsafe/pathsafe_ingest.py's
// ret_0_parser (tab-delimited execution trace parsing) and assembly_to_s3
// (result upload + presigned URL), translated from a fixed
// CLIMB-TRE/path-safe_assembler invocation into a configurable workflow
// command any pathsafe-style project can use.
package pathsafe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/climb-tre/roz/internal/envelope"
	"github.com/climb-tre/roz/internal/objectstore"
	"github.com/climb-tre/roz/internal/project"
)

// DefaultTimeout mirrors the original pipeline class's 10800-second
// (3 hour) subprocess timeout.
const DefaultTimeout = 3 * time.Hour

// ErrWorkflowTimedOut is returned when the workflow executable does not
// complete within Timeout.
var ErrWorkflowTimedOut = errors.New("pathsafe: workflow execution timed out")

// ErrWorkflowFailed is returned when the workflow executable exits non-zero
// or its execution trace reports a failed process.
var ErrWorkflowFailed = errors.New("pathsafe: workflow execution failed")

// Validator runs an external assembly workflow for one platform before
// handing off to record creation.
type Validator struct {
	Platform       string
	Command        string
	Args           []string
	Timeout        time.Duration
	ResultDir      string
	Objects        objectstore.Store
	AssemblyBucket string
	Logger         *slog.Logger
}

var _ project.Validator = (*Validator)(nil)

// NewValidator builds a Validator. command and args describe the workflow
// executable; ResultDir is where its output directory tree is written, one
// subdirectory per submission UUID.
func NewValidator(
	platform, command string, args []string, objects objectstore.Store, assemblyBucket, resultDir string,
) *Validator {
	return &Validator{
		Platform:       platform,
		Command:        command,
		Args:           args,
		Timeout:        DefaultTimeout,
		ResultDir:      resultDir,
		Objects:        objects,
		AssemblyBucket: assemblyBucket,
		Logger:         slog.Default(),
	}
}

// ArtifactKinds returns the single platform this validator runs for.
func (v *Validator) ArtifactKinds() []string {
	return []string{v.Platform}
}

// Check runs the shared identifier charset validation.
func (v *Validator) Check(payload envelope.ValidationPayload) envelope.ValidationPayload {
	return project.CheckIdentifierCharset(payload)
}

// Execute runs the workflow executable against the submission's files,
// checks its execution trace, and uploads the resulting assembly, returning
// it as a named artifact for the record to reference.
func (v *Validator) Execute(ctx context.Context, payload envelope.ValidationPayload) (map[string]project.Artifact, error) {
	resultPath := filepath.Join(v.ResultDir, payload.UUID)
	if err := os.MkdirAll(resultPath, 0o755); err != nil {
		return nil, fmt.Errorf("pathsafe: create result dir: %w", err)
	}

	args := append([]string{}, v.Args...)
	for _, ext := range sortedExts(payload.Files) {
		args = append(args, fmt.Sprintf("--%s", sanitizeParamName(ext)), payload.Files[ext].URI)
	}

	args = append(args, "--out_dir", resultPath, "--sample_uuid", payload.UUID)

	runCtx, cancel := context.WithTimeout(ctx, v.timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, v.Command, args...)

	stdout, err := cmd.Output()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: artifact_key=%s", ErrWorkflowTimedOut, payload.ArtifactKey)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkflowFailed, err)
	}

	if err := v.checkExecutionTrace(resultPath, payload.UUID); err != nil {
		return nil, err
	}

	v.Logger.Info("workflow execution complete",
		slog.String("artifact_key", payload.ArtifactKey),
		slog.Int("stdout_bytes", len(stdout)))

	return v.publishAssembly(ctx, payload)
}

func (v *Validator) timeout() time.Duration {
	if v.Timeout <= 0 {
		return DefaultTimeout
	}

	return v.Timeout
}

// checkExecutionTrace reads the workflow's tab-delimited execution trace and
// fails if any process reports a non-zero exit code, mirroring
// ret_0_parser's per-process trace check.
func (v *Validator) checkExecutionTrace(resultPath, uuid string) error {
	tracePath := filepath.Join(resultPath, "pipeline_info", fmt.Sprintf("execution_trace_%s.txt", uuid))

	f, err := os.Open(tracePath) //nolint:gosec // path is built from a trusted result directory
	if err != nil {
		return fmt.Errorf("%w: could not open execution trace: %v", ErrWorkflowFailed, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)

	var header []string

	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if header == nil {
			header = fields

			continue
		}

		process, exitCode := traceField(header, fields, "name"), traceField(header, fields, "exit")
		if exitCode != "" && exitCode != "0" {
			return fmt.Errorf("%w: process %s exited with code %s", ErrWorkflowFailed, process, exitCode)
		}
	}

	return scanner.Err()
}

func traceField(header, fields []string, name string) string {
	for i, h := range header {
		if h == name && i < len(fields) {
			return fields[i]
		}
	}

	return ""
}

// publishAssembly uploads the workflow's assembly output to long-term
// object storage and presigns a retrieval URL for it, mirroring
// assembly_to_s3's upload-then-presign sequence.
func (v *Validator) publishAssembly(ctx context.Context, payload envelope.ValidationPayload) (map[string]project.Artifact, error) {
	resultPath := filepath.Join(v.ResultDir, payload.UUID, "assembly", payload.UUID+".result.fasta")

	key := payload.ArtifactKey + ".assembly.fasta"

	f, err := os.Open(resultPath) //nolint:gosec // path is built from a trusted result directory
	if err != nil {
		return nil, fmt.Errorf("pathsafe: open assembly %s: %w", resultPath, err)
	}
	defer func() { _ = f.Close() }()

	if err := v.Objects.Put(ctx, v.AssemblyBucket, key, f); err != nil {
		return nil, fmt.Errorf("pathsafe: upload assembly %s: %w", resultPath, err)
	}

	url, err := v.Objects.PresignGet(ctx, v.AssemblyBucket, key, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("pathsafe: presign assembly %s: %w", resultPath, err)
	}

	uri := fmt.Sprintf("s3://%s/%s", v.AssemblyBucket, key)

	return map[string]project.Artifact{"assembly": {URL: url, URI: uri}}, nil
}

func sortedExts(files map[string]envelope.FileRef) []string {
	exts := make([]string, 0, len(files))
	for ext := range files {
		exts = append(exts, ext)
	}

	sort.Strings(exts)

	return exts
}

func sanitizeParamName(ext string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(ext)
}

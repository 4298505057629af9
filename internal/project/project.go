// Package project defines the per-project validation and artifact-
// generation step the project validator runs after ingest succeeds
// (spec §4.3 "Project validator", "Execute workflow", "Project checks").
//
// The original pipeline hard-coded this per project: roz_scripts/pathsafe
// runs an assembly pipeline and submits to Pathogenwatch, while other
// projects (mpx and friends) have no workflow step at all beyond character
// and field checks. Validator generalises both shapes behind one interface.
package project

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/climb-tre/roz/internal/envelope"
)

// ErrNoValidatorForPlatform is returned when a project validator is asked to
// operate on a platform it doesn't recognise.
var ErrNoValidatorForPlatform = errors.New("project: no validator registered for platform")

// identifierCharset mirrors valid_character_checks' `^[A-Za-z0-9_-]*$`
// pattern, re-checked at the project-validator stage since a submission may
// have sat on the bus since fileset.ParseObjectKey last enforced it.
var identifierCharset = regexp.MustCompile(`^[A-Za-z0-9_-]*$`)

// Artifact describes a derived artifact a project validator's workflow
// uploaded to object storage: a presigned retrieval URL for convenient
// download alongside the canonical s3:// URI the record keeps as its
// durable reference (spec §4.3 "Publish artifacts").
type Artifact struct {
	URL string
	URI string
}

// Validator performs project-specific validation and, optionally, runs an
// artifact-generation workflow before a record is created.
type Validator interface {
	// ArtifactKinds returns the platforms this validator applies to.
	ArtifactKinds() []string

	// Check runs project-specific field validation, returning the payload
	// with any new entries appended to IngestErrors.
	Check(payload envelope.ValidationPayload) envelope.ValidationPayload

	// Execute runs the project's derived-artifact workflow, if it has one.
	// It returns a map of artifact name to Artifact to publish onto the
	// record (spec §4.3 "Publish artifacts"), or a nil map for projects
	// with no workflow step.
	Execute(ctx context.Context, payload envelope.ValidationPayload) (map[string]Artifact, error)
}

// CheckIdentifierCharset validates sample_id and run_id against the
// pipeline's identifier charset, appending a field error for each violation.
// Shared by every Validator implementation so the rule is defined once.
func CheckIdentifierCharset(payload envelope.ValidationPayload) envelope.ValidationPayload {
	if !identifierCharset.MatchString(payload.SampleID) {
		payload.IngestErrors = payload.IngestErrors.Add("sample_id",
			"sample_id contains invalid characters, must be alphanumeric and contain only hyphens and underscores")
	}

	if !identifierCharset.MatchString(payload.RunID) {
		payload.IngestErrors = payload.IngestErrors.Add("run_id",
			"run_id contains invalid characters, must be alphanumeric and contain only hyphens and underscores")
	}

	return payload
}

// Registry resolves a project's platform to its Validator, following the
// pipeline configuration's per-project RecordAPITable-style lookup shape
// (internal/pipelineconfig.Config.FilesetSpec).
type Registry struct {
	byPlatform map[string]Validator
}

// NewRegistry builds a Registry from a set of Validators, indexing each by
// every platform it declares via ArtifactKinds.
func NewRegistry(validators ...Validator) *Registry {
	r := &Registry{byPlatform: map[string]Validator{}}

	for _, v := range validators {
		for _, platform := range v.ArtifactKinds() {
			r.byPlatform[platform] = v
		}
	}

	return r
}

// For returns the Validator registered for platform.
func (r *Registry) For(platform string) (Validator, error) {
	v, ok := r.byPlatform[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoValidatorForPlatform, platform)
	}

	return v, nil
}

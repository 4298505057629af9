// Package pvalidator implements the project validator stage's state machine
// (spec §4.3): for an ingest-approved payload it runs the project's
// validator (workflow execution, trace parsing, and project-specific
// checks), creates the real record, publishes any derived artifacts back
// onto it, unsuppresses the record, and reports the outcome. Every
// terminal — success or failure — is reported as a ResultMessage; only
// success also carries a new-artifact notification.
//
// The stage sequence is a fixed pipeline of named transitions rather than an
// explicit state type: each step either advances to the next stage or
// returns a terminal, reported outcome tagged with the stage name it failed
// at, so operators can tell which part of the pipeline broke.
//
// Following the ingest validator's shape, HandleValidated never returns an
// error for a business-level rejection (a failed project check, a refused
// record create) — those are terminal ResultMessages the caller publishes
// regardless. An error is only returned for infrastructure failures (a
// download or record-API connection failure) that should cause the
// triggering delivery to be nacked and retried rather than acknowledged.
package pvalidator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/climb-tre/roz/internal/bus"
	"github.com/climb-tre/roz/internal/config"
	"github.com/climb-tre/roz/internal/envelope"
	"github.com/climb-tre/roz/internal/ingest"
	"github.com/climb-tre/roz/internal/objectstore"
	"github.com/climb-tre/roz/internal/project"
	"github.com/climb-tre/roz/internal/recordapi"
)

// ResultExchange is the topic exchange detailed per-stage outcomes are
// published to, routed per project/site (spec §4 "Result publisher", §6).
const ResultExchange = "inbound.results"

// NewArtifactExchange is the topic exchange minimal success notifications
// are published to, routed per project (spec §6).
const NewArtifactExchange = "inbound.new_artifact"

// Stage names used in ResultMessage.Stage, matching the state machine in
// spec §4.3.
const (
	StageReportOnly       = "report_only"
	StageProjectChecks    = "project_checks"
	StageExecuteWorkflow  = "execute_workflow"
	StageCreateRecord     = "create_record"
	StagePublishArtifacts = "publish_artifacts"
	StageUnsuppressRecord = "unsuppress_record"
	StageCommit           = "commit"
)

// ErrProjectChecksFailed is the failure reason HandleValidated logs when a
// project's Check step records a field error against the payload; the
// caller gets a failed ResultMessage and a nil error, not this error.
var ErrProjectChecksFailed = errors.New("pvalidator: project checks failed")

// ErrRecordRejected is returned when the real create/update/unsuppress call
// is refused for reasons other than the idempotent already-published case.
var ErrRecordRejected = errors.New("pvalidator: record API rejected the request")

// Validator runs the project validator stage for ingest-approved payloads.
type Validator struct {
	Registry *project.Registry
	Objects  objectstore.Store
	Records  *recordapi.Client
	Bus      *bus.Connection
	Clock    func() time.Time
	Logger   *slog.Logger
}

// NewValidator builds a Validator with a default JSON logger and a
// time.Now clock.
func NewValidator(registry *project.Registry, objects objectstore.Store, records *recordapi.Client, conn *bus.Connection) *Validator {
	return &Validator{
		Registry: registry,
		Objects:  objects,
		Records:  records,
		Bus:      conn,
		Clock:    time.Now,
		Logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// HandleValidated runs the project validator state machine for one
// ingest-approved payload and returns the resulting ResultMessage. The
// caller is responsible for publishing it (and, on success, the
// new-artifact notification) via PublishResult/PublishNewArtifact.
func (v *Validator) HandleValidated(ctx context.Context, payload envelope.ValidationPayload) (envelope.ResultMessage, error) {
	if !payload.Validate {
		return v.result(StageReportOnly, payload, false, false), nil
	}

	validator, err := v.Registry.For(payload.Platform)
	if err != nil {
		return v.businessFailure(StageProjectChecks, payload, err), nil
	}

	artifacts, err := validator.Execute(ctx, payload)
	if err != nil {
		return v.businessFailure(StageExecuteWorkflow, payload, err), nil
	}

	payload = validator.Check(payload)
	if payload.IngestErrors.HasErrors() {
		return v.businessFailure(StageProjectChecks, payload, ErrProjectChecksFailed), nil
	}

	payload, idempotent, err := v.createRecord(ctx, payload)
	if err != nil {
		if errors.Is(err, ErrRecordRejected) {
			return v.businessFailure(StageCreateRecord, payload, err), nil
		}

		return v.result(StageCreateRecord, payload, false, alertFor(err)), err
	}

	if idempotent {
		v.Logger.Info("record already created and published, treating redelivery as terminal success",
			slog.String("artifact_key", payload.ArtifactKey),
			slog.String("climb_id", payload.ClimbID))

		return v.result(StageCommit, payload, true, false), nil
	}

	if err := v.publishArtifacts(ctx, &payload, artifacts); err != nil {
		if errors.Is(err, ErrRecordRejected) {
			return v.businessFailure(StagePublishArtifacts, payload, err), nil
		}

		return v.result(StagePublishArtifacts, payload, false, alertFor(err)), err
	}

	if err := v.unsuppress(ctx, &payload); err != nil {
		if errors.Is(err, ErrRecordRejected) {
			return v.businessFailure(StageUnsuppressRecord, payload, err), nil
		}

		return v.result(StageUnsuppressRecord, payload, false, alertFor(err)), err
	}

	return v.result(StageCommit, payload, true, false), nil
}

// createRecord performs the real (non-test) record creation. It returns
// idempotent=true when the create was rejected because the record already
// exists and is published, per spec §4.3's redelivery-after-commit rule.
func (v *Validator) createRecord(ctx context.Context, payload envelope.ValidationPayload) (envelope.ValidationPayload, bool, error) {
	csvBytes, err := v.fetchMetadataCSV(ctx, payload)
	if err != nil {
		return payload, false, err
	}

	outcome, err := v.Records.CSVCreate(ctx, payload.Project, csvBytes, false)
	if err != nil {
		return payload, false, fmt.Errorf("pvalidator: create record: %w", err)
	}

	switch outcome.Status {
	case recordapi.StatusSuccess:
		payload.ClimbID = outcome.ClimbID()
		payload.Created = true
		payload.OnyxCreateStatus = true

		return payload, false, nil

	case recordapi.StatusValidationFailure:
		existing, ferr := v.Records.Filter(ctx, payload.Project, map[string]string{
			"sample_id": payload.SampleID,
			"run_id":    payload.RunID,
		})
		if ferr != nil {
			return payload, false, fmt.Errorf("pvalidator: checking existing record: %w", ferr)
		}

		if existing.Found && existing.Published {
			payload.ClimbID = existing.ClimbID
			payload.Created = false
			payload.Ingested = true
			payload.OnyxCreateStatus = true

			return payload, true, nil
		}

		for field, messages := range outcome.Errors {
			for _, m := range messages {
				payload.OnyxCreateErrors = payload.OnyxCreateErrors.Add(field, m)
			}
		}

		return payload, false, fmt.Errorf("%w: artifact_key=%s", ErrRecordRejected, payload.ArtifactKey)

	default:
		return payload, false, fmt.Errorf("%w: unexpected status %d for artifact_key=%s",
			ErrRecordRejected, outcome.StatusCode, payload.ArtifactKey)
	}
}

// publishArtifacts writes a validator's derived artifacts back onto the
// record via an update call: both a presigned retrieval URL and the
// canonical s3:// URI per artifact (spec §4.3 "Publication").
func (v *Validator) publishArtifacts(ctx context.Context, payload *envelope.ValidationPayload, artifacts map[string]project.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}

	fields := make(map[string]any, len(artifacts)*2)
	for name, artifact := range artifacts {
		fields[name+"_url"] = artifact.URL
		fields[name+"_uri"] = artifact.URI
	}

	outcome, err := v.Records.Update(ctx, payload.Project, payload.ClimbID, fields)
	if err != nil {
		return fmt.Errorf("pvalidator: publish artifacts: %w", err)
	}

	if outcome.Status != recordapi.StatusSuccess {
		for field, messages := range outcome.Errors {
			for _, m := range messages {
				payload.PublishErrors = payload.PublishErrors.Add(field, m)
			}
		}

		return fmt.Errorf("%w: publish artifacts for climb_id=%s", ErrRecordRejected, payload.ClimbID)
	}

	return nil
}

// unsuppress clears the suppressed flag once every downstream publication
// has succeeded, never leaving a record published before that point
// (spec §4.3 "never leaves a record in published state if a subsequent step
// fails").
func (v *Validator) unsuppress(ctx context.Context, payload *envelope.ValidationPayload) error {
	outcome, err := v.Records.Unsuppress(ctx, payload.Project, payload.ClimbID)
	if err != nil {
		return fmt.Errorf("pvalidator: unsuppress: %w", err)
	}

	if outcome.Status != recordapi.StatusSuccess {
		return fmt.Errorf("%w: unsuppress climb_id=%s", ErrRecordRejected, payload.ClimbID)
	}

	payload.Ingested = true

	return nil
}

// fetchMetadataCSV re-downloads the submission's metadata CSV for the real
// create call, mirroring the bucket_key split the ingest validator performs
// for its own test-create call.
func (v *Validator) fetchMetadataCSV(ctx context.Context, payload envelope.ValidationPayload) ([]byte, error) {
	ref, ok := payload.Files[ingest.MetadataExt]
	if !ok {
		return nil, fmt.Errorf("%w: artifact_key=%s", ingest.ErrMissingMetadataCSV, payload.ArtifactKey)
	}

	idx := strings.IndexByte(ref.BucketKey, '/')
	if idx < 0 {
		return nil, fmt.Errorf("pvalidator: malformed bucket_key %q", ref.BucketKey)
	}

	bucket, key := ref.BucketKey[:idx], ref.BucketKey[idx+1:]

	body, _, err := v.Objects.Get(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("pvalidator: download metadata csv: %w", err)
	}
	defer func() { _ = body.Close() }()

	return io.ReadAll(body)
}

func (v *Validator) businessFailure(stage string, payload envelope.ValidationPayload, cause error) envelope.ResultMessage {
	v.Logger.Info("project validation did not pass",
		slog.String("artifact_key", payload.ArtifactKey),
		slog.String("stage", stage),
		slog.String("reason", cause.Error()))

	return v.result(stage, payload, false, false)
}

func (v *Validator) result(stage string, payload envelope.ValidationPayload, succeeded, alert bool) envelope.ResultMessage {
	return envelope.ResultMessage{
		Stage:     stage,
		Payload:   payload,
		Succeeded: succeeded,
		Alert:     alert,
		Timestamp: v.now(),
	}
}

// PublishResult forwards a ResultMessage to the per-project/site result
// exchange, regardless of whether it succeeded (spec §4 "Result publisher").
func (v *Validator) PublishResult(ctx context.Context, result envelope.ResultMessage) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("pvalidator: marshal result message: %w", err)
	}

	routingKey := fmt.Sprintf("%s.%s", result.Payload.Project, result.Payload.Site)

	return v.Bus.Publish(ctx, ResultExchange, routingKey, body)
}

// PublishNewArtifact publishes the minimal success notification for a
// committed record (spec §6).
func (v *Validator) PublishNewArtifact(ctx context.Context, payload envelope.ValidationPayload) error {
	notification := envelope.NewArtifactNotification{
		IngestTimestamp: v.now(),
		ClimbID:         payload.ClimbID,
		Site:            payload.Site,
		MatchUUID:       payload.UUID,
	}

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("pvalidator: marshal new artifact notification: %w", err)
	}

	return v.Bus.Publish(ctx, NewArtifactExchange, payload.Project, body)
}

func alertFor(err error) bool {
	return errors.Is(err, recordapi.ErrServer) || errors.Is(err, recordapi.ErrConnection)
}

func (v *Validator) now() time.Time {
	if v.Clock == nil {
		return time.Now()
	}

	return v.Clock()
}

// Package ingest implements the ingest validator stage: given a completed
// submission's MatchMessage, it downloads the metadata CSV, checks it
// against the filename-derived identity, test-creates the record with the
// record API, and always forwards the outcome downstream regardless of
// whether validation passed (spec §4.2 "Ingest validator").
//
// This generalises roz/ingest.py's single hard-coded ".csv" lookup and its
// csv_create(test=True) call into an explicit Validator type with injected
// dependencies, following the matcher's dependency-inversion shape.
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/climb-tre/roz/internal/bus"
	"github.com/climb-tre/roz/internal/config"
	"github.com/climb-tre/roz/internal/envelope"
	"github.com/climb-tre/roz/internal/objectstore"
	"github.com/climb-tre/roz/internal/recordapi"
)

// identifierCharset mirrors valid_character_checks' `^[A-Za-z0-9_-]+$`
// pattern, re-checked here against the metadata CSV's own sample_id/run_id
// columns (spec §4.2 step 2, §8 "sample_id = \"foo!\"").
var identifierCharset = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// MetadataExt is the file extension every project's required fileset must
// include: the metadata CSV, the only file ingest validates directly
// (spec §4.2 "the CSV is the only file the ingest validator reads").
const MetadataExt = "csv"

// ToValidateExchange is the topic exchange the ingest validator publishes
// onward to once it has recorded a test-create outcome, mirroring
// roz/ingest.py's "inbound.to_validate.<project>" destination.
const ToValidateExchange = "inbound.to_validate"

// ErrMissingMetadataCSV is a User-classified error: a submission completed
// without a .csv file, which should be impossible given fileset.Spec.Complete
// already enforced the required set, but is guarded against defensively at
// the stage boundary.
var ErrMissingMetadataCSV = errors.New("ingest: submission has no metadata csv")

// Validator performs ingest-stage validation for completed submissions.
type Validator struct {
	Objects objectstore.Store
	Records *recordapi.Client
	Bus     *bus.Connection
	Logger  *slog.Logger
}

// NewValidator builds a Validator with a default JSON logger.
func NewValidator(objects objectstore.Store, records *recordapi.Client, conn *bus.Connection) *Validator {
	return &Validator{
		Objects: objects,
		Records: records,
		Bus:     conn,
		Logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// HandleMatch validates a completed submission's metadata CSV and test-
// creates the record. It always returns a ValidationPayload, even when
// validation failed, mirroring the original pipeline's "forward the payload
// regardless of outcome" contract (spec §4.2, §7); only infrastructure
// failures (download, record API connectivity) are returned as errors so
// the caller can nack/retry the triggering delivery.
func (v *Validator) HandleMatch(ctx context.Context, msg envelope.MatchMessage) (envelope.ValidationPayload, error) {
	payload := envelope.ValidationPayload{MatchMessage: msg}

	csvRef, ok := msg.Files[MetadataExt]
	if !ok {
		return payload, fmt.Errorf("%w: artifact_key=%s", ErrMissingMetadataCSV, msg.ArtifactKey)
	}

	bucket, key, err := splitBucketKey(csvRef.BucketKey)
	if err != nil {
		return payload, err
	}

	body, obj, err := v.Objects.Get(ctx, bucket, key)
	if err != nil {
		return payload, fmt.Errorf("ingest: download metadata csv: %w", err)
	}
	defer func() { _ = body.Close() }()

	if err := objectstore.VerifyETag(obj, csvRef.ETag); err != nil {
		payload.IngestErrors = payload.IngestErrors.Add("etag", err.Error())
		payload.Validate = false

		return payload, nil
	}

	csvBytes, err := io.ReadAll(body)
	if err != nil {
		return payload, fmt.Errorf("ingest: read metadata csv: %w", err)
	}

	rows, err := parseMetadataRows(csvBytes)
	if err != nil {
		payload.IngestErrors = payload.IngestErrors.Add("metadata_csv", err.Error())
		payload.Validate = false

		return payload, nil
	}

	checkCharacterClass(&payload, rows)
	checkFieldAgreement(&payload, rows, msg)

	outcome, err := v.Records.CSVCreate(ctx, msg.Project, csvBytes, true)
	if err != nil {
		return payload, fmt.Errorf("ingest: test csv_create: %w", err)
	}

	payload.OnyxTestStatusCode = outcome.StatusCode
	payload.OnyxTestCreateStatus = outcome.Status == recordapi.StatusSuccess

	for field, messages := range outcome.Errors {
		for _, m := range messages {
			payload.OnyxTestCreateErrors = payload.OnyxTestCreateErrors.Add(field, m)
		}
	}

	payload.Validate = payload.OnyxTestCreateStatus &&
		!payload.IngestErrors.HasErrors() && !payload.OnyxTestCreateErrors.HasErrors()

	v.Logger.Info("ingest validation complete",
		slog.String("artifact_key", msg.ArtifactKey),
		slog.Bool("validate", payload.Validate),
		slog.Int("status_code", outcome.StatusCode))

	return payload, nil
}

// Publish forwards a ValidationPayload to the project validator's inbound
// exchange for the submission's project, regardless of the payload's
// Validate outcome (spec §4.2 "always forward").
func (v *Validator) Publish(ctx context.Context, payload envelope.ValidationPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ingest: marshal validation payload: %w", err)
	}

	routingKey := fmt.Sprintf("%s.%s", payload.Project, payload.Site)

	return v.Bus.Publish(ctx, ToValidateExchange, routingKey, body)
}

// metadataRow is the parsed metadata CSV's single data row, keyed by
// column header.
type metadataRow map[string]string

func parseMetadataRows(csvBytes []byte) ([]metadataRow, error) {
	reader := csv.NewReader(bytes.NewReader(csvBytes))

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing metadata csv: %w", err)
	}

	if len(records) < 1 {
		return nil, errors.New("metadata csv has no header row")
	}

	header := records[0]
	dataRows := records[1:]

	if len(dataRows) != 1 {
		return nil, fmt.Errorf("multiline metadata CSVs are not permitted, got %d data rows", len(dataRows))
	}

	row := make(metadataRow, len(header))
	for i, col := range header {
		if i < len(dataRows[0]) {
			row[col] = dataRows[0][i]
		}
	}

	return []metadataRow{row}, nil
}

// checkCharacterClass validates the metadata CSV's own sample_id/run_id
// values against the strict identifier charset (spec §4.2 step 2),
// recording violations in OnyxTestCreateErrors and forcing validate=false
// the same way a record-API validation failure does.
func checkCharacterClass(payload *envelope.ValidationPayload, rows []metadataRow) {
	if len(rows) == 0 {
		return
	}

	row := rows[0]

	for _, field := range []string{"sample_id", "run_id"} {
		value, present := row[field]
		if present && !identifierCharset.MatchString(value) {
			payload.OnyxTestCreateErrors = payload.OnyxTestCreateErrors.Add(field,
				"contains invalid characters, must be alphanumeric and contain only hyphens and underscores")
		}
	}
}

// checkFieldAgreement compares the metadata CSV's sample_id/run_id columns
// against the identity the matcher derived from the object key, recording a
// validation error for any disagreement the same way a record-API
// validation failure is recorded (spec §4.2 step 3 "recorded the same way").
func checkFieldAgreement(payload *envelope.ValidationPayload, rows []metadataRow, msg envelope.MatchMessage) {
	if len(rows) == 0 {
		return
	}

	row := rows[0]

	fields := map[string]string{
		"sample_id": msg.SampleID,
		"run_id":    msg.RunID,
	}

	for field, want := range fields {
		got, present := row[field]
		if !present || got != want {
			payload.OnyxTestCreateErrors = payload.OnyxTestCreateErrors.Add(field, "field does not match filename")
		}
	}
}

func splitBucketKey(bucketKey string) (bucket, key string, err error) {
	idx := strings.IndexByte(bucketKey, '/')
	if idx < 0 {
		return "", "", fmt.Errorf("ingest: malformed bucket_key %q", bucketKey)
	}

	return bucketKey[:idx], bucketKey[idx+1:], nil
}

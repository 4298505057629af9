// Package mpx implements the project validator for the paired Illumina/ONT
// mpox consensus projects: identifier-charset validation plus a human-read
// fraction QC gate, with no assembly workflow of its own (spec §4.3, the
// common case for every project except pathsafe's assembly pipeline).
package mpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/climb-tre/roz/internal/envelope"
	"github.com/climb-tre/roz/internal/objectstore"
	"github.com/climb-tre/roz/internal/project"
)

// QCSummaryExt is the fileset extension a project's kraken-classification
// summary is uploaded under, mirroring reads_by_taxa/reads_summary.json from
// the original pipeline's human-read screening step. Optional: a submission
// with no file at this extension skips the human-read check entirely.
const QCSummaryExt = "json"

// DefaultHumanFractionThreshold mirrors the original pipeline's rejection
// threshold for the proportion of a submission's classified reads assigned
// to the human taxon.
const DefaultHumanFractionThreshold = 0.1

// humanTaxID is the NCBI taxonomy ID for Homo sapiens, the taxon
// reads_summary.json entries are checked against.
const humanTaxID = "9606"

// ErrHumanReadFractionExceeded is a business-classified error: the
// submission's classified reads contain more human material than the
// rejection threshold allows (spec §4.3 "Project checks").
var ErrHumanReadFractionExceeded = errors.New(
	"mpx: human reads detected above rejection threshold, please ensure pre-upload dehumanisation has been performed properly")

// readsSummaryEntry is one taxon bin of reads_summary.json, following
// example_reads_summary's shape: a human-readable taxon name, its NCBI
// taxon ID, and the QC metrics recorded for the reads binned to it.
type readsSummaryEntry struct {
	HumanReadable string `json:"human_readable"`
	Taxon         string `json:"taxon"`
	QCMetrics     struct {
		NumReads int `json:"num_reads"`
	} `json:"qc_metrics"`
}

// Validator validates mpx-family submissions: identifier charset plus an
// optional human-read fraction check against a QC summary file the
// submission's fileset may include. It runs no assembly workflow of its
// own.
type Validator struct {
	Platforms          []string
	Objects            objectstore.Store
	HumanFractionLimit float64
}

// NewValidator builds a Validator for the given platforms (e.g. "illumina",
// "ont"), applying DefaultHumanFractionThreshold.
func NewValidator(objects objectstore.Store, platforms ...string) *Validator {
	return &Validator{
		Platforms:          platforms,
		Objects:            objects,
		HumanFractionLimit: DefaultHumanFractionThreshold,
	}
}

// ArtifactKinds returns the platforms this validator was configured for.
func (v *Validator) ArtifactKinds() []string {
	return v.Platforms
}

// Check runs the shared identifier charset validation.
func (v *Validator) Check(payload envelope.ValidationPayload) envelope.ValidationPayload {
	return project.CheckIdentifierCharset(payload)
}

// Execute has no assembly workflow to run. When the submission's fileset
// includes a QC summary file, it rejects the submission if the fraction of
// classified reads assigned to Homo sapiens exceeds HumanFractionLimit
// (spec §4.3 "Project checks, e.g. human-read fraction"); submissions with
// no such file skip the check.
func (v *Validator) Execute(ctx context.Context, payload envelope.ValidationPayload) (map[string]project.Artifact, error) {
	ref, ok := payload.Files[QCSummaryExt]
	if !ok {
		return nil, nil
	}

	idx := strings.IndexByte(ref.BucketKey, '/')
	if idx < 0 {
		return nil, fmt.Errorf("mpx: malformed bucket_key %q", ref.BucketKey)
	}

	bucket, key := ref.BucketKey[:idx], ref.BucketKey[idx+1:]

	body, _, err := v.Objects.Get(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("mpx: download qc summary: %w", err)
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("mpx: read qc summary: %w", err)
	}

	var entries []readsSummaryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("mpx: parse qc summary: %w", err)
	}

	if err := checkHumanFraction(entries, v.humanFractionLimit()); err != nil {
		return nil, err
	}

	return nil, nil
}

func (v *Validator) humanFractionLimit() float64 {
	if v.HumanFractionLimit <= 0 {
		return DefaultHumanFractionThreshold
	}

	return v.HumanFractionLimit
}

// checkHumanFraction sums reads_summary.json's per-taxon read counts and
// rejects the submission if the human-classified share exceeds limit.
func checkHumanFraction(entries []readsSummaryEntry, limit float64) error {
	var total, human int

	for _, e := range entries {
		total += e.QCMetrics.NumReads
		if e.Taxon == humanTaxID {
			human += e.QCMetrics.NumReads
		}
	}

	if total == 0 {
		return nil
	}

	if float64(human)/float64(total) > limit {
		return ErrHumanReadFractionExceeded
	}

	return nil
}

var _ project.Validator = (*Validator)(nil)

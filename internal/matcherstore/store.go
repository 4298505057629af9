// Package matcherstore defines the durable submission-state interface the
// matcher needs for tracking partially-observed submissions across process
// restarts (spec §4.1 "State", §9 "durable state store" redesign: the
// original pipeline reconstructed state at startup by replaying the queue;
// this keeps an explicit table instead).
//
// Following the dependency-inversion pattern used throughout this codebase,
// the matcher depends on the Store interface defined here; the concrete
// PostgreSQL implementation lives in this same package (Postgres, in
// postgres.go).
package matcherstore

import (
	"context"
	"errors"
	"time"

	"github.com/climb-tre/roz/internal/envelope"
)

// ErrNotFound is returned when no submission exists for an artifact key.
var ErrNotFound = errors.New("matcherstore: submission not found")

// Submission is the durable state the matcher accumulates for one artifact
// key as files arrive (spec §3 "Submission record").
type Submission struct {
	ArtifactKey string
	Project     string
	SampleID    string
	RunID       string
	Platform    string
	Site        string
	Env         string
	Files       map[string]envelope.FileRef
	Uploaders   []string
	TestFlag    bool

	// MatchedAt is non-zero once the submission has been dispatched as a
	// MatchMessage; MatchedETags records the etag set at that dispatch so a
	// later identical re-upload can be recognised and suppressed (spec §9
	// Open Question: suppressed-record-on-reupload).
	MatchedAt    time.Time
	MatchUUID    string
	MatchedETags map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the durable state store the matcher depends on.
type Store interface {
	// Get returns the current submission for artifactKey, or ErrNotFound if
	// none exists yet.
	Get(ctx context.Context, artifactKey string) (Submission, error)

	// UpsertFile records or replaces the file observed at ext for
	// artifactKey, creating the submission row on first observation, and
	// returns the submission's state after applying the update.
	UpsertFile(ctx context.Context, identity Identity, ext string, ref envelope.FileRef) (Submission, error)

	// MarkMatched records that a submission was dispatched as a match at
	// matchedAt with matchUUID, and the etag set dispatched, so future
	// identical re-uploads can be detected as duplicates (spec §4.1
	// "re-dispatch").
	MarkMatched(ctx context.Context, artifactKey, matchUUID string, matchedAt time.Time, etags map[string]string) error

	// HealthCheck verifies the store is reachable, for readiness probes.
	HealthCheck(ctx context.Context) error

	// Sweep deletes submissions whose UpdatedAt is older than olderThan and
	// returns the number of rows removed (spec §9 "72 hour retention").
	Sweep(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Identity carries the parsed bucket/key identity fields needed to create a
// submission row on first observation (spec §3 invariant 2).
type Identity struct {
	Project  string
	SampleID string
	RunID    string
	Platform string
	Site     string
	Env      string
}

// ArtifactKey returns the `<project>.<sample_id>.<run_id>` key under which
// the submission is tracked.
func (id Identity) ArtifactKey() string {
	return id.Project + "." + id.SampleID + "." + id.RunID
}

// Package matcher implements the completion algorithm that watches
// per-artifact file uploads arrive and dispatches a MatchMessage once a
// submission's required file set is complete and internally consistent
// (spec §4.1 "Matcher").
//
// This generalises triplet_matcher.py's single hard-coded CSV/FASTA/BAM
// triplet into the arbitrary per-project, per-platform fileset.Spec the
// pipeline configuration declares, and replaces its startup-time queue
// replay with matcherstore's durable submission table (spec §9).
package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/climb-tre/roz/internal/bus"
	"github.com/climb-tre/roz/internal/config"
	"github.com/climb-tre/roz/internal/envelope"
	"github.com/climb-tre/roz/internal/fileset"
	"github.com/climb-tre/roz/internal/matcherstore"
	"github.com/climb-tre/roz/internal/objectstore"
	"github.com/climb-tre/roz/internal/pipelineconfig"
	"github.com/climb-tre/roz/internal/recordapi"
)

// ErrSiteNotAllowed is returned when a site uploads to a project it isn't
// configured for (spec §4.1 "Parsing", a User-classified error).
var ErrSiteNotAllowed = errors.New("matcher: site not allowed for project")

// ErrRecordAlreadyPublished is returned when a submission's first
// completion resolves to a published record already sharing its
// (project, sample_id, run_id) triple (spec §4.1 completion step 4a): a
// User-classified error that forbids dispatch of a new submission entirely.
var ErrRecordAlreadyPublished = errors.New("matcher: a published record already exists for this sample/run")

const (
	// MatchExchange is the topic exchange the matcher publishes completed
	// submissions to.
	MatchExchange = "outbound.matches"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Matcher holds the dependencies needed to process upload events: the
// durable submission store, the object store for etag verification, the
// static pipeline configuration, and the bus connection used to publish
// completed matches. Records is optional; when set, the matcher consults
// the record API on a submission's first completion to detect a record
// that already exists from before a state-store loss; an existing
// published record blocks dispatch (see checkExistingRecord).
type Matcher struct {
	Store   matcherstore.Store
	Objects objectstore.Store
	Config  *pipelineconfig.Config
	Bus     *bus.Connection
	Records *recordapi.Client

	Clock  Clock
	Logger *slog.Logger
}

// NewMatcher builds a Matcher with a real-time clock and a default JSON
// logger, following the teacher's slog.New(slog.NewJSONHandler(...))
// construction pattern.
func NewMatcher(
	store matcherstore.Store, objects objectstore.Store, cfg *pipelineconfig.Config, conn *bus.Connection,
) *Matcher {
	return &Matcher{
		Store:   store,
		Objects: objects,
		Config:  cfg,
		Bus:     conn,
		Clock:   time.Now,
		Logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// HandleUploadEvent processes a single object-upload event: it resolves
// the bucket/key identity, verifies the object's live etag against the
// one the event announced, records the observation, and - once the
// submission's required file set is complete - dispatches a MatchMessage.
//
// Returns a User-classified error for malformed names or disallowed
// sites, a Data-integrity error for etag mismatches (spec §7), or a
// Transient error for object store / durable store failures.
func (m *Matcher) HandleUploadEvent(ctx context.Context, event envelope.UploadEvent) error {
	identity, key, err := fileset.Resolve(event.Bucket, event.Key)
	if err != nil {
		return err
	}

	if !m.Config.SiteAllowed(identity.Project, identity.Site) {
		return fmt.Errorf("%w: %s/%s", ErrSiteNotAllowed, identity.Project, identity.Site)
	}

	obj, err := m.Objects.Head(ctx, event.Bucket, event.Key)
	if err != nil {
		return fmt.Errorf("matcher: head %s/%s: %w", event.Bucket, event.Key, err)
	}

	if err := objectstore.VerifyETag(obj, event.ETag); err != nil {
		return err
	}

	ref := envelope.FileRef{
		URI:       fmt.Sprintf("s3://%s/%s", event.Bucket, event.Key),
		ETag:      obj.ETag,
		BucketKey: event.Bucket + "/" + event.Key,
		Uploader:  event.Uploader,
		LastSeen:  event.EventTime,
	}

	msIdentity := matcherstore.Identity{
		Project: identity.Project, SampleID: identity.SampleID, RunID: identity.RunID,
		Platform: identity.Platform, Site: identity.Site, Env: identity.Env,
	}

	sub, err := m.Store.UpsertFile(ctx, msIdentity, key.Ext, ref)
	if err != nil {
		return fmt.Errorf("matcher: upsert file: %w", err)
	}

	m.Logger.Debug("recorded uploaded file",
		slog.String("artifact_key", msIdentity.ArtifactKey()),
		slog.String("ext", key.Ext),
		slog.String("size", humanize.Bytes(uint64(max(event.Size, 0)))))

	spec, err := m.Config.FilesetSpec(identity.Project, identity.Platform)
	if err != nil {
		return err
	}

	if !spec.Complete(observedEtags(sub.Files)) {
		m.Logger.Debug("submission incomplete",
			slog.String("artifact_key", msIdentity.ArtifactKey()),
			slog.Int("observed", len(sub.Files)),
			slog.Int("required", len(spec.Required)))

		return nil
	}

	currentEtags := observedEtags(sub.Files)
	if !sub.MatchedAt.IsZero() && etagsEqual(sub.MatchedETags, currentEtags) {
		m.Logger.Info("suppressing re-dispatch of identical submission",
			slog.String("artifact_key", msIdentity.ArtifactKey()))

		return nil
	}

	matchUUID := uuid.NewString()
	matchTime := m.Clock()

	if sub.MatchedAt.IsZero() && m.Records != nil {
		if err := m.checkExistingRecord(ctx, identity.Project, identity.SampleID, identity.RunID); err != nil {
			m.Logger.Error("dropping submission: published record already exists",
				slog.String("artifact_key", msIdentity.ArtifactKey()), slog.String("error", err.Error()))

			return err
		}
	}

	msg := envelope.MatchMessage{
		PayloadVersion: envelope.CurrentPayloadVersion,
		UUID:           matchUUID,
		ArtifactKey:    msIdentity.ArtifactKey(),
		Project:        identity.Project,
		SampleID:       identity.SampleID,
		RunID:          identity.RunID,
		Platform:       identity.Platform,
		Site:           identity.Site,
		Env:            identity.Env,
		Files:          sub.Files,
		Uploaders:      sub.Uploaders,
		TestFlag:       identity.Env == fileset.EnvTest,
		MatchTimestamp: matchTime,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("matcher: marshal match message: %w", err)
	}

	routingKey := fmt.Sprintf("matches.%s.%s", identity.Project, identity.Site)
	if err := m.Bus.Publish(ctx, MatchExchange, routingKey, body); err != nil {
		return fmt.Errorf("matcher: publish match message: %w", err)
	}

	if err := m.Store.MarkMatched(ctx, msIdentity.ArtifactKey(), matchUUID, matchTime, currentEtags); err != nil {
		return fmt.Errorf("matcher: mark matched: %w", err)
	}

	m.Logger.Info("dispatched match message",
		slog.String("artifact_key", msIdentity.ArtifactKey()),
		slog.String("match_uuid", matchUUID))

	return nil
}

// checkExistingRecord consults the record API for a pre-existing record
// before the first completion of a submission, catching the case where
// matcherstore state was lost and the record already exists from a prior
// run. A record that is found but not yet published is diagnostic only and
// never blocks dispatch; a record that is found *and* published forbids
// dispatch of a new submission outright (spec §4.1 completion step 4a) and
// is returned as ErrRecordAlreadyPublished for the caller to drop.
// Record-API lookup failures are logged and otherwise ignored: this check
// must never turn a transient record-API outage into a dropped submission.
func (m *Matcher) checkExistingRecord(ctx context.Context, project, sampleID, runID string) error {
	result, err := m.Records.Filter(ctx, project, map[string]string{
		"sample_id": sampleID,
		"run_id":    runID,
	})
	if err != nil {
		m.Logger.Warn("record API lookup failed on first completion",
			slog.String("project", project), slog.String("sample_id", sampleID), slog.String("error", err.Error()))

		return nil
	}

	if !result.Found {
		return nil
	}

	if result.Published {
		return fmt.Errorf("%w: project=%s sample_id=%s run_id=%s climb_id=%s",
			ErrRecordAlreadyPublished, project, sampleID, runID, result.ClimbID)
	}

	m.Logger.Info("record already exists for first-seen submission",
		slog.String("project", project), slog.String("sample_id", sampleID), slog.String("climb_id", result.ClimbID))

	return nil
}

func observedEtags(files map[string]envelope.FileRef) map[string]string {
	out := make(map[string]string, len(files))
	for ext, ref := range files {
		out[ext] = ref.ETag
	}

	return out
}

func etagsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}

	for k, v := range a {
		if b[k] != v {
			return false
		}
	}

	return true
}

package matcherstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/climb-tre/roz/internal/config"
	"github.com/climb-tre/roz/internal/envelope"
	"github.com/climb-tre/roz/internal/storage"
)

// Postgres implements Store with a PostgreSQL backend (spec §9 durable
// state store). It holds a *storage.Connection, a structured logger, and
// a background sweep goroutine that stops gracefully on Close.
type Postgres struct {
	conn   *storage.Connection
	logger *slog.Logger

	sweepInterval time.Duration
	retention     time.Duration
	sweepStop     chan struct{}
	sweepDone     chan struct{}
	closeOnce     sync.Once
}

// compile-time interface assertion.
var _ Store = (*Postgres)(nil)

// defaultRetention is the 72-hour retention window adopted for the Open
// Question in spec §9.
const defaultRetention = 72 * time.Hour

// NewPostgres creates a PostgreSQL-backed Store and starts its background
// retention sweep goroutine.
func NewPostgres(conn *storage.Connection, sweepInterval time.Duration) (*Postgres, error) {
	if conn == nil {
		return nil, errors.New("matcherstore: connection must not be nil")
	}

	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}

	p := &Postgres{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		sweepInterval: sweepInterval,
		retention:     defaultRetention,
		sweepStop:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}

	go p.runSweep()

	return p, nil
}

// HealthCheck delegates to the underlying connection.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	return p.conn.HealthCheck(ctx)
}

// Get returns the current submission state for artifactKey.
func (p *Postgres) Get(ctx context.Context, artifactKey string) (Submission, error) {
	row := p.conn.QueryRowContext(ctx, `
		SELECT project, sample_id, run_id, platform, site, env, files,
		       uploaders, test_flag, matched_at, match_uuid, matched_etags,
		       created_at, updated_at
		FROM submissions
		WHERE artifact_key = $1
	`, artifactKey)

	sub, err := scanSubmission(row.Scan, artifactKey)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, fmt.Errorf("%w: %s", ErrNotFound, artifactKey)
	}

	if err != nil {
		return Submission{}, fmt.Errorf("matcherstore: get %s: %w", artifactKey, err)
	}

	return sub, nil
}

// UpsertFile records the file observed at ext, creating the submission row
// on first observation for this artifact key.
func (p *Postgres) UpsertFile(
	ctx context.Context, identity Identity, ext string, ref envelope.FileRef,
) (Submission, error) {
	artifactKey := identity.ArtifactKey()

	tx, err := p.conn.BeginTx(ctx, nil)
	if err != nil {
		return Submission{}, fmt.Errorf("matcherstore: begin tx: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT project, sample_id, run_id, platform, site, env, files,
		       uploaders, test_flag, matched_at, match_uuid, matched_etags,
		       created_at, updated_at
		FROM submissions
		WHERE artifact_key = $1
		FOR UPDATE
	`, artifactKey)

	sub, err := scanSubmission(row.Scan, artifactKey)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		sub = Submission{
			ArtifactKey: artifactKey,
			Project:     identity.Project,
			SampleID:    identity.SampleID,
			RunID:       identity.RunID,
			Platform:    identity.Platform,
			Site:        identity.Site,
			Env:         identity.Env,
			Files:       map[string]envelope.FileRef{},
		}
	case err != nil:
		return Submission{}, fmt.Errorf("matcherstore: upsert file select %s: %w", artifactKey, err)
	}

	if sub.Files == nil {
		sub.Files = map[string]envelope.FileRef{}
	}

	sub.Files[ext] = ref

	if !containsUploader(sub.Uploaders, ref.Uploader) {
		sub.Uploaders = append(sub.Uploaders, ref.Uploader)
	}

	filesJSON, err := json.Marshal(sub.Files)
	if err != nil {
		return Submission{}, fmt.Errorf("matcherstore: marshal files: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO submissions (
			artifact_key, project, sample_id, run_id, platform, site, env,
			files, uploaders, test_flag, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (artifact_key) DO UPDATE SET
			files = EXCLUDED.files,
			uploaders = EXCLUDED.uploaders,
			updated_at = now()
	`, artifactKey, sub.Project, sub.SampleID, sub.RunID, sub.Platform, sub.Site, sub.Env,
		filesJSON, pq.Array(sub.Uploaders), sub.TestFlag)
	if err != nil {
		return Submission{}, fmt.Errorf("matcherstore: upsert file write %s: %w", artifactKey, err)
	}

	if err := tx.Commit(); err != nil {
		return Submission{}, fmt.Errorf("matcherstore: commit upsert file %s: %w", artifactKey, err)
	}

	return sub, nil
}

// MarkMatched records that artifactKey was dispatched as a match.
func (p *Postgres) MarkMatched(
	ctx context.Context, artifactKey, matchUUID string, matchedAt time.Time, etags map[string]string,
) error {
	etagsJSON, err := json.Marshal(etags)
	if err != nil {
		return fmt.Errorf("matcherstore: marshal matched etags: %w", err)
	}

	res, err := p.conn.ExecContext(ctx, `
		UPDATE submissions
		SET matched_at = $2, match_uuid = $3, matched_etags = $4, updated_at = now()
		WHERE artifact_key = $1
	`, artifactKey, matchedAt, matchUUID, etagsJSON)
	if err != nil {
		return fmt.Errorf("matcherstore: mark matched %s: %w", artifactKey, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("matcherstore: mark matched rows affected %s: %w", artifactKey, err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, artifactKey)
	}

	return nil
}

// Sweep deletes submissions not updated within olderThan.
func (p *Postgres) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := p.conn.ExecContext(ctx, `
		DELETE FROM submissions WHERE updated_at < now() - $1::interval
	`, fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("matcherstore: sweep: %w", err)
	}

	return res.RowsAffected()
}

// Close stops the background sweep goroutine.
func (p *Postgres) Close() error {
	p.closeOnce.Do(func() {
		close(p.sweepStop)

		select {
		case <-p.sweepDone:
			p.logger.Info("matcherstore sweep goroutine stopped gracefully")
		case <-time.After(5 * time.Second):
			p.logger.Warn("matcherstore sweep goroutine did not stop within timeout")
		}
	})

	return nil
}

func (p *Postgres) runSweep() {
	defer close(p.sweepDone)

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := p.Sweep(ctx, p.retention); err != nil {
				p.logger.Warn("matcherstore sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				p.logger.Info("matcherstore sweep removed stale submissions", slog.Int64("count", n))
			}
			cancel()
		case <-p.sweepStop:
			return
		}
	}
}

type scanner func(dest ...any) error

func scanSubmission(scan scanner, artifactKey string) (Submission, error) {
	var (
		sub          Submission
		filesJSON    []byte
		uploaders    pq.StringArray
		matchedAt    sql.NullTime
		matchUUID    sql.NullString
		matchedEtags []byte
		createdAt    time.Time
		updatedAt    time.Time
	)

	err := scan(
		&sub.Project, &sub.SampleID, &sub.RunID, &sub.Platform, &sub.Site, &sub.Env,
		&filesJSON, &uploaders, &sub.TestFlag, &matchedAt, &matchUUID, &matchedEtags,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return Submission{}, err
	}

	sub.ArtifactKey = artifactKey
	sub.Uploaders = uploaders
	sub.CreatedAt = createdAt
	sub.UpdatedAt = updatedAt

	if len(filesJSON) > 0 {
		if err := json.Unmarshal(filesJSON, &sub.Files); err != nil {
			return Submission{}, fmt.Errorf("matcherstore: unmarshal files: %w", err)
		}
	}

	if matchedAt.Valid {
		sub.MatchedAt = matchedAt.Time
	}

	if matchUUID.Valid {
		sub.MatchUUID = matchUUID.String
	}

	if len(matchedEtags) > 0 {
		if err := json.Unmarshal(matchedEtags, &sub.MatchedETags); err != nil {
			return Submission{}, fmt.Errorf("matcherstore: unmarshal matched etags: %w", err)
		}
	}

	return sub, nil
}

func containsUploader(uploaders []string, uploader string) bool {
	for _, u := range uploaders {
		if u == uploader {
			return true
		}
	}

	return false
}

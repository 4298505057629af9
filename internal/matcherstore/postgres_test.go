package matcherstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/climb-tre/roz/internal/config"
	"github.com/climb-tre/roz/internal/envelope"
	"github.com/climb-tre/roz/internal/storage"
)

func setupStore(ctx context.Context, t *testing.T) *Postgres {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &storage.Connection{DB: testDB.Connection}

	store, err := NewPostgres(conn, time.Hour)
	require.NoError(t, err, "NewPostgres failed")

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func TestPostgresUpsertFileAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)

	identity := Identity{Project: "mpx", SampleID: "sample1", RunID: "run1", Platform: "illumina", Site: "birm", Env: "prod"}

	sub, err := store.UpsertFile(ctx, identity, "csv", envelope.FileRef{
		URI: "s3://bucket/key.csv", ETag: "etag1", Uploader: "alice", LastSeen: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, sub.Files, 1)
	require.Contains(t, sub.Files, "csv")

	sub, err = store.UpsertFile(ctx, identity, "1.fastq.gz", envelope.FileRef{
		URI: "s3://bucket/key.fastq.gz", ETag: "etag2", Uploader: "bob", LastSeen: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, sub.Files, 2)
	require.ElementsMatch(t, []string{"alice", "bob"}, sub.Uploaders)

	got, err := store.Get(ctx, identity.ArtifactKey())
	require.NoError(t, err)
	require.Len(t, got.Files, 2)
}

func TestPostgresGetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)

	_, err := store.Get(ctx, "missing.sample.run")
	require.Error(t, err)

	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want %v", err, ErrNotFound)
	}
}

func TestPostgresMarkMatchedAndSweep(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)

	identity := Identity{Project: "mpx", SampleID: "s1", RunID: "r1", Platform: "ont", Site: "canc", Env: "prod"}

	_, err := store.UpsertFile(ctx, identity, "csv", envelope.FileRef{ETag: "e1", Uploader: "alice"})
	require.NoError(t, err)

	err = store.MarkMatched(ctx, identity.ArtifactKey(), "match-uuid-1", time.Now(), map[string]string{"csv": "e1"})
	require.NoError(t, err)

	sub, err := store.Get(ctx, identity.ArtifactKey())
	require.NoError(t, err)
	require.Equal(t, "match-uuid-1", sub.MatchUUID)
	require.Equal(t, "e1", sub.MatchedETags["csv"])

	// Force the row to look stale, then sweep it away.
	_, err = store.conn.ExecContext(ctx, `UPDATE submissions SET updated_at = now() - interval '100 hours'`)
	require.NoError(t, err)

	n, err := store.Sweep(ctx, 72*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = store.Get(ctx, identity.ArtifactKey())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresHealthCheck(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)

	require.NoError(t, store.HealthCheck(ctx))
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *SQLRepo {
	t.Helper()
	db, err := sql.Open(DriverSQLite, filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(context.Background(), db, DriverSQLite))
	// Migrations are idempotent.
	require.NoError(t, Migrate(context.Background(), db, DriverSQLite))

	repo, err := NewSQLRepo(db)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func record(id string, index int64, at time.Time) *UploadRecord {
	return &UploadRecord{
		ID:             id,
		Submitter:      "alice",
		FileURL:        "http://localhost:8080/blobs/" + id + ".png",
		ContentHash:    "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		PerceptualHash: "a1b2c3d4e5f60718",
		TxID:           "00ff",
		LedgerIndex:    index,
		Sentiment:      "positive",
		Score:          map[string]float64{"compound": 0.64, "pos": 0.5, "neu": 0.5, "neg": 0},
		Metadata:       map[string]interface{}{"format": "png", "width": float64(64)},
		CreatedAt:      at,
	}
}

func TestSQLRepo_InsertAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	in := record("7d3f0c9e-1111-4a1b-9c11-000000000001", 0, at)
	in.SealedMessage = "-----BEGIN AGE ENCRYPTED FILE-----"
	require.NoError(t, repo.Insert(ctx, in))

	got, err := repo.GetByID(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.Submitter, got.Submitter)
	assert.Equal(t, in.FileURL, got.FileURL)
	assert.Equal(t, in.PerceptualHash, got.PerceptualHash)
	assert.Equal(t, in.LedgerIndex, got.LedgerIndex)
	assert.Equal(t, in.Score, got.Score)
	assert.Equal(t, in.Metadata, got.Metadata)
	assert.Equal(t, in.SealedMessage, got.SealedMessage)
	assert.True(t, at.Equal(got.CreatedAt), "created_at %v", got.CreatedAt)
}

func TestSQLRepo_GetByID_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetByID(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestSQLRepo_DuplicateID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := record("dup", 0, time.Now())
	require.NoError(t, repo.Insert(ctx, rec))

	err := repo.Insert(ctx, record("dup", 1, time.Now()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)
}

func TestSQLRepo_ListAll_NewestFirst(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Insert(ctx, record("a", 0, base)))
	require.NoError(t, repo.Insert(ctx, record("c", 2, base.Add(2*time.Minute))))
	require.NoError(t, repo.Insert(ctx, record("b", 1, base.Add(time.Minute))))

	got, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestSQLRepo_ListAll_Empty(t *testing.T) {
	repo := newTestRepo(t)

	got, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSQLRepo_ListBySubmitter(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Insert(ctx, record("a1", 0, base)))
	bob := record("b1", 1, base.Add(time.Minute))
	bob.Submitter = "bob"
	require.NoError(t, repo.Insert(ctx, bob))
	require.NoError(t, repo.Insert(ctx, record("a2", 2, base.Add(2*time.Minute))))

	got, err := repo.ListBySubmitter(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"a2", "a1"}, []string{got[0].ID, got[1].ID})
	for _, rec := range got {
		assert.Equal(t, "alice", rec.Submitter)
	}

	got, err = repo.ListBySubmitter(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b1", got[0].ID)

	got, err = repo.ListBySubmitter(ctx, "carol")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestMigrate_UnknownDriver(t *testing.T) {
	db, err := sql.Open(DriverSQLite, filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	defer db.Close()

	assert.Error(t, Migrate(context.Background(), db, "postgres"))
}

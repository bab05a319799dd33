package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - entries table with append-only triggers
const currentSchemaVersion = 1

// SQLite is an embedded append-only ledger backed by a single SQLite file.
//
// The database is configured with:
//   - WAL mode so diagnostic reads never block the writer
//   - FULL synchronous mode: Append returns only after the commit is fsynced
//   - 5-second busy timeout for lock contention
//   - a single connection, which serializes writers
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens a ledger at path. Safe to call repeatedly.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("registry: open ledger: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: connect ledger: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: apply schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// SetClock replaces the timestamp source.
func (s *SQLite) SetClock(now func() time.Time) { s.now = now }

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) IsReachable(ctx context.Context) bool {
	if err := s.db.PingContext(ctx); err != nil {
		return false
	}
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='entries'",
	).Scan(&name)
	return err == nil
}

func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("registry: count: %w", classify(err))
	}
	return n, nil
}

func (s *SQLite) GetEntry(ctx context.Context, index int64) (ImageRecord, error) {
	rec := ImageRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT idx, content_hash, perceptual_hash, submitter, timestamp, tx_id, prev_tx_id
		FROM entries WHERE idx = ?`, index,
	).Scan(&rec.Index, &rec.ContentHash, &rec.PerceptualHash, &rec.Submitter, &rec.Timestamp, &rec.TxID, &rec.PrevTxID)
	if errors.Is(err, sql.ErrNoRows) {
		return ImageRecord{}, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	if err != nil {
		return ImageRecord{}, fmt.Errorf("registry: get entry %d: %w", index, classify(err))
	}
	return rec, nil
}

func (s *SQLite) Append(ctx context.Context, contentHash, perceptualHash, submitter string) (Receipt, error) {
	if err := validateEntry(contentHash, perceptualHash, submitter); err != nil {
		return Receipt{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("registry: append: begin tx: %w", classify(err))
	}
	defer tx.Rollback() // No-op if committed

	rec := ImageRecord{
		ContentHash:    contentHash,
		PerceptualHash: perceptualHash,
		Submitter:      submitter,
		Timestamp:      s.now().Unix(),
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&rec.Index); err != nil {
		return Receipt{}, fmt.Errorf("registry: append: count: %w", classify(err))
	}
	if rec.Index > 0 {
		err := tx.QueryRowContext(ctx, "SELECT tx_id FROM entries WHERE idx = ?", rec.Index-1).Scan(&rec.PrevTxID)
		if err != nil {
			return Receipt{}, fmt.Errorf("registry: append: previous entry: %w", classify(err))
		}
	}

	rec.TxID, err = TxID(rec)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrRegistryRejected, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (idx, content_hash, perceptual_hash, submitter, timestamp, tx_id, prev_tx_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Index, rec.ContentHash, rec.PerceptualHash, rec.Submitter, rec.Timestamp, rec.TxID, rec.PrevTxID,
	)
	if err != nil {
		return Receipt{}, fmt.Errorf("registry: append: insert: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return Receipt{}, fmt.Errorf("registry: append: commit: %w", classify(err))
	}

	return Receipt{TxID: rec.TxID, Index: rec.Index, Success: true}, nil
}

// classify maps a driver error onto the registry taxonomy: refusals the
// ledger made on purpose are rejections, everything else is unavailability.
func classify(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrFull, sqlite3.ErrTooBig, sqlite3.ErrReadonly:
			return fmt.Errorf("%w: %v", ErrRegistryRejected, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates the entries table and triggers if missing. Idempotent.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("ledger schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const dbTimeout = 2 * time.Second

// listLimit caps ListAll.
const listLimit = 100

const selectColumns = "id, submitter, file_url, content_hash, perceptual_hash, tx_id, ledger_index, sentiment, score, sealed_message, metadata, created_at"

// SQLRepo implements Repository using prepared statements and context timeouts.
// The statements use "?" placeholders, which both supported drivers accept.
type SQLRepo struct {
	db          *sql.DB
	stmtInsert  *sql.Stmt
	stmtGetByID *sql.Stmt
	stmtList    *sql.Stmt
	stmtBySub   *sql.Stmt
}

// NewSQLRepo prepares all statements up front. The caller owns the *sql.DB
// lifetime and must have run Migrate.
func NewSQLRepo(db *sql.DB) (*SQLRepo, error) {
	stmtInsert, err := db.Prepare(`INSERT INTO uploads
		(id, submitter, file_url, content_hash, perceptual_hash, tx_id, ledger_index, sentiment, score, sealed_message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	stmtGetByID, err := db.Prepare("SELECT " + selectColumns + " FROM uploads WHERE id = ?")
	if err != nil {
		stmtInsert.Close()
		return nil, fmt.Errorf("prepare getByID: %w", err)
	}

	stmtList, err := db.Prepare("SELECT " + selectColumns + " FROM uploads ORDER BY created_at DESC, ledger_index DESC LIMIT ?")
	if err != nil {
		stmtInsert.Close()
		stmtGetByID.Close()
		return nil, fmt.Errorf("prepare listAll: %w", err)
	}

	stmtBySub, err := db.Prepare("SELECT " + selectColumns + " FROM uploads WHERE submitter = ? ORDER BY created_at DESC, ledger_index DESC LIMIT ?")
	if err != nil {
		stmtInsert.Close()
		stmtGetByID.Close()
		stmtList.Close()
		return nil, fmt.Errorf("prepare listBySubmitter: %w", err)
	}

	return &SQLRepo{
		db:          db,
		stmtInsert:  stmtInsert,
		stmtGetByID: stmtGetByID,
		stmtList:    stmtList,
		stmtBySub:   stmtBySub,
	}, nil
}

// Insert stores a new upload record. CreatedAt defaults to now.
func (r *SQLRepo) Insert(ctx context.Context, rec *UploadRecord) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	scoreJSON, err := json.Marshal(rec.Score)
	if err != nil {
		return fmt.Errorf("repo insert marshal score: %w", err)
	}
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("repo insert marshal metadata: %w", err)
	}

	_, err = r.stmtInsert.ExecContext(ctx,
		rec.ID, rec.Submitter, rec.FileURL, rec.ContentHash, rec.PerceptualHash,
		rec.TxID, rec.LedgerIndex, rec.Sentiment, string(scoreJSON), rec.SealedMessage,
		string(metaJSON), rec.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("repo insert %s: %w", rec.ID, ErrDuplicate)
		}
		return fmt.Errorf("repo insert: %w", err)
	}
	return nil
}

// GetByID retrieves an upload record by UUID.
func (r *SQLRepo) GetByID(ctx context.Context, id string) (*UploadRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rec, err := scanRecord(r.stmtGetByID.QueryRowContext(ctx, id))
	if err != nil {
		return nil, fmt.Errorf("repo getByID: %w", err)
	}
	return rec, nil
}

// ListAll retrieves upload records ordered by most recent first.
func (r *SQLRepo) ListAll(ctx context.Context) ([]*UploadRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := r.stmtList.QueryContext(ctx, listLimit)
	if err != nil {
		return nil, fmt.Errorf("repo listAll: %w", err)
	}
	records, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("repo listAll: %w", err)
	}
	return records, nil
}

// ListBySubmitter retrieves one submitter's records ordered by most recent first.
func (r *SQLRepo) ListBySubmitter(ctx context.Context, submitter string) ([]*UploadRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := r.stmtBySub.QueryContext(ctx, submitter, listLimit)
	if err != nil {
		return nil, fmt.Errorf("repo listBySubmitter: %w", err)
	}
	records, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("repo listBySubmitter: %w", err)
	}
	return records, nil
}

// collect scans and closes rows. The result is never nil.
func collect(rows *sql.Rows) ([]*UploadRecord, error) {
	defer rows.Close()

	records := []*UploadRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close releases all prepared statements.
func (r *SQLRepo) Close() error {
	for _, s := range []*sql.Stmt{r.stmtInsert, r.stmtGetByID, r.stmtList, r.stmtBySub} {
		if s != nil {
			s.Close()
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*UploadRecord, error) {
	rec := &UploadRecord{}
	var scoreJSON, metaJSON []byte
	err := s.Scan(
		&rec.ID, &rec.Submitter, &rec.FileURL, &rec.ContentHash, &rec.PerceptualHash,
		&rec.TxID, &rec.LedgerIndex, &rec.Sentiment, &scoreJSON, &rec.SealedMessage,
		&metaJSON, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	// Corrupt JSON columns leave the maps empty rather than failing the read.
	if len(scoreJSON) > 0 {
		_ = json.Unmarshal(scoreJSON, &rec.Score)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &rec.Metadata)
	}
	return rec, nil
}

// Migrate creates the uploads table for the given driver if it is missing.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	var ddl []string
	switch driver {
	case DriverMySQL:
		ddl = mysqlSchema
	case DriverSQLite:
		ddl = sqliteSchema
	default:
		return fmt.Errorf("repository: unsupported driver %q", driver)
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("repository: migrate %s: %w", driver, err)
		}
	}
	return nil
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicate) || isMySQLDuplicate(err) || isSQLiteDuplicate(err)
}

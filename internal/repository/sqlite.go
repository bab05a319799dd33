package repository

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// DriverSQLite is the database/sql driver name registered by go-sqlite3.
const DriverSQLite = "sqlite3"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS uploads (
		id              TEXT     NOT NULL PRIMARY KEY,
		submitter       TEXT     NOT NULL,
		file_url        TEXT     NOT NULL,
		content_hash    TEXT     NOT NULL,
		perceptual_hash TEXT     NOT NULL,
		tx_id           TEXT     NOT NULL,
		ledger_index    INTEGER  NOT NULL,
		sentiment       TEXT     NOT NULL,
		score           TEXT,
		sealed_message  TEXT     NOT NULL,
		metadata        TEXT,
		created_at      DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_uploads_created_at ON uploads (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_uploads_submitter ON uploads (submitter, created_at)`,
}

func isSQLiteDuplicate(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

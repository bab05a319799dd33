package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// DriverMySQL is the database/sql driver name for MySQL. DSNs must set
// parseTime=true so created_at scans into time.Time.
const DriverMySQL = "mysql"

// erDupEntry is MySQL's ER_DUP_ENTRY.
const erDupEntry = 1062

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS uploads (
		id              CHAR(36)     NOT NULL PRIMARY KEY,
		submitter       VARCHAR(255) NOT NULL,
		file_url        TEXT         NOT NULL,
		content_hash    CHAR(64)     NOT NULL,
		perceptual_hash VARCHAR(64)  NOT NULL,
		tx_id           CHAR(64)     NOT NULL,
		ledger_index    BIGINT       NOT NULL,
		sentiment       VARCHAR(16)  NOT NULL,
		score           JSON         NULL,
		sealed_message  TEXT         NOT NULL,
		metadata        JSON         NULL,
		created_at      DATETIME(6)  NOT NULL,
		INDEX idx_uploads_created_at (created_at),
		INDEX idx_uploads_submitter (submitter, created_at)
	)`,
}

func isMySQLDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == erDupEntry
}

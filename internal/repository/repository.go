// Package repository persists upload metadata: one row per admitted image,
// written by the persistence worker after the ledger commit.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned by Insert when a record with the same id exists.
var ErrDuplicate = errors.New("repository: duplicate record")

// UploadRecord represents a persisted upload.
type UploadRecord struct {
	ID             string
	Submitter      string
	FileURL        string
	ContentHash    string
	PerceptualHash string
	TxID           string
	LedgerIndex    int64
	Sentiment      string
	Score          map[string]float64     // classifier scores, stored as JSON
	SealedMessage  string                 // armored age ciphertext, empty when sealing is off
	Metadata       map[string]interface{} // image metadata, stored as JSON
	CreatedAt      time.Time
}

// Repository is a small, focused interface for upload metadata persistence.
// Implementations must honour the supplied context for cancellation and timeouts.
type Repository interface {
	// Insert stores a new record. A repeated id yields ErrDuplicate.
	Insert(ctx context.Context, record *UploadRecord) error

	// GetByID retrieves a record by its UUID. Unknown ids wrap sql.ErrNoRows.
	GetByID(ctx context.Context, id string) (*UploadRecord, error)

	// ListAll retrieves the most recent records, newest first.
	ListAll(ctx context.Context) ([]*UploadRecord, error)

	// ListBySubmitter retrieves one submitter's most recent records, newest first.
	ListBySubmitter(ctx context.Context, submitter string) ([]*UploadRecord, error)
}

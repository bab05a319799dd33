// Package registry defines the append-only image ledger contract and its
// backends: an in-memory log, an embedded SQLite log and a gRPC remote client.
package registry

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRegistryUnavailable means the ledger could not be reached. Safe to retry.
	ErrRegistryUnavailable = errors.New("registry unavailable")

	// ErrRegistryRejected means the ledger refused the write.
	ErrRegistryRejected = errors.New("registry rejected write")

	// ErrNotFound means the requested index is outside [0, Count()).
	ErrNotFound = errors.New("registry entry not found")
)

// ImageRecord is one committed ledger entry. It is immutable once appended.
type ImageRecord struct {
	Index          int64  `json:"index"`
	ContentHash    string `json:"content_hash"`
	PerceptualHash string `json:"perceptual_hash"`
	Submitter      string `json:"submitter"`
	Timestamp      int64  `json:"timestamp"`
	TxID           string `json:"tx_id"`
	PrevTxID       string `json:"prev_tx_id,omitempty"`
}

// Receipt confirms a durable append.
type Receipt struct {
	TxID    string `json:"tx_id"`
	Index   int64  `json:"index"`
	Success bool   `json:"success"`
}

// Client is a synchronous view of an append-only, linearizable ledger.
// Implementations must honour the supplied context for cancellation and timeouts.
type Client interface {
	// IsReachable reports whether the ledger is reachable and deployed.
	IsReachable(ctx context.Context) bool

	// Count returns the number of committed entries.
	Count(ctx context.Context) (int64, error)

	// GetEntry returns the entry at index, or ErrNotFound.
	GetEntry(ctx context.Context, index int64) (ImageRecord, error)

	// Append commits a new entry and returns once it is durable.
	Append(ctx context.Context, contentHash, perceptualHash, submitter string) (Receipt, error)
}

// validateEntry applies the write rules every backend enforces before an
// entry reaches the log.
func validateEntry(contentHash, perceptualHash, submitter string) error {
	if !isHex(contentHash) {
		return fmt.Errorf("%w: content hash %q is not hex", ErrRegistryRejected, contentHash)
	}
	if !isHex(perceptualHash) {
		return fmt.Errorf("%w: perceptual hash %q is not hex", ErrRegistryRejected, perceptualHash)
	}
	if submitter == "" {
		return fmt.Errorf("%w: empty submitter", ErrRegistryRejected)
	}
	return nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

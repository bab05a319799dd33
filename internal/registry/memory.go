package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process append-only ledger. It is used for development
// and tests; entries do not survive a restart.
type Memory struct {
	mu        sync.RWMutex
	entries   []ImageRecord
	reachable bool
	now       func() time.Time
}

// NewMemory returns an empty, reachable in-memory ledger.
func NewMemory() *Memory {
	return &Memory{reachable: true, now: time.Now}
}

// SetClock replaces the timestamp source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetReachable toggles simulated reachability. An unreachable ledger fails
// every call with ErrRegistryUnavailable.
func (m *Memory) SetReachable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reachable = ok
}

func (m *Memory) IsReachable(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reachable && ctx.Err() == nil
}

func (m *Memory) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	return int64(len(m.entries)), nil
}

func (m *Memory) GetEntry(ctx context.Context, index int64) (ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return ImageRecord{}, err
	}
	if index < 0 || index >= int64(len(m.entries)) {
		return ImageRecord{}, fmt.Errorf("%w: index %d of %d", ErrNotFound, index, len(m.entries))
	}
	return m.entries[index], nil
}

func (m *Memory) Append(ctx context.Context, contentHash, perceptualHash, submitter string) (Receipt, error) {
	if err := validateEntry(contentHash, perceptualHash, submitter); err != nil {
		return Receipt{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return Receipt{}, err
	}

	rec := ImageRecord{
		Index:          int64(len(m.entries)),
		ContentHash:    contentHash,
		PerceptualHash: perceptualHash,
		Submitter:      submitter,
		Timestamp:      m.now().Unix(),
	}
	if n := len(m.entries); n > 0 {
		rec.PrevTxID = m.entries[n-1].TxID
	}
	txID, err := TxID(rec)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrRegistryRejected, err)
	}
	rec.TxID = txID
	m.entries = append(m.entries, rec)

	return Receipt{TxID: txID, Index: rec.Index, Success: true}, nil
}

// check must be called with m.mu held.
func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	if !m.reachable {
		return ErrRegistryUnavailable
	}
	return nil
}

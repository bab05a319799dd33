package registry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	shaA = strings.Repeat("ab", 32)
	shaB = strings.Repeat("cd", 32)
)

// clockAt returns a clock that advances one second per call.
func clockAt(start int64) func() time.Time {
	next := start
	return func() time.Time {
		t := time.Unix(next, 0)
		next++
		return t
	}
}

func newSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// backends runs fn against every local ledger implementation.
func backends(t *testing.T, fn func(t *testing.T, c Client)) {
	t.Run("memory", func(t *testing.T) {
		m := NewMemory()
		m.SetClock(clockAt(1700000000))
		fn(t, m)
	})
	t.Run("sqlite", func(t *testing.T) {
		s := newSQLite(t)
		s.SetClock(clockAt(1700000000))
		fn(t, s)
	})
}

func TestAppend_Monotonic(t *testing.T) {
	backends(t, func(t *testing.T, c Client) {
		ctx := context.Background()

		n, err := c.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		for i := int64(0); i < 3; i++ {
			before, err := c.Count(ctx)
			require.NoError(t, err)

			receipt, err := c.Append(ctx, shaA, "a1b2c3d4e5f60718", "alice")
			require.NoError(t, err)
			assert.True(t, receipt.Success)
			assert.Equal(t, before, receipt.Index, "new entry index equals prior count")
			assert.Len(t, receipt.TxID, 64)

			after, err := c.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, before+1, after)

			rec, err := c.GetEntry(ctx, after-1)
			require.NoError(t, err)
			assert.Equal(t, shaA, rec.ContentHash)
			assert.Equal(t, "a1b2c3d4e5f60718", rec.PerceptualHash)
			assert.Equal(t, "alice", rec.Submitter)
			assert.Equal(t, receipt.TxID, rec.TxID)
			assert.Equal(t, int64(1700000000)+i, rec.Timestamp)
		}
	})
}

func TestGetEntry_OutOfRange(t *testing.T) {
	backends(t, func(t *testing.T, c Client) {
		ctx := context.Background()
		_, err := c.Append(ctx, shaA, "ffff", "alice")
		require.NoError(t, err)

		for _, idx := range []int64{-1, 1, 42} {
			_, err := c.GetEntry(ctx, idx)
			assert.True(t, errors.Is(err, ErrNotFound), "index %d: got %v", idx, err)
		}
	})
}

func TestAppend_RejectsInvalidEntries(t *testing.T) {
	backends(t, func(t *testing.T, c Client) {
		ctx := context.Background()
		cases := []struct {
			name, content, phash, submitter string
		}{
			{"empty content hash", "", "ffff", "alice"},
			{"non-hex perceptual hash", shaA, "zzzz", "alice"},
			{"empty submitter", shaA, "ffff", ""},
		}
		for _, tc := range cases {
			_, err := c.Append(ctx, tc.content, tc.phash, tc.submitter)
			assert.True(t, errors.Is(err, ErrRegistryRejected), "%s: got %v", tc.name, err)
		}

		n, err := c.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "rejected writes must not change the count")
	})
}

func TestChain_LinksEntries(t *testing.T) {
	backends(t, func(t *testing.T, c Client) {
		ctx := context.Background()
		first, err := c.Append(ctx, shaA, "0f0f", "alice")
		require.NoError(t, err)
		_, err = c.Append(ctx, shaB, "f0f0", "bob")
		require.NoError(t, err)

		second, err := c.GetEntry(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, first.TxID, second.PrevTxID)

		n, err := VerifyChain(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})
}

func TestTxID_Deterministic(t *testing.T) {
	rec := ImageRecord{Index: 3, ContentHash: shaA, PerceptualHash: "abcd", Submitter: "alice", Timestamp: 1, PrevTxID: "00"}
	a, err := TxID(rec)
	require.NoError(t, err)
	b, err := TxID(rec)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	rec.Submitter = "mallory"
	c, err := TxID(rec)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestMemory_Unreachable(t *testing.T) {
	m := NewMemory()
	m.SetReachable(false)
	ctx := context.Background()

	assert.False(t, m.IsReachable(ctx))
	_, err := m.Count(ctx)
	assert.True(t, errors.Is(err, ErrRegistryUnavailable))
	_, err = m.Append(ctx, shaA, "ffff", "alice")
	assert.True(t, errors.Is(err, ErrRegistryUnavailable))
}

func TestSQLite_ReachableAndPersistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s1, err := OpenSQLite(path)
	require.NoError(t, err)
	assert.True(t, s1.IsReachable(ctx))
	_, err = s1.Append(ctx, shaA, "ffff", "alice")
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	n, err := s2.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = VerifyChain(ctx, s2)
	require.NoError(t, err)
}

func TestSQLite_EntriesAreAppendOnly(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	_, err := s.Append(ctx, shaA, "ffff", "alice")
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, "UPDATE entries SET submitter = 'mallory' WHERE idx = 0")
	assert.Error(t, err)

	_, err = s.db.ExecContext(ctx, "DELETE FROM entries WHERE idx = 0")
	assert.Error(t, err)

	rec, err := s.GetEntry(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Submitter)
}

func TestSQLite_ClosedIsUnreachable(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.False(t, s.IsReachable(ctx))
	_, err = s.Count(ctx)
	assert.True(t, errors.Is(err, ErrRegistryUnavailable), "got %v", err)
}

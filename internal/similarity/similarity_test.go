package similarity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtiwari1/pixelledger/internal/registry"
)

var sha = strings.Repeat("ab", 32)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// countingRegistry wraps a Memory ledger and records calls. It can fail reads
// of selected indices.
type countingRegistry struct {
	*registry.Memory

	mu       sync.Mutex
	gets     int
	failGets map[int64]bool
}

func newCounting() *countingRegistry {
	return &countingRegistry{Memory: registry.NewMemory(), failGets: map[int64]bool{}}
}

func (c *countingRegistry) GetEntry(ctx context.Context, index int64) (registry.ImageRecord, error) {
	c.mu.Lock()
	c.gets++
	fail := c.failGets[index]
	c.mu.Unlock()
	if fail {
		return registry.ImageRecord{}, fmt.Errorf("corrupt entry %d", index)
	}
	return c.Memory.GetEntry(ctx, index)
}

func (c *countingRegistry) getCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets
}

func seed(t *testing.T, reg registry.Client, hashes ...string) {
	t.Helper()
	for _, h := range hashes {
		_, err := reg.Append(context.Background(), sha, h, "alice")
		require.NoError(t, err)
	}
}

func TestHammingDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"a1b2c3d4", "a1b2c3d4", 0},
		{"0000", "0001", 1},
		{"0000", "ffff", 16},
		{"ABCD", "abcd", 0},
		{"a1b2c3d4", "de42c3d4", 11},
		{"", "", Incomparable},
		{"abcd", "", Incomparable},
		{"abcd", "abc", Incomparable},
		{"zzzz", "zzzz", Incomparable},
		{"abcd", "abcg", Incomparable},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, HammingDistance(tt.a, tt.b))
			assert.Equal(t, tt.want, HammingDistance(tt.b, tt.a))
		})
	}
}

func TestFindSimilar_ExactMatch(t *testing.T) {
	reg := registry.NewMemory()
	seed(t, reg, "a1b2c3d4")
	e := NewEngine(reg, discard())

	res, err := e.FindSimilar(context.Background(), "a1b2c3d4", DefaultThreshold)
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, 0, res.Matches[0].Distance)
	assert.Equal(t, int64(0), res.Matches[0].Index)
	assert.Equal(t, "alice", res.Matches[0].Record.Submitter)
	require.NotNil(t, res.MinDistance)
	assert.Equal(t, 0, *res.MinDistance)
}

func TestFindSimilar_AboveThreshold(t *testing.T) {
	reg := registry.NewMemory()
	seed(t, reg, "a1b2c3d4")
	e := NewEngine(reg, discard())

	res, err := e.FindSimilar(context.Background(), "de42c3d4", DefaultThreshold)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.Empty(t, res.Matches)
	require.NotNil(t, res.MinDistance)
	assert.Equal(t, 11, *res.MinDistance)
}

func TestFindSimilar_ThresholdBoundary(t *testing.T) {
	reg := registry.NewMemory()
	seed(t, reg, "00000000")
	e := NewEngine(reg, discard())

	// 0x0000001f differs in exactly 5 bits.
	res, err := e.FindSimilar(context.Background(), "0000001f", 5)
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)

	res, err = e.FindSimilar(context.Background(), "0000001f", 4)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.Equal(t, 5, *res.MinDistance)
}

func TestFindSimilar_ZeroThresholdSelfMatch(t *testing.T) {
	reg := registry.NewMemory()
	seed(t, reg, "ffff0000ffff0000")
	e := NewEngine(reg, discard())

	res, err := e.FindSimilar(context.Background(), "ffff0000ffff0000", 0)
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
}

func TestFindSimilar_MatchesInScanOrder(t *testing.T) {
	reg := registry.NewMemory()
	seed(t, reg, "000f", "ffff", "0000", "0001")
	e := NewEngine(reg, discard())

	res, err := e.FindSimilar(context.Background(), "0000", 4)
	require.NoError(t, err)
	require.Len(t, res.Matches, 3)
	assert.Equal(t, []int64{0, 2, 3}, []int64{res.Matches[0].Index, res.Matches[1].Index, res.Matches[2].Index})
	assert.Equal(t, []int{4, 0, 1}, []int{res.Matches[0].Distance, res.Matches[1].Distance, res.Matches[2].Distance})

	best, ok := res.Best()
	require.True(t, ok)
	assert.Equal(t, int64(0), best.Index)
	assert.Equal(t, 0, *res.MinDistance)
}

func TestFindSimilar_EmptyRegistry(t *testing.T) {
	reg := newCounting()
	e := NewEngine(reg, discard())

	res, err := e.FindSimilar(context.Background(), "a1b2c3d4", DefaultThreshold)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.Empty(t, res.Matches)
	assert.Nil(t, res.MinDistance)
	assert.Equal(t, 0, reg.getCalls())
}

func TestFindSimilar_IncomparableOnly(t *testing.T) {
	reg := registry.NewMemory()
	seed(t, reg, "abcd")
	e := NewEngine(reg, discard())

	res, err := e.FindSimilar(context.Background(), "a1b2c3d4", 64)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.Nil(t, res.MinDistance)
}

func TestFindSimilar_SkipsUnreadableEntry(t *testing.T) {
	reg := newCounting()
	seed(t, reg, "a1b2c3d4", "a1b2c3d4")
	reg.failGets[0] = true
	e := NewEngine(reg, discard())

	res, err := e.FindSimilar(context.Background(), "a1b2c3d4", DefaultThreshold)
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, int64(1), res.Matches[0].Index)
	assert.Equal(t, 2, reg.getCalls())
}

func TestFindSimilar_Unreachable(t *testing.T) {
	reg := newCounting()
	seed(t, reg, "a1b2c3d4")
	reg.SetReachable(false)
	e := NewEngine(reg, discard())

	_, err := e.FindSimilar(context.Background(), "a1b2c3d4", DefaultThreshold)
	assert.True(t, errors.Is(err, registry.ErrRegistryUnavailable), "got %v", err)
	assert.Equal(t, 0, reg.getCalls())
}

// slowRegistry delays every read, to exercise scan deadlines.
type slowRegistry struct {
	*registry.Memory
	delay time.Duration
}

func (s slowRegistry) GetEntry(ctx context.Context, index int64) (registry.ImageRecord, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return registry.ImageRecord{}, fmt.Errorf("%w: %v", registry.ErrRegistryUnavailable, ctx.Err())
	}
	return s.Memory.GetEntry(ctx, index)
}

func TestFindSimilar_DeadlineFailsWholeScan(t *testing.T) {
	mem := registry.NewMemory()
	seed(t, mem, "0000", "0000", "0000", "0000", "0000")
	e := NewEngine(slowRegistry{Memory: mem, delay: 50 * time.Millisecond}, discard())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	_, err := e.FindSimilar(ctx, "0000", DefaultThreshold)
	assert.True(t, errors.Is(err, registry.ErrRegistryUnavailable), "got %v", err)
}

// Package similarity scans the image registry for near-duplicates of a
// perceptual hash.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/bits"

	"github.com/mtiwari1/pixelledger/internal/registry"
)

// DefaultThreshold is the maximum Hamming distance, over a 64-bit hash,
// at which two images count as the same picture.
const DefaultThreshold = 10

// Incomparable is the distance reported for hashes that cannot be compared.
// No finite threshold admits it.
const Incomparable = math.MaxInt

// Match is one registry entry within the threshold.
type Match struct {
	Index    int64                `json:"index"`
	Record   registry.ImageRecord `json:"record"`
	Distance int                  `json:"distance"`
}

// Result is the outcome of one scan.
type Result struct {
	IsDuplicate bool    `json:"is_duplicate"`
	Matches     []Match `json:"matches"`
	// MinDistance is the smallest finite distance seen across every entry,
	// matched or not. Nil when the registry is empty or nothing compared.
	MinDistance *int `json:"min_distance"`
}

// Best returns the first match in scan order, which is the oldest entry.
func (r Result) Best() (Match, bool) {
	if len(r.Matches) == 0 {
		return Match{}, false
	}
	return r.Matches[0], true
}

// Engine runs linear scans over a registry.
type Engine struct {
	registry registry.Client
	logger   *slog.Logger
}

// NewEngine creates an engine over reg.
func NewEngine(reg registry.Client, logger *slog.Logger) *Engine {
	return &Engine{registry: reg, logger: logger}
}

// FindSimilar compares query against every entry, oldest first. It costs one
// registry read per entry.
//
// An unreachable registry, or a context that expires mid-scan, fails the
// whole call with registry.ErrRegistryUnavailable. A single unreadable entry
// is logged and skipped.
func (e *Engine) FindSimilar(ctx context.Context, query string, threshold int) (Result, error) {
	if !e.registry.IsReachable(ctx) {
		return Result{}, fmt.Errorf("similarity: %w", registry.ErrRegistryUnavailable)
	}

	count, err := e.registry.Count(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("similarity: count: %w", asUnavailable(err))
	}

	result := Result{Matches: []Match{}}
	if count == 0 {
		return result, nil
	}

	minDistance := Incomparable
	for i := int64(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("similarity: scan interrupted at %d/%d: %w: %v",
				i, count, registry.ErrRegistryUnavailable, err)
		}

		rec, err := e.registry.GetEntry(ctx, i)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("similarity: scan interrupted at %d/%d: %w: %v",
					i, count, registry.ErrRegistryUnavailable, ctx.Err())
			}
			e.logger.Warn("skipping unreadable registry entry",
				slog.Int64("index", i),
				slog.String("error", err.Error()),
			)
			continue
		}

		d := HammingDistance(query, rec.PerceptualHash)
		if d < minDistance {
			minDistance = d
		}
		if d <= threshold {
			result.Matches = append(result.Matches, Match{Index: i, Record: rec, Distance: d})
		}
	}

	if minDistance != Incomparable {
		result.MinDistance = &minDistance
	}
	result.IsDuplicate = len(result.Matches) > 0

	e.logger.Debug("similarity scan complete",
		slog.String("perceptual_hash", query),
		slog.Int64("entries", count),
		slog.Int("matches", len(result.Matches)),
	)
	return result, nil
}

// HammingDistance counts differing bits between two hex-encoded hashes.
// Empty, unequal-length or non-hex inputs yield Incomparable.
func HammingDistance(a, b string) int {
	if a == "" || len(a) != len(b) {
		return Incomparable
	}
	d := 0
	for i := 0; i < len(a); i++ {
		x, ok := nibble(a[i])
		if !ok {
			return Incomparable
		}
		y, ok := nibble(b[i])
		if !ok {
			return Incomparable
		}
		d += bits.OnesCount8(x ^ y)
	}
	return d
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func asUnavailable(err error) error {
	if errors.Is(err, registry.ErrRegistryUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", registry.ErrRegistryUnavailable, err)
}

package hasher

import (
	"fmt"
	"image"
	"math"
	"sort"

	"golang.org/x/image/draw"
)

const (
	// hashSize is the side of the low-frequency block kept from the DCT.
	hashSize = 8
	// dctSize is the side of the downscaled image fed to the DCT.
	dctSize = hashSize * 4
)

// cosTable[k][n] = cos(pi * k * (2n+1) / 2N), the DCT-II basis.
var cosTable = func() [hashSize][dctSize]float64 {
	var t [hashSize][dctSize]float64
	for k := 0; k < hashSize; k++ {
		for n := 0; n < dctSize; n++ {
			t[k][n] = math.Cos(math.Pi * float64(k) * float64(2*n+1) / float64(2*dctSize))
		}
	}
	return t
}()

// PerceptualHash computes a 64-bit DCT perceptual hash of img and returns it
// as 16 lowercase hex characters. The first bit of the 8x8 block (row-major)
// is the most significant bit.
func PerceptualHash(img image.Image) string {
	// Downscale straight into grayscale; no full-size copy.
	small := image.NewGray(image.Rect(0, 0, dctSize, dctSize))
	draw.CatmullRom.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var pixels [dctSize][dctSize]float64
	for y := 0; y < dctSize; y++ {
		for x := 0; x < dctSize; x++ {
			pixels[y][x] = float64(small.GrayAt(x, y).Y)
		}
	}

	low := lowFrequencyDCT(&pixels)
	median := medianOf(low[:])

	var bits uint64
	for i, v := range low {
		if v > median {
			bits |= 1 << uint(len(low)-1-i)
		}
	}
	return fmt.Sprintf("%016x", bits)
}

// lowFrequencyDCT runs a 2-D DCT-II over pixels and returns the top-left
// hashSize x hashSize coefficients in row-major order. Scaling factors are
// omitted; only the ordering relative to the median matters.
func lowFrequencyDCT(pixels *[dctSize][dctSize]float64) [hashSize * hashSize]float64 {
	// Rows: rowDCT[y][l] = sum_x pixels[y][x] * cos(l, x)
	var rowDCT [dctSize][hashSize]float64
	for y := 0; y < dctSize; y++ {
		for l := 0; l < hashSize; l++ {
			var sum float64
			for x := 0; x < dctSize; x++ {
				sum += pixels[y][x] * cosTable[l][x]
			}
			rowDCT[y][l] = sum
		}
	}

	// Columns over the row results.
	var out [hashSize * hashSize]float64
	for k := 0; k < hashSize; k++ {
		for l := 0; l < hashSize; l++ {
			var sum float64
			for y := 0; y < dctSize; y++ {
				sum += rowDCT[y][l] * cosTable[k][y]
			}
			out[k*hashSize+l] = sum
		}
	}
	return out
}

func medianOf(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case n%2 == 0:
		return (sorted[n/2-1] + sorted[n/2]) / 2
	default:
		return sorted[n/2]
	}
}

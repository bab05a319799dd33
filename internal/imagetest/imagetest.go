// Package imagetest generates deterministic test images.
package imagetest

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"
)

// Noise renders a smooth random field: a 9x9 lattice of random levels,
// bilinearly interpolated across w x h pixels. The same seed gives the same
// picture at any resolution; different seeds give perceptually different
// pictures.
func Noise(seed int64, w, h int) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	const cells = 8
	var lattice [cells + 1][cells + 1]float64
	for i := range lattice {
		for j := range lattice[i] {
			lattice[i][j] = rng.Float64() * 255
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			u := float64(x) / float64(w-1) * cells
			v := float64(y) / float64(h-1) * cells
			i, j := int(v), int(u)
			if i == cells {
				i--
			}
			if j == cells {
				j--
			}
			fu, fv := u-float64(j), v-float64(i)
			top := lattice[i][j]*(1-fu) + lattice[i][j+1]*fu
			bottom := lattice[i+1][j]*(1-fu) + lattice[i+1][j+1]*fu
			level := uint8(top*(1-fv) + bottom*fv)
			img.Set(x, y, color.RGBA{R: level, G: level / 2, B: 255 - level, A: 255})
		}
	}
	return img
}

// PNG encodes img.
func PNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// NoisePNG is Noise(seed, 128, 128) encoded as PNG.
func NoisePNG(t testing.TB, seed int64) []byte {
	t.Helper()
	return PNG(t, Noise(seed, 128, 128))
}

// PNGDeclaring returns a small PNG whose header claims w x h pixels. The
// header decodes; the pixel data does not match it.
func PNGDeclaring(t testing.TB, w, h uint32) []byte {
	t.Helper()
	data := PNG(t, Noise(5, 8, 8))
	// Signature(8), then IHDR: length(4) type(4) width(4) height(4) 5 more bytes, crc(4).
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

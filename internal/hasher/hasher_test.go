package hasher

import (
	"bytes"
	"errors"
	"image/jpeg"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtiwari1/pixelledger/internal/imagetest"
)

func distance(t *testing.T, a, b string) int {
	t.Helper()
	x, err := strconv.ParseUint(a, 16, 64)
	require.NoError(t, err)
	y, err := strconv.ParseUint(b, 16, 64)
	require.NoError(t, err)
	return bits.OnesCount64(x ^ y)
}

func TestContentHash_KnownVectors(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", ContentHash(nil))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", ContentHash([]byte("abc")))
}

func TestPerceptualHash_Deterministic(t *testing.T) {
	img := imagetest.Noise(1, 64, 64)

	h1 := PerceptualHash(img)
	h2 := PerceptualHash(img)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)
	_, err := strconv.ParseUint(h1, 16, 64)
	assert.NoError(t, err)
}

func TestPerceptualHash_RobustToRescale(t *testing.T) {
	small := PerceptualHash(imagetest.Noise(7, 64, 64))
	large := PerceptualHash(imagetest.Noise(7, 256, 256))

	assert.LessOrEqual(t, distance(t, small, large), 10)
}

func TestPerceptualHash_RobustToJPEG(t *testing.T) {
	img := imagetest.Noise(11, 128, 128)

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}))
	decoded, _, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	assert.LessOrEqual(t, distance(t, PerceptualHash(img), PerceptualHash(decoded)), 10)
}

func TestPerceptualHash_DistinguishesImages(t *testing.T) {
	a := PerceptualHash(imagetest.Noise(1, 128, 128))
	b := PerceptualHash(imagetest.Noise(2, 128, 128))

	assert.Greater(t, distance(t, a, b), 10)
}

func TestDecode_Garbage(t *testing.T) {
	_, _, err := Decode(bytes.NewReader([]byte("definitely not an image")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))

	var de *DecodeError
	assert.True(t, errors.As(err, &de))
}

func TestCompute_InMemory(t *testing.T) {
	data := imagetest.PNG(t, imagetest.Noise(3, 48, 32))

	d, err := Compute(data)
	require.NoError(t, err)
	assert.Equal(t, ContentHash(data), d.ContentHash)
	assert.Equal(t, "png", d.Format)
	assert.Equal(t, "image/png", d.MimeType)
	assert.Equal(t, 48, d.Width)
	assert.Equal(t, 32, d.Height)
	assert.Equal(t, int64(len(data)), d.Size)
}

func TestComputeFile_MatchesCompute(t *testing.T) {
	data := imagetest.PNG(t, imagetest.Noise(4, 64, 64))
	path := filepath.Join(t.TempDir(), "img.png")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	fromFile, err := ComputeFile(path)
	require.NoError(t, err)
	fromMemory, err := Compute(data)
	require.NoError(t, err)

	assert.Equal(t, fromMemory.ContentHash, fromFile.ContentHash)
	assert.Equal(t, fromMemory.PerceptualHash, fromFile.PerceptualHash)
	assert.Equal(t, fromMemory.Size, fromFile.Size)
	assert.Equal(t, "image/png", fromFile.MimeType)
}

func TestComputeFile_Errors(t *testing.T) {
	_, err := ComputeFile(filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDecode), "a missing file is not a decode error")

	path := filepath.Join(t.TempDir(), "bad.png")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))
	_, err = ComputeFile(path)
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestDecode_RefusesOversizeHeader(t *testing.T) {
	data := imagetest.PNGDeclaring(t, 12000, 12000)

	_, err := Compute(data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))
	assert.True(t, errors.Is(err, ErrTooLarge))

	path := filepath.Join(t.TempDir(), "huge.png")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	_, err = ComputeFile(path)
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestCodec_MaxPixels(t *testing.T) {
	data := imagetest.PNG(t, imagetest.Noise(3, 48, 32))

	_, err := Codec{MaxPixels: 48 * 32}.Compute(data)
	assert.NoError(t, err, "limit is inclusive")

	_, err = Codec{MaxPixels: 48*32 - 1}.Compute(data)
	assert.ErrorIs(t, err, ErrTooLarge)

	// Zero falls back to the default.
	_, err = Codec{}.Compute(imagetest.PNGDeclaring(t, 8000, 6000))
	assert.ErrorIs(t, err, ErrTooLarge)
}

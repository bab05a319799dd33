// Package hasher computes the two fingerprints of an uploaded image: a
// SHA-256 content hash for exact matching and a perceptual hash for
// similarity matching.
package hasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels is the default decode limit, about 40 megapixels.
const DefaultMaxPixels = 40 << 20

var (
	// ErrDecode marks input that is not a decodable image.
	ErrDecode = errors.New("image decode failed")

	// ErrTooLarge marks an image whose header declares more pixels than the
	// limit. It is always wrapped in a *DecodeError.
	ErrTooLarge = errors.New("image too large")
)

// DecodeError reports why image data could not be decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("hasher: %v: %v", ErrDecode, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// Digest holds both fingerprints plus basic metadata of one image.
type Digest struct {
	ContentHash    string // hex-encoded SHA256 of the raw bytes
	PerceptualHash string // 16 hex chars, 64-bit pHash
	Size           int64  // file size in bytes
	MimeType       string
	Format         string // decoder name, e.g. "png"
	Width          int
	Height         int
}

// Extra returns the metadata fields suitable for a JSON column.
func (d *Digest) Extra() map[string]interface{} {
	return map[string]interface{}{
		"mime_type": d.MimeType,
		"format":    d.Format,
		"width":     d.Width,
		"height":    d.Height,
		"size":      d.Size,
	}
}

// ContentHash returns the hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Codec hashes images no larger than MaxPixels.
type Codec struct {
	// MaxPixels caps width*height as declared by the image header.
	// Zero or less means DefaultMaxPixels.
	MaxPixels int64
}

func (c Codec) maxPixels() int64 {
	if c.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return c.MaxPixels
}

// Decode reads the image header, refuses images over the pixel limit, then
// decodes any registered format. Failures are *DecodeError.
func (c Codec) Decode(r io.ReadSeeker) (image.Image, string, error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	if limit := c.maxPixels(); int64(cfg.Width)*int64(cfg.Height) > limit {
		return nil, "", &DecodeError{
			Err: fmt.Errorf("%dx%d: %w (%d pixels)", cfg.Width, cfg.Height, ErrTooLarge, limit),
		}
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, "", fmt.Errorf("hasher: seek: %w", err)
	}

	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	return img, format, nil
}

// Decode is Codec{}.Decode.
func Decode(r io.ReadSeeker) (image.Image, string, error) {
	return Codec{}.Decode(r)
}

// Compute is Codec{}.Compute.
func Compute(data []byte) (*Digest, error) {
	return Codec{}.Compute(data)
}

// ComputeFile is Codec{}.ComputeFile.
func ComputeFile(filePath string) (*Digest, error) {
	return Codec{}.ComputeFile(filePath)
}

// Compute hashes an in-memory image.
func (c Codec) Compute(data []byte) (*Digest, error) {
	img, format, err := c.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	return &Digest{
		ContentHash:    ContentHash(data),
		PerceptualHash: PerceptualHash(img),
		Size:           int64(len(data)),
		MimeType:       http.DetectContentType(data),
		Format:         format,
		Width:          bounds.Dx(),
		Height:         bounds.Dy(),
	}, nil
}

// ComputeFile streams the file through SHA256, then decodes it for the
// perceptual hash.
func (c Codec) ComputeFile(filePath string) (*Digest, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("hasher: open file: %w", err)
	}
	defer f.Close()

	// 1. Read first 512 bytes for MIME detection
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("hasher: read head: %w", err)
	}
	mimeType := http.DetectContentType(head[:n])

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("hasher: seek: %w", err)
	}

	// 2. Compute hash & size (stream)
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("hasher: copy: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("hasher: seek: %w", err)
	}

	// 3. Decode pixels for the perceptual hash
	img, format, err := c.Decode(f)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()

	return &Digest{
		ContentHash:    hex.EncodeToString(h.Sum(nil)),
		PerceptualHash: PerceptualHash(img),
		Size:           size,
		MimeType:       mimeType,
		Format:         format,
		Width:          bounds.Dx(),
		Height:         bounds.Dy(),
	}, nil
}

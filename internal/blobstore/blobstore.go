// Package blobstore stores uploaded artifacts on the local filesystem and
// hands back a public URL for each.
package blobstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName rejects names that would escape the store directory.
var ErrInvalidName = errors.New("blobstore: invalid name")

// tempPattern names in-flight writes. The leading dot keeps them out of
// reach of Open, since the store directory is served as-is.
const tempPattern = ".blob-*.tmp"

// Store is the artifact storage collaborator.
type Store interface {
	// Put writes r under name and returns the artifact's public URL.
	Put(ctx context.Context, name string, r io.Reader) (string, error)
}

// FS is a Store backed by a directory. Writes are atomic: a reader never
// observes a partially written blob.
type FS struct {
	dir     string
	baseURL string
}

// NewFS creates dir if needed. baseURL is the externally visible prefix that
// serves the directory, e.g. "http://localhost:8080/blobs".
func NewFS(dir, baseURL string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create dir: %w", err)
	}
	return &FS{dir: filepath.Clean(dir), baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the backing directory.
func (s *FS) Dir() string { return s.dir }

func (s *FS) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	dest, err := s.path(name)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("blobstore: put %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return "", fmt.Errorf("blobstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	bw := bufio.NewWriter(tmp)
	if _, err := io.Copy(bw, &ctxReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("blobstore: write %s: %w", name, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("blobstore: flush %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("blobstore: close %s: %w", name, err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("blobstore: rename %s: %w", name, err)
	}
	return s.URL(name), nil
}

// Open returns the stored blob for reading.
func (s *FS) Open(name string) (*os.File, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %s: %w", name, err)
	}
	return f, nil
}

// URL returns the public URL of name.
func (s *FS) URL(name string) string {
	return s.baseURL + "/" + url.PathEscape(name)
}

// path resolves name inside the store, rejecting directory traversal.
func (s *FS) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	p := filepath.Clean(filepath.Join(s.dir, name))
	if !strings.HasPrefix(p, s.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return p, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

package admission

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mtiwari1/pixelledger/internal/hasher"
)

// Stage is a step of one admission attempt.
type Stage string

const (
	StageReceived          Stage = "RECEIVED"
	StageRejectedPolicy    Stage = "REJECTED_POLICY"
	StageHashed            Stage = "HASHED"
	StageDuplicateChecked  Stage = "DUPLICATE_CHECKED"
	StageRejectedDuplicate Stage = "REJECTED_DUPLICATE"
	StageCommitted         Stage = "COMMITTED"
	StagePersisting        Stage = "PERSISTING"
	StageFailed            Stage = "FAILED"
)

// Terminal reports whether no further stage follows s.
func (s Stage) Terminal() bool {
	switch s {
	case StageRejectedPolicy, StageRejectedDuplicate, StagePersisting, StageFailed:
		return true
	}
	return false
}

// session is one admission attempt. It is created per request and never
// shared between goroutines.
type session struct {
	id        string
	submitter string
	stage     Stage
	staged    *stagedFile
	digest    *hasher.Digest
	logger    *slog.Logger
}

func (s *session) advance(stage Stage, attrs ...any) {
	s.stage = stage
	s.logger.Info("admission stage", append([]any{slog.String("stage", string(stage))}, attrs...)...)
}

func (s *session) fail(err error) error {
	s.stage = StageFailed
	s.logger.Error("admission failed", slog.String("error", err.Error()))
	return err
}

// stagedFile is an upload spooled to disk. Cleanup removes it unless
// ownership has been handed off with Detach.
type stagedFile struct {
	path     string
	size     int64
	detached bool
}

// stage spools r into dir. Empty input is ErrEmptyUpload and leaves nothing
// behind.
func stage(dir string, r io.Reader) (*stagedFile, error) {
	tmp, err := os.CreateTemp(dir, "upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("admission: create spool file: %w", err)
	}
	path := tmp.Name()

	bw := bufio.NewWriter(tmp)
	n, err := io.Copy(bw, r)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("admission: spool upload: %w", err)
	}
	if n == 0 {
		os.Remove(path)
		return nil, ErrEmptyUpload
	}
	return &stagedFile{path: path, size: n}, nil
}

// Detach hands the file to a new owner and returns its path.
func (f *stagedFile) Detach() string {
	f.detached = true
	return f.path
}

// Cleanup removes the file unless it was detached.
func (f *stagedFile) Cleanup() {
	if f == nil || f.detached {
		return
	}
	os.Remove(f.path)
}

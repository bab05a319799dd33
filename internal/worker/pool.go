// Package worker implements a bounded worker pool that persists admitted
// uploads: artifact to the blob store, then the metadata row.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mtiwari1/pixelledger/internal/repository"
)

// DefaultJobTimeout bounds one job end to end.
const DefaultJobTimeout = 30 * time.Second

// BlobStore is the artifact storage the pool writes to.
type BlobStore interface {
	Put(ctx context.Context, name string, r io.Reader) (string, error)
}

// MetadataStore is the metadata sink the pool writes to.
type MetadataStore interface {
	Insert(ctx context.Context, record *repository.UploadRecord) error
}

// Job represents one committed upload awaiting persistence.
// Ctx carries request-scoped values only; the pool never lets a request's
// cancellation reach a job.
type Job struct {
	Ctx          context.Context
	ArtifactPath string // staged file; the pool removes it when done
	BlobName     string
	Record       repository.UploadRecord
}

// Result holds the outcome of processing a single job.
type Result struct {
	RecordID string
	FileURL  string
	Stored   bool // artifact reached the blob store
	Inserted bool // metadata row written
	Latency  time.Duration
	Err      error
}

// Stats are cumulative job counters.
type Stats struct {
	Submitted    int64 `json:"submitted"`
	Persisted    int64 `json:"persisted"`
	BlobFailed   int64 `json:"blob_failed"`
	InsertFailed int64 `json:"insert_failed"`
}

// Pool manages a fixed set of worker goroutines that process Jobs from a channel
// and emit Results to another channel.
type Pool struct {
	workers    int
	jobs       chan Job
	results    chan Result
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *slog.Logger
	blobs      BlobStore
	meta       MetadataStore
	jobTimeout time.Duration

	mu     sync.RWMutex
	closed bool

	submitted    atomic.Int64
	persisted    atomic.Int64
	blobFailed   atomic.Int64
	insertFailed atomic.Int64
}

// NewPool creates a pool with the given number of workers.
// Call Start() to launch the goroutines.
func NewPool(workers int, blobs BlobStore, meta MetadataStore, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:    workers,
		jobs:       make(chan Job, workers*2), // small buffer for backpressure
		results:    make(chan Result, workers*2),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		blobs:      blobs,
		meta:       meta,
		jobTimeout: DefaultJobTimeout,
	}
}

// SetJobTimeout overrides DefaultJobTimeout. Call before Start.
func (p *Pool) SetJobTimeout(d time.Duration) {
	if d > 0 {
		p.jobTimeout = d
	}
}

// Start launches worker goroutines. Each reads from the jobs channel until it is
// closed or the pool is aborted.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit enqueues a job. It blocks if the jobs channel buffer is full (backpressure).
// Returns false once the pool is shut down.
func (p *Pool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return true
	case <-p.ctx.Done():
		return false
	}
}

// Results returns the read-only results channel for the consumer.
// It must be drained, or workers stall once its buffer fills.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Stats returns a snapshot of the job counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:    p.submitted.Load(),
		Persisted:    p.persisted.Load(),
		BlobFailed:   p.blobFailed.Load(),
		InsertFailed: p.insertFailed.Load(),
	}
}

// Shutdown stops intake, waits for queued jobs to finish, then closes the
// results channel. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs) // signal workers to drain and exit
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	close(p.results)
}

// worker is the goroutine body. It processes jobs until the channel is closed
// or the pool is aborted, preventing goroutine leaks.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				p.logger.Info("worker exiting", slog.Int("worker_id", id))
				return
			}
			p.results <- p.process(id, job)

		case <-p.ctx.Done():
			p.logger.Info("worker cancelled", slog.Int("worker_id", id))
			return
		}
	}
}

// process stores the artifact, then inserts the metadata row. A failed blob
// write skips the insert. Neither step is retried, and the ledger entry
// that preceded the job is never rolled back.
func (p *Pool) process(workerID int, job Job) Result {
	parent := job.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.jobTimeout)
	defer cancel()

	defer func() {
		if job.ArtifactPath == "" {
			return
		}
		if err := os.Remove(job.ArtifactPath); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("remove staged artifact",
				slog.String("path", job.ArtifactPath),
				slog.String("error", err.Error()),
			)
		}
	}()

	rec := job.Record
	logger := p.logger.With(
		slog.Int("worker_id", workerID),
		slog.String("record_id", rec.ID),
	)

	start := time.Now()
	logger.Info("persistence started", slog.Time("start_time", start))

	res := Result{RecordID: rec.ID}

	url, err := p.putArtifact(ctx, job)
	if err != nil {
		res.Latency = time.Since(start)
		res.Err = err
		p.blobFailed.Add(1)
		logger.Error("blob upload failed, metadata insert skipped",
			slog.Duration("latency", res.Latency),
			slog.String("error", err.Error()),
		)
		return res
	}
	res.Stored = true
	res.FileURL = url
	rec.FileURL = url

	if err := p.meta.Insert(ctx, &rec); err != nil {
		res.Latency = time.Since(start)
		res.Err = fmt.Errorf("worker: insert metadata: %w", err)
		p.insertFailed.Add(1)
		logger.Error("metadata insert failed",
			slog.Duration("latency", res.Latency),
			slog.String("file_url", url),
			slog.String("error", err.Error()),
		)
		return res
	}
	res.Inserted = true
	res.Latency = time.Since(start)
	p.persisted.Add(1)

	logger.Info("persistence completed",
		slog.Duration("latency", res.Latency),
		slog.String("file_url", url),
		slog.Int64("ledger_index", rec.LedgerIndex),
	)
	return res
}

func (p *Pool) putArtifact(ctx context.Context, job Job) (string, error) {
	f, err := os.Open(job.ArtifactPath)
	if err != nil {
		return "", fmt.Errorf("worker: open artifact: %w", err)
	}
	defer f.Close()

	url, err := p.blobs.Put(ctx, job.BlobName, f)
	if err != nil {
		return "", fmt.Errorf("worker: put blob: %w", err)
	}
	return url, nil
}

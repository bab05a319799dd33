// Package admission runs an upload from receipt to ledger commit.
//
// The duplicate check and the ledger append form one critical section: a
// single registry-scoped lock is held from the similarity scan until the
// append returns, so two near-identical uploads racing each other can never
// both be committed. Persistence of the artifact and its metadata happens
// afterwards on the worker pool and never rolls the commit back.
package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mtiwari1/pixelledger/internal/classifier"
	"github.com/mtiwari1/pixelledger/internal/hasher"
	"github.com/mtiwari1/pixelledger/internal/registry"
	"github.com/mtiwari1/pixelledger/internal/repository"
	"github.com/mtiwari1/pixelledger/internal/seal"
	"github.com/mtiwari1/pixelledger/internal/similarity"
	"github.com/mtiwari1/pixelledger/internal/worker"
)

var (
	// ErrPolicyRejected means the accompanying message failed the content policy.
	ErrPolicyRejected = errors.New("admission: message rejected by content policy")

	// ErrEmptyUpload means no image bytes were supplied.
	ErrEmptyUpload = errors.New("admission: empty upload")
)

// Defaults for Options fields left zero.
const (
	DefaultScanTimeout   = 10 * time.Second
	DefaultAppendTimeout = 30 * time.Second
)

// JobQueue accepts persistence work. *worker.Pool implements it.
type JobQueue interface {
	Submit(job worker.Job) bool
}

// Options tune a Pipeline.
type Options struct {
	Threshold     int
	ScanTimeout   time.Duration
	AppendTimeout time.Duration
	SpoolDir      string
	MaxPixels     int64 // zero means hasher.DefaultMaxPixels
}

// Request is one upload attempt.
type Request struct {
	RequestID string // optional; generated when empty
	Image     io.Reader
	Message   string
	Submitter string
}

// Duplicate describes the registry entry an upload collided with.
type Duplicate struct {
	Index     int64
	Distance  int
	Threshold int
	Submitter string
	Timestamp int64
}

// Outcome reports how far an admission attempt got.
type Outcome struct {
	RequestID      string
	Stage          Stage
	Classification classifier.Classification
	Digest         *hasher.Digest
	Duplicate      *Duplicate       // set when Stage is StageRejectedDuplicate
	Receipt        registry.Receipt // set once committed
	RecordID       string           // metadata record id, once committed
	Queued         bool             // persistence job accepted by the worker pool
}

// CheckResult is the outcome of a read-only duplicate check.
type CheckResult struct {
	Digest *hasher.Digest
	Result similarity.Result
}

// Pipeline admits uploads into the registry.
type Pipeline struct {
	registry   registry.Client
	engine     *similarity.Engine
	classifier classifier.Classifier
	codec      hasher.Codec
	sealer     *seal.Sealer
	jobs       JobQueue
	opts       Options
	lock       chan struct{}
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a pipeline. sealer may be nil to store messages unsealed.
func New(
	reg registry.Client,
	cls classifier.Classifier,
	sealer *seal.Sealer,
	jobs JobQueue,
	opts Options,
	logger *slog.Logger,
) *Pipeline {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = DefaultAppendTimeout
	}
	if opts.SpoolDir == "" {
		opts.SpoolDir = os.TempDir()
	}
	return &Pipeline{
		registry:   reg,
		engine:     similarity.NewEngine(reg, logger),
		classifier: cls,
		codec:      hasher.Codec{MaxPixels: opts.MaxPixels},
		sealer:     sealer,
		jobs:       jobs,
		opts:       opts,
		lock:       make(chan struct{}, 1),
		logger:     logger,
		now:        time.Now,
	}
}

// Threshold returns the configured duplicate threshold.
func (p *Pipeline) Threshold() int { return p.opts.Threshold }

// Admit runs one upload through policy, hashing, the locked duplicate check
// and the ledger append, then queues persistence.
//
// A duplicate is not an error: the returned Outcome has Stage
// StageRejectedDuplicate and Duplicate set. On ErrPolicyRejected the Outcome
// still carries the classification.
func (p *Pipeline) Admit(ctx context.Context, req Request) (*Outcome, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	sess := &session{
		id:        req.RequestID,
		submitter: req.Submitter,
		logger: p.logger.With(
			slog.String("request_id", req.RequestID),
			slog.String("submitter", req.Submitter),
		),
	}
	out := &Outcome{RequestID: req.RequestID}
	defer func() { out.Stage = sess.stage }()

	sess.advance(StageReceived)
	if req.Image == nil {
		return out, sess.fail(ErrEmptyUpload)
	}
	if req.Submitter == "" {
		return out, sess.fail(errors.New("admission: empty submitter"))
	}

	// Policy runs before any hashing or registry traffic.
	cls, err := p.classifier.Classify(ctx, req.Message)
	if err != nil {
		return out, sess.fail(fmt.Errorf("admission: classify: %w", err))
	}
	out.Classification = cls
	if cls.Label == classifier.Negative {
		sess.advance(StageRejectedPolicy, slog.Float64("compound", cls.Scores.Compound))
		return out, ErrPolicyRejected
	}

	staged, err := stage(p.opts.SpoolDir, req.Image)
	if err != nil {
		return out, sess.fail(err)
	}
	sess.staged = staged
	defer staged.Cleanup()

	digest, err := p.codec.ComputeFile(staged.path)
	if err != nil {
		return out, sess.fail(fmt.Errorf("admission: %w", err))
	}
	sess.digest = digest
	out.Digest = digest
	sess.advance(StageHashed,
		slog.String("perceptual_hash", digest.PerceptualHash),
		slog.String("content_hash", digest.ContentHash),
	)

	receipt, dup, err := p.checkAndCommit(ctx, sess)
	if err != nil {
		return out, sess.fail(err)
	}
	if dup != nil {
		out.Duplicate = dup
		sess.advance(StageRejectedDuplicate,
			slog.Int64("existing_index", dup.Index),
			slog.Int("distance", dup.Distance),
		)
		return out, nil
	}
	out.Receipt = receipt

	out.RecordID, out.Queued = p.persist(ctx, sess, req.Message, cls, receipt)
	sess.advance(StagePersisting, slog.Bool("queued", out.Queued))
	return out, nil
}

// checkAndCommit is the critical section. It returns either a receipt or the
// duplicate that blocked the write.
func (p *Pipeline) checkAndCommit(ctx context.Context, sess *session) (registry.Receipt, *Duplicate, error) {
	if err := p.acquire(ctx); err != nil {
		return registry.Receipt{}, nil, err
	}
	defer p.release()

	result, err := p.scan(ctx, sess.digest.PerceptualHash)
	if err != nil {
		return registry.Receipt{}, nil, err
	}
	attrs := []any{slog.Int("matches", len(result.Matches))}
	if result.MinDistance != nil {
		attrs = append(attrs, slog.Int("min_distance", *result.MinDistance))
	}
	sess.advance(StageDuplicateChecked, attrs...)

	if best, ok := result.Best(); ok {
		return registry.Receipt{}, &Duplicate{
			Index:     best.Index,
			Distance:  best.Distance,
			Threshold: p.opts.Threshold,
			Submitter: best.Record.Submitter,
			Timestamp: best.Record.Timestamp,
		}, nil
	}

	// A caller that goes away must not cancel a submitted write.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.AppendTimeout)
	defer cancel()

	receipt, err := p.registry.Append(appendCtx, sess.digest.ContentHash, sess.digest.PerceptualHash, sess.submitter)
	if err != nil {
		return registry.Receipt{}, nil, fmt.Errorf("admission: append: %w", err)
	}
	if !receipt.Success {
		return registry.Receipt{}, nil, fmt.Errorf("admission: append: %w", registry.ErrRegistryRejected)
	}
	sess.advance(StageCommitted,
		slog.String("tx_id", receipt.TxID),
		slog.Int64("index", receipt.Index),
	)
	return receipt, nil, nil
}

// scan runs FindSimilar under ScanTimeout.
func (p *Pipeline) scan(ctx context.Context, phash string) (similarity.Result, error) {
	scanCtx, cancel := context.WithTimeout(ctx, p.opts.ScanTimeout)
	defer cancel()

	result, err := p.engine.FindSimilar(scanCtx, phash, p.opts.Threshold)
	if err != nil {
		if !errors.Is(err, registry.ErrRegistryUnavailable) {
			err = fmt.Errorf("%w: %v", registry.ErrRegistryUnavailable, err)
		}
		return similarity.Result{}, fmt.Errorf("admission: duplicate check: %w", err)
	}
	return result, nil
}

func (p *Pipeline) acquire(ctx context.Context) error {
	select {
	case p.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("admission: waiting for registry lock: %w", ctx.Err())
	}
}

func (p *Pipeline) release() { <-p.lock }

// persist seals the message and hands the staged artifact to the worker
// pool. Failures here are logged: the ledger commit already stands.
func (p *Pipeline) persist(ctx context.Context, sess *session, message string, cls classifier.Classification, receipt registry.Receipt) (string, bool) {
	sealed, err := p.sealer.Seal(message)
	if err != nil {
		sess.logger.Error("seal message, storing record without it", slog.String("error", err.Error()))
		sealed = ""
	}

	recordID := uuid.New().String()
	job := worker.Job{
		Ctx:      context.WithoutCancel(ctx),
		BlobName: recordID + extension(sess.digest.Format),
		Record: repository.UploadRecord{
			ID:             recordID,
			Submitter:      sess.submitter,
			ContentHash:    sess.digest.ContentHash,
			PerceptualHash: sess.digest.PerceptualHash,
			TxID:           receipt.TxID,
			LedgerIndex:    receipt.Index,
			Sentiment:      cls.Label,
			Score:          cls.Scores.Map(),
			SealedMessage:  sealed,
			Metadata:       sess.digest.Extra(),
			CreatedAt:      p.now(),
		},
	}
	job.ArtifactPath = sess.staged.Detach()

	if !p.jobs.Submit(job) {
		os.Remove(job.ArtifactPath)
		sess.logger.Warn("persistence queue closed, artifact dropped",
			slog.String("record_id", recordID),
			slog.Int64("index", receipt.Index),
		)
		return recordID, false
	}
	return recordID, true
}

// Check reports similar registry entries without taking the admission lock
// or writing anything.
func (p *Pipeline) Check(ctx context.Context, image io.Reader) (*CheckResult, error) {
	if image == nil {
		return nil, ErrEmptyUpload
	}
	staged, err := stage(p.opts.SpoolDir, image)
	if err != nil {
		return nil, err
	}
	defer staged.Cleanup()

	digest, err := p.codec.ComputeFile(staged.path)
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}

	result, err := p.scan(ctx, digest.PerceptualHash)
	if err != nil {
		return nil, err
	}
	return &CheckResult{Digest: digest, Result: result}, nil
}

func extension(format string) string {
	switch format {
	case "":
		return ""
	case "jpeg":
		return ".jpg"
	default:
		return "." + format
	}
}

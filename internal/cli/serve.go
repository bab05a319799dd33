package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/mtiwari1/pixelledger/internal/admission"
	"github.com/mtiwari1/pixelledger/internal/auth"
	"github.com/mtiwari1/pixelledger/internal/blobstore"
	"github.com/mtiwari1/pixelledger/internal/classifier"
	"github.com/mtiwari1/pixelledger/internal/config"
	"github.com/mtiwari1/pixelledger/internal/grpcserver"
	"github.com/mtiwari1/pixelledger/internal/registry"
	"github.com/mtiwari1/pixelledger/internal/repository"
	"github.com/mtiwari1/pixelledger/internal/restapi"
	"github.com/mtiwari1/pixelledger/internal/seal"
	"github.com/mtiwari1/pixelledger/internal/worker"
	pb "github.com/mtiwari1/pixelledger/proto"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ExposeLedger bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload API",
		Long: `Run the HTTP upload API together with the persistence worker pool.

With --expose-ledger and a local registry backend (memory or sqlite), the
registry is also served over gRPC on ledger.listen so other nodes can use it
as their grpc backend.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(os.Stdout)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return runServe(cmdContext(cmd), cfg, opts.ExposeLedger, logger)
		},
	}

	cmd.Flags().BoolVar(&opts.ExposeLedger, "expose-ledger", false, "serve the local registry over gRPC on ledger.listen")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, exposeLedger bool, logger *slog.Logger) error {
	logger.Info("starting pixelledger", slog.String("registry", cfg.Registry.Backend))

	// ── Directories ──
	for _, dir := range []string{cfg.SpoolDir, cfg.Storage.BlobDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	// ── Metadata database ──
	db, err := openMetadata(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database connected", slog.String("driver", cfg.Metadata.Driver))

	repo, err := repository.NewSQLRepo(db)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repo.Close()

	// ── Registry ──
	if exposeLedger && cfg.Registry.Backend == config.BackendGRPC {
		return errors.New("--expose-ledger needs a local registry backend")
	}
	reg, closeRegistry, err := openRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer closeRegistry()

	// ── Collaborators ──
	blobs, err := blobstore.NewFS(cfg.Storage.BlobDir, cfg.Storage.PublicBaseURL)
	if err != nil {
		return err
	}

	creds := make([]auth.Credential, 0, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		creds = append(creds, auth.Credential{Identity: t.Identity, TokenHash: t.TokenHash})
	}
	verifier, err := auth.NewStatic(creds)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	if verifier.Anonymous() {
		logger.Warn("no upload tokens configured, accepting anonymous uploads")
	}

	sealer, err := seal.NewSealer(cfg.Seal.Recipients)
	if err != nil {
		return fmt.Errorf("init sealer: %w", err)
	}

	// ── Optional gRPC ledger ──
	var grpcSrv *grpc.Server
	if exposeLedger {
		grpcSrv, err = startLedgerServer(cfg.Ledger.Listen, reg, logger)
		if err != nil {
			return err
		}
	}

	// ── Worker pool ──
	pool := worker.NewPool(cfg.Workers, blobs, repo, logger)
	pool.Start()
	logger.Info("worker pool started", slog.Int("workers", cfg.Workers))

	resultsDone := make(chan struct{})
	go func() {
		defer close(resultsDone)
		handleResults(pool.Results(), logger)
	}()

	lexicon := classifier.NewLexicon(cfg.Classifier.Positive, cfg.Classifier.Negative)
	pipeline := admission.New(
		reg,
		lexicon,
		sealer,
		pool,
		admission.Options{
			Threshold:     cfg.Similarity.Threshold,
			ScanTimeout:   cfg.Similarity.ScanTimeout,
			AppendTimeout: cfg.Registry.AppendTimeout,
			SpoolDir:      cfg.SpoolDir,
			MaxPixels:     cfg.MaxPixels,
		},
		logger,
	)

	// ── REST API ──
	handler := restapi.NewHandler(restapi.Deps{
		Pipeline:       pipeline,
		Registry:       reg,
		Repo:           repo,
		Blobs:          blobs,
		Verifier:       verifier,
		Classifier:     lexicon,
		DB:             db,
		Workers:        pool,
		SpoolDir:       cfg.SpoolDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// ── Graceful shutdown (SIGINT / SIGTERM) ──
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled")
	case runErr = <-serveErr:
		logger.Error("HTTP serve", slog.String("error", runErr.Error()))
	}

	// 1. Stop accepting new HTTP requests.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown", slog.String("error", err.Error()))
	}
	logger.Info("HTTP server stopped")

	// 2. Stop gRPC server gracefully.
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
		logger.Info("gRPC server stopped")
	}

	// 3. Drain worker pool.
	pool.Shutdown()
	logger.Info("worker pool drained")

	// 4. Wait for results handler to finish.
	<-resultsDone
	st := pool.Stats()
	logger.Info("pixelledger shutdown complete",
		slog.Int64("persisted", st.Persisted),
		slog.Int64("blob_failed", st.BlobFailed),
		slog.Int64("insert_failed", st.InsertFailed),
	)
	return runErr
}

// startLedgerServer serves reg over gRPC on addr until GracefulStop.
func startLedgerServer(addr string, reg registry.Client, logger *slog.Logger) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen gRPC: %w", err)
	}
	grpcSrv := grpc.NewServer()
	pb.RegisterLedgerServer(grpcSrv, grpcserver.NewServer(reg, logger))

	go func() {
		logger.Info("gRPC ledger listening", slog.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("gRPC serve", slog.String("error", err.Error()))
		}
	}()
	return grpcSrv, nil
}

// handleResults logs persistence outcomes. Failures are final: the ledger
// entry stays and the upload is reported here only.
func handleResults(results <-chan worker.Result, logger *slog.Logger) {
	for res := range results {
		if res.Err != nil {
			logger.Error("persistence failed",
				slog.String("record_id", res.RecordID),
				slog.Bool("stored", res.Stored),
				slog.Bool("inserted", res.Inserted),
				slog.String("error", res.Err.Error()),
			)
			continue
		}
		logger.Info("upload persisted",
			slog.String("record_id", res.RecordID),
			slog.String("file_url", res.FileURL),
			slog.Duration("latency", res.Latency),
		)
	}
}

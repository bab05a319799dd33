package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mtiwari1/pixelledger/internal/registry"
)

// NewLedgerCommand creates the ledger command group.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Run or inspect the append-only image ledger",
	}
	cmd.AddCommand(newLedgerServeCommand(rootOpts))
	cmd.AddCommand(newLedgerVerifyCommand(rootOpts))
	return cmd
}

func newLedgerServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve a SQLite ledger over gRPC",
		Long: `Open the SQLite ledger at ledger.path and serve it on ledger.listen.
Upload nodes reach it with registry.backend=grpc.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load(os.Stdout)
			if err != nil {
				return err
			}
			if err := ensureParent(cfg.Ledger.Path); err != nil {
				return err
			}
			lg, err := registry.OpenSQLite(cfg.Ledger.Path)
			if err != nil {
				return err
			}
			defer lg.Close()

			srv, err := startLedgerServer(cfg.Ledger.Listen, lg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			srv.GracefulStop()
			logger.Info("gRPC ledger stopped", slog.String("path", cfg.Ledger.Path))
			return nil
		},
	}
}

func newLedgerVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain of the configured registry",
		Long: `Walk every entry of the configured registry in index order and check
that transaction ids match entry contents and that each entry links to its
predecessor.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := rootOpts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmdContext(cmd)
			reg, closeRegistry, err := openRegistry(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeRegistry()

			n, err := registry.VerifyChain(ctx, reg)
			if err != nil {
				return fmt.Errorf("chain broken after %d entries: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %d entries verified\n", n)
			return nil
		},
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

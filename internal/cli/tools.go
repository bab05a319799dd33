package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/mtiwari1/pixelledger/internal/auth"
	"github.com/mtiwari1/pixelledger/internal/hasher"
	"github.com/mtiwari1/pixelledger/internal/seal"
	"github.com/mtiwari1/pixelledger/internal/similarity"
)

// NewHashCommand creates the hash command.
func NewHashCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "hash <image>",
		Short:        "Print the content and perceptual hash of an image",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := rootOpts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			d, err := hasher.Codec{MaxPixels: cfg.MaxPixels}.ComputeFile(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"file":            args[0],
				"sha256":          d.ContentHash,
				"perceptual_hash": d.PerceptualHash,
				"format":          d.Format,
				"width":           d.Width,
				"height":          d.Height,
				"size":            d.Size,
			})
		},
	}
}

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	Threshold int
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check <image>",
		Short: "Report registry entries near an image without registering it",
		Long: `Hash the image and scan the configured registry. Exits non-zero when
the image would be rejected as a duplicate.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			threshold := cfg.Similarity.Threshold
			if cmd.Flags().Changed("threshold") {
				threshold = opts.Threshold
			}

			d, err := hasher.Codec{MaxPixels: cfg.MaxPixels}.ComputeFile(args[0])
			if err != nil {
				return err
			}

			ctx := cmdContext(cmd)
			reg, closeRegistry, err := openRegistry(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeRegistry()

			res, err := similarity.NewEngine(reg, logger).FindSimilar(ctx, d.PerceptualHash, threshold)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"perceptual_hash": d.PerceptualHash,
				"threshold":       threshold,
				"is_duplicate":    res.IsDuplicate,
				"min_distance":    res.MinDistance,
				"matches":         res.Matches,
			}); err != nil {
				return err
			}
			if res.IsDuplicate {
				return errors.New("image is a duplicate")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Threshold, "threshold", similarity.DefaultThreshold, "override similarity.threshold")

	return cmd
}

// NewTokenHashCommand creates the token-hash command.
func NewTokenHashCommand(rootOpts *RootOptions) *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "token-hash [token]",
		Short: "Hash an upload token for auth.tokens",
		Long: `Print the bcrypt hash of a token for use as auth.tokens[].token_hash.
The token is read from stdin when not given as an argument.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimRight(line, "\r\n")
			}
			hash, err := auth.HashToken(token, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")

	return cmd
}

// NewUnsealCommand creates the unseal command.
func NewUnsealCommand(rootOpts *RootOptions) *cobra.Command {
	var identityPath string

	cmd := &cobra.Command{
		Use:   "unseal [file]",
		Short: "Decrypt a sealed upload message",
		Long: `Decrypt an armored sealed_message with an age identity file. The
message is read from the named file, or stdin when omitted.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if identityPath == "" {
				return errors.New("--identity is required")
			}
			f, err := os.Open(identityPath)
			if err != nil {
				return err
			}
			ids, err := seal.ParseIdentities(f)
			f.Close()
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if len(args) == 1 {
				mf, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer mf.Close()
				in = mf
			}
			armored, err := io.ReadAll(in)
			if err != nil {
				return err
			}

			msg, err := seal.Open(string(armored), ids...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}

	cmd.Flags().StringVarP(&identityPath, "identity", "i", "", "age identity file")

	return cmd
}

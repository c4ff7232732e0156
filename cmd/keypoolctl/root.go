package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	apperrors "github.com/spounge-ai/keypool/internal/errors"
	infra_config "github.com/spounge-ai/keypool/internal/infra/config"
	"github.com/spounge-ai/keypool/internal/wiring"
	"github.com/spounge-ai/keypool/pkg/keypool"
)

// app is the state shared by every subcommand of one invocation.
type app struct {
	configPath string
	container  *wiring.Container
	classifier *apperrors.ErrorClassifier
	stderr     io.Writer
}

func newRootCmd(a *app, stdout io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keypoolctl",
		Short: "Administer a rate-limited API key pool",
		Long: `keypoolctl manages the API keys of a key pool: it stores and removes
keys, edits their domains, puts them on cooldown, acquires capacity and
applies the pool's migrations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := infra_config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("%w: %w", apperrors.ErrConfig, err)
			}
			logger := wiring.NewLogger(cfg.Log, a.stderr)
			a.container = wiring.NewContainer(cfg, logger)
			a.classifier = apperrors.NewErrorClassifier(logger)
			return nil
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(a.stderr)
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("KEYPOOL_CONFIG_PATH"), "path to the config file")

	rootCmd.AddCommand(
		newMigrateCmd(a),
		newAddCmd(a),
		newRemoveCmd(a),
		newListCmd(a),
		newDomainCmd(a),
		newTimeoutCmd(a),
		newFlagCmd(a),
		newAcquireCmd(a),
		newHealthCmd(a),
		newStatsCmd(a),
	)
	return rootCmd
}

func (a *app) close() error {
	if a.container == nil {
		return nil
	}
	err := a.container.Close()
	a.container = nil
	return err
}

func (a *app) storage(ctx context.Context) (keypool.Storage, error) {
	return a.container.Storage(ctx)
}

// fail classifies err, logs it, and returns the sanitized error.
func (a *app) fail(ctx context.Context, operation string, err error) error {
	if a.classifier == nil {
		return err
	}
	return a.classifier.LogAndSanitize(ctx, a.classifier.Classify(err, operation))
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stderr: stderr}
	rootCmd := newRootCmd(a, stdout)
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(ctx)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err == nil {
		return 0
	}

	fmt.Fprintf(stderr, "error: %v\n", err)
	var sanitized *apperrors.SanitizedError
	if errors.As(err, &sanitized) {
		return sanitized.Class.ExitCode()
	}
	if errors.Is(err, apperrors.ErrConfig) {
		return apperrors.ClassValidation.ExitCode()
	}
	return 1
}

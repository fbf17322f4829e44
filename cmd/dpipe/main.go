package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"defensepipe/internal/config"
	"defensepipe/internal/logging"
	"defensepipe/internal/ux"
)

var (
	// Global flags
	verbose    bool
	quiet      bool
	workspace  string
	configPath string
	timeout    time.Duration

	// Resolved in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dpipe",
	Short: "defensepipe - DefenseFinder batch pipeline",
	Long: `defensepipe drives DefenseFinder over a directory of FASTA assemblies
and maintains the metadata tables used by the downstream statistics.

  dpipe setup      create the conda environment and install DefenseFinder
  dpipe batch      run DefenseFinder on every *.fasta and count the results
  dpipe run        setup followed by batch

AMRFinderPlus and Bakta runs, metadata augmentation and the run ledger have
their own subcommands.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configFilePath()
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", path, err)
		}
		logger, err = logging.New(cfg.Logging, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.Named(logger, logging.CategoryBoot).Debug("config resolved",
			zap.String("path", path), zap.String("workspace", workspaceDir()))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only print warnings and errors")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.dpipe/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Overall deadline (0 = none)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status. Cancellation exits 130;
// errors that carry the exit status of a failed external tool pass it through.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		if code := coded.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}

// commandContext is canceled by SIGINT/SIGTERM and by --timeout.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func workspaceDir() string {
	if workspace == "" {
		return "."
	}
	return workspace
}

// resolve interprets a relative path against the workspace.
func resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspaceDir(), p)
}

func newPrinter(cmd *cobra.Command) *ux.Printer {
	p := ux.NewPrinter(cmd.OutOrStdout())
	p.SetQuiet(quiet)
	return p
}

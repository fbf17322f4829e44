package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"defensepipe/internal/batch"
	"defensepipe/internal/defensefinder"
	"defensepipe/internal/envsetup"
	"defensepipe/internal/summary"
	"defensepipe/internal/ux"
)

var (
	// setup flags
	setupEnv    string
	setupPython string
	setupReuse  bool
	setupNoUpd  bool

	// batch flags
	batchDir         string
	batchJobs        int
	batchCountMode   string
	batchFileTimeout time.Duration
	batchNoEnv       bool

	// watch flags
	watchDebounce time.Duration
	watchBackfill bool
)

// setupCmd bootstraps the DefenseFinder environment
var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the conda environment and install DefenseFinder",
	Long: `Runs, in order and each announced before it starts:
  1. <manager> create -y -n <env> python=<version>
  2. <manager> run -n <env> pip install <packages>
  3. <manager> run -n <env> defense-finder update

The first failing step stops the bootstrap and its exit status becomes
dpipe's. With --reuse an existing environment is kept and step 1 skipped.`,
	Args: cobra.NoArgs,
	RunE: runSetup,
}

// batchCmd runs DefenseFinder over a directory
var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run DefenseFinder on every FASTA file and write the summary",
	Long: `Invokes "defense-finder run <file>" once per *.fasta file in the
directory, in name order, from inside that directory. The first failing file
stops the batch: later files are not processed and no summary is written.
When every file succeeded the systems tables are counted into
total-system-number.tsv.`,
	Args: cobra.NoArgs,
	RunE: runBatch,
}

// runCmd is the whole pipeline
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Set up the environment, then run the batch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runSetup(cmd, args); err != nil {
			return err
		}
		return runBatch(cmd, args)
	},
}

// summarizeCmd rewrites the summary from existing tables
var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Count the systems tables into the summary file",
	Args:  cobra.NoArgs,
	RunE:  runSummarize,
}

// watchCmd processes FASTA files as they arrive
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Process new FASTA files as they appear",
	Long: `Watches the directory and runs DefenseFinder on each new *.fasta file
once its size has been stable for the debounce interval. The summary is
rewritten after every success. A failing file is reported and watching
continues. Stops on Ctrl-C.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	for _, c := range []*cobra.Command{setupCmd, runCmd} {
		c.Flags().StringVar(&setupEnv, "env", "", "Environment name (default from config)")
		c.Flags().StringVar(&setupPython, "python", "", "Python version (default from config)")
		c.Flags().BoolVar(&setupReuse, "reuse", false, "Keep an existing environment instead of creating it")
		c.Flags().BoolVar(&setupNoUpd, "no-update", false, "Skip the model database update")
	}
	for _, c := range []*cobra.Command{batchCmd, runCmd, summarizeCmd, watchCmd} {
		c.Flags().StringVarP(&batchDir, "dir", "d", "", "Directory holding the FASTA files (default: workspace)")
		c.Flags().StringVar(&batchCountMode, "count-mode", "", "Summary count mode: lines or systems (default from config)")
	}
	for _, c := range []*cobra.Command{batchCmd, runCmd, watchCmd} {
		c.Flags().DurationVar(&batchFileTimeout, "file-timeout", 0, "Per-file deadline (0 = config, none by default)")
		c.Flags().BoolVar(&batchNoEnv, "no-env", false, "Run the tool directly instead of inside the environment")
	}
	for _, c := range []*cobra.Command{batchCmd, runCmd} {
		c.Flags().IntVarP(&batchJobs, "jobs", "j", 0, "Files processed concurrently (default from config, 1)")
	}
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 0, "Stable-size interval before a file is processed")
	watchCmd.Flags().BoolVar(&watchBackfill, "backfill", false, "Also process existing files that have no output yet")

	rootCmd.AddCommand(setupCmd, batchCmd, runCmd, summarizeCmd, watchCmd)
}

func runSetup(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	plan := envsetup.PlanFromConfig(cfg.Environment, cfg.DefenseFinder.Binary)
	if setupEnv != "" {
		plan.EnvName = setupEnv
	}
	if setupPython != "" {
		plan.Python = setupPython
	}
	if setupReuse {
		plan.ReuseExisting = true
	}
	if setupNoUpd {
		plan.UpdateDatabase = false
	}

	s := envsetup.New(newExecutor(cmd.ErrOrStderr()), newPrinter(cmd), logger)
	s.SetOutput(cmd.OutOrStdout(), cmd.ErrOrStderr())
	_, err := s.Run(ctx, plan)
	return err
}

func countMode() (summary.Mode, error) {
	m := cfg.DefenseFinder.CountMode
	if batchCountMode != "" {
		m = batchCountMode
	}
	return summary.ParseMode(m)
}

func batchDirectory() string {
	if batchDir != "" {
		return resolve(batchDir)
	}
	return workspaceDir()
}

func newDefenseFinder() *defensefinder.Tool {
	df := cfg.DefenseFinder
	return defensefinder.New(df.Binary, df.ExtraArgs, df.OutputSuffix)
}

// newBatchRunner wires the Batch Runner from config and flags.
func newBatchRunner(cmd *cobra.Command, printer *ux.Printer, recorder batch.Recorder) (*batch.Runner, error) {
	mode, err := countMode()
	if err != nil {
		return nil, err
	}
	jobs := cfg.DefenseFinder.Jobs
	if batchJobs > 0 {
		jobs = batchJobs
	}
	fileTimeout := cfg.GetFileTimeout()
	if batchFileTimeout > 0 {
		fileTimeout = batchFileTimeout
	}
	env := setupEnv
	if env == "" {
		env = cfg.Environment.Name
	}
	if batchNoEnv {
		env = ""
	}

	tool := newDefenseFinder()
	return batch.NewRunner(tool, envExecutor(env, cmd.ErrOrStderr()), batch.Config{
		Dir:           batchDirectory(),
		Pattern:       cfg.DefenseFinder.InputPattern,
		OutputPattern: "*" + tool.Suffix,
		SummaryName:   cfg.DefenseFinder.SummaryFile,
		CountMode:     mode,
		Jobs:          jobs,
		FileTimeout:   fileTimeout,
		Stdout:        cmd.OutOrStdout(),
		Stderr:        cmd.ErrOrStderr(),
		Recorder:      recorder,
		Printer:       printer,
		Logger:        logger,
	}), nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	recorder, closeLedger := openLedger()
	defer closeLedger()

	printer := newPrinter(cmd)
	runner, err := newBatchRunner(cmd, printer, recorder)
	if err != nil {
		return err
	}
	report, err := runner.Run(ctx)
	if err != nil {
		if report != nil && report.RunID != "" {
			printer.Detail("Run %s recorded; see dpipe runs show %.8s", report.RunID, report.RunID)
		}
		return err
	}
	printer.Success("Processed %d files in %s, summary %s", report.Processed(),
		report.Duration.Round(time.Millisecond), report.SummaryPath)
	return nil
}

func runSummarize(cmd *cobra.Command, args []string) error {
	mode, err := countMode()
	if err != nil {
		return err
	}
	dir := batchDirectory()
	entries, err := summary.Write(dir, "*"+newDefenseFinder().Suffix, cfg.DefenseFinder.SummaryFile, mode)
	if err != nil {
		return err
	}
	if !quiet {
		if err := summary.Format(cmd.OutOrStdout(), entries); err != nil {
			return err
		}
	}
	newPrinter(cmd).Success("Wrote %d entries to %s", len(entries), cfg.DefenseFinder.SummaryFile)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	recorder, closeLedger := openLedger()
	defer closeLedger()

	printer := newPrinter(cmd)
	runner, err := newBatchRunner(cmd, printer, recorder)
	if err != nil {
		return err
	}
	if _, err := os.Stat(runner.Config().Dir); err != nil {
		return fmt.Errorf("cannot watch %s: %w", runner.Config().Dir, err)
	}

	debounce := cfg.GetWatchDebounce()
	if watchDebounce > 0 {
		debounce = watchDebounce
	}
	w, err := batch.NewWatcher(runner, batch.WatchConfig{Debounce: debounce, Backfill: watchBackfill})
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

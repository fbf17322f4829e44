package main

import (
	"github.com/spf13/cobra"

	"defensepipe/internal/amrfinder"
)

var (
	amrAssembliesDir  string
	amrOutputDir      string
	amrCombinedOutput string
	amrMaxWorkers     int
	amrOrganism       string
	amrTestRun        bool
	amrFilterMetadata string
)

// amrfinderCmd groups the AMRFinderPlus commands
var amrfinderCmd = &cobra.Command{
	Use:   "amrfinder",
	Short: "Run AMRFinderPlus over the assemblies",
}

var amrfinderRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run AMRFinderPlus on every assembly, then combine the reports",
	Long: `Runs "amrfinder --nucleotide <fasta> --organism <organism>" inside the
AMRFinderPlus environment with a bounded worker pool. Each assembly gets a
size-dependent deadline. Failures are tallied and do not stop the run.
The per-assembly reports are then combined into one CSV.`,
	Args: cobra.NoArgs,
	RunE: runAMRFinder,
}

var amrfinderCombineCmd = &cobra.Command{
	Use:   "combine",
	Short: "Combine existing AMRFinderPlus reports into one CSV",
	Args:  cobra.NoArgs,
	RunE:  runAMRCombine,
}

func init() {
	amrfinderRunCmd.Flags().StringVar(&amrAssembliesDir, "assemblies-dir", "", "Directory containing FASTA assemblies")
	amrfinderRunCmd.Flags().IntVar(&amrMaxWorkers, "max-workers", 0, "Concurrent AMRFinderPlus processes")
	amrfinderRunCmd.Flags().StringVar(&amrOrganism, "organism", "", "Organism passed to --organism")
	amrfinderRunCmd.Flags().BoolVar(&amrTestRun, "test-run", false, "Only process the first 10 assemblies")
	amrfinderRunCmd.Flags().StringVar(&amrFilterMetadata, "filter-metadata", "", "Only process contigs listed in this metadata CSV")
	for _, c := range []*cobra.Command{amrfinderRunCmd, amrfinderCombineCmd} {
		c.Flags().StringVar(&amrOutputDir, "output-dir", "", "Directory for per-assembly reports")
		c.Flags().StringVar(&amrCombinedOutput, "combined-output", "", "Combined CSV path")
	}

	amrfinderCmd.AddCommand(amrfinderRunCmd, amrfinderCombineCmd)
	rootCmd.AddCommand(amrfinderCmd)
}

func amrPaths() (outputDir, combined string) {
	outputDir = cfg.AMRFinder.OutputDir
	if amrOutputDir != "" {
		outputDir = amrOutputDir
	}
	combined = cfg.AMRFinder.CombinedOutput
	if amrCombinedOutput != "" {
		combined = amrCombinedOutput
	}
	return resolve(outputDir), resolve(combined)
}

func runAMRFinder(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	ac := cfg.AMRFinder
	assemblies := ac.AssembliesDir
	if amrAssembliesDir != "" {
		assemblies = amrAssembliesDir
	}
	if amrOrganism != "" {
		ac.Organism = amrOrganism
	}
	if amrMaxWorkers > 0 {
		ac.MaxWorkers = amrMaxWorkers
	}
	outputDir, combined := amrPaths()

	printer := newPrinter(cmd)
	inputs, err := amrfinder.CollectInputs(resolve(assemblies), resolve(amrFilterMetadata), logger)
	if err != nil {
		return err
	}
	if amrTestRun && len(inputs) > amrfinder.TestRunLimit {
		printer.Warn("Test run: processing %d of %d assemblies", amrfinder.TestRunLimit, len(inputs))
		inputs = inputs[:amrfinder.TestRunLimit]
	}

	recorder, closeLedger := openLedger()
	defer closeLedger()

	runner := amrfinder.NewRunner(envExecutor(ac.Environment, cmd.ErrOrStderr()), amrfinder.Config{
		Tool: amrfinder.Tool{
			Binary:    ac.Binary,
			Organism:  ac.Organism,
			OutputDir: outputDir,
		},
		MaxWorkers: ac.MaxWorkers,
		Recorder:   recorder,
		Printer:    printer,
		Logger:     logger,
	})
	if _, err := runner.Run(ctx, inputs); err != nil {
		return err
	}

	report, err := amrfinder.Combine(outputDir, combined, logger)
	if err != nil {
		return err
	}
	report.Print(printer)
	return nil
}

func runAMRCombine(cmd *cobra.Command, args []string) error {
	outputDir, combined := amrPaths()
	report, err := amrfinder.Combine(outputDir, combined, logger)
	if err != nil {
		return err
	}
	report.Print(newPrinter(cmd))
	return nil
}

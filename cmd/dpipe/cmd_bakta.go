package main

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"defensepipe/internal/bakta"
	"defensepipe/internal/logging"
	"defensepipe/internal/metadata"
)

var (
	baktaAssembliesDir string
	baktaMetadata      string
	baktaOut           string

	baktaParamsFile    string
	baktaRepliconFile  string
	baktaDryRun        bool
	baktaMaxConcurrent int
	baktaBatchSize     int
)

// baktaCmd groups the Bakta commands
var baktaCmd = &cobra.Command{
	Use:   "bakta",
	Short: "Annotate assemblies through the Bakta web API",
}

var baktaParamsCmd = &cobra.Command{
	Use:   "params",
	Short: "Derive Bakta job parameters from FASTA headers and metadata",
	Long: `Reads the first header of every *.fasta file and joins it with the
metadata on Contig. Writes bakta_parameters.json, replicons.csv and
extraction_summary.txt to the output directory.`,
	Args: cobra.NoArgs,
	RunE: runBaktaParams,
}

var baktaSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit, monitor and download Bakta jobs in batches",
	Args:  cobra.NoArgs,
	RunE:  runBaktaSubmit,
}

func init() {
	baktaParamsCmd.Flags().StringVar(&baktaAssembliesDir, "assemblies-dir", "", "Directory containing FASTA assemblies")
	baktaParamsCmd.Flags().StringVar(&baktaMetadata, "metadata", "metadata_updated.csv", "Metadata CSV joined on Contig")
	baktaParamsCmd.Flags().StringVar(&baktaOut, "out", "", "Output directory (default from config)")

	baktaSubmitCmd.Flags().StringVar(&baktaParamsFile, "params-file", "", "bakta_parameters.json (default: <params dir>/bakta_parameters.json)")
	baktaSubmitCmd.Flags().StringVar(&baktaRepliconFile, "replicon-file", "", "replicons.csv (default: next to the params file)")
	baktaSubmitCmd.Flags().BoolVar(&baktaDryRun, "dry-run", false, "List the jobs without calling the API")
	baktaSubmitCmd.Flags().IntVar(&baktaMaxConcurrent, "max-concurrent", 0, "Jobs submitted and monitored concurrently")
	baktaSubmitCmd.Flags().IntVar(&baktaBatchSize, "batch-size", 0, "Jobs per batch")

	baktaCmd.AddCommand(baktaParamsCmd, baktaSubmitCmd)
	rootCmd.AddCommand(baktaCmd)
}

func baktaParamsDir() string {
	if baktaOut != "" {
		return resolve(baktaOut)
	}
	return resolve(cfg.Bakta.ParamsDir)
}

func runBaktaParams(cmd *cobra.Command, args []string) error {
	assemblies := baktaAssembliesDir
	if assemblies == "" {
		assemblies = cfg.AMRFinder.AssembliesDir
	}

	var meta *metadata.Table
	if baktaMetadata != "" {
		t, err := metadata.Read(resolve(baktaMetadata))
		if err != nil {
			logging.Named(logger, logging.CategoryBakta).Warn("metadata unavailable, using FASTA headers only",
				zap.String("path", baktaMetadata), zap.Error(err))
		} else {
			meta = t
		}
	}

	ex, err := bakta.ExtractParameters(resolve(assemblies), meta, baktaParamsDir(), logger)
	if err != nil {
		return err
	}
	printer := newPrinter(cmd)
	printer.Success("Extracted parameters for %d files", len(ex.Params))
	printer.Detail("Parameters: %s", filepath.Join(baktaParamsDir(), bakta.ParamsFile))
	printer.Detail("Replicons:  %s (%d rows)", filepath.Join(baktaParamsDir(), bakta.RepliconsFile), ex.Replicons.Len())
	return nil
}

func runBaktaSubmit(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	paramsFile := resolve(baktaParamsFile)
	if paramsFile == "" {
		paramsFile = filepath.Join(baktaParamsDir(), bakta.ParamsFile)
	}
	params, err := bakta.LoadParameters(paramsFile)
	if err != nil {
		return err
	}

	repliconFile := resolve(baktaRepliconFile)
	if repliconFile == "" {
		repliconFile = filepath.Join(filepath.Dir(paramsFile), bakta.RepliconsFile)
	}
	replicons, err := metadata.Read(repliconFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		replicons = nil
	}

	bc := cfg.Bakta
	if baktaMaxConcurrent > 0 {
		bc.MaxConcurrent = baktaMaxConcurrent
	}
	if baktaBatchSize > 0 {
		bc.BatchSize = baktaBatchSize
	}

	client := bakta.NewClient(bc.BaseURL, cfg.GetBaktaTimeout(), logger)
	defer client.Close()

	recorder, closeLedger := openLedger()
	defer closeLedger()

	runner := bakta.NewRunner(client, bakta.RunnerConfig{
		ResultsDir:    resolve(bc.ResultsDir),
		BatchSize:     bc.BatchSize,
		MaxConcurrent: bc.MaxConcurrent,
		MaxRetries:    bc.MaxRetries,
		PollInterval:  cfg.GetBaktaPollInterval(),
		MaxWait:       cfg.GetBaktaMaxWait(),
		BatchPause:    cfg.GetBaktaBatchPause(),
		DryRun:        baktaDryRun,
		Recorder:      recorder,
		Printer:       newPrinter(cmd),
		Logger:        logger,
	})
	rep, err := runner.Run(ctx, params, replicons)
	if err != nil {
		return err
	}
	if rep.Path != "" {
		newPrinter(cmd).Detail("Report: %s", rep.Path)
	}
	return nil
}

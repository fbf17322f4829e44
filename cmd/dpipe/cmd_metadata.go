package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"defensepipe/internal/metadata"
)

var (
	metaSystemsDir  string
	metaBaktaDir    string
	metaMetadataDir string
	metaPrtRoot     string
	metaColumn      string
	metaValue       string
	metaPlasmidOut  string
	metaChromoOut   string
	metaRoot        string
)

// metadataCmd groups the metadata table commands
var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Augment, filter and split the assembly metadata tables",
}

var metaAddDefenseFinderCmd = &cobra.Command{
	Use:   "add-defensefinder",
	Short: "Add systems_count, defensefinder and systems_gene_count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return transformTable(cmd, func(t *metadata.Table) error {
			found, err := metadata.AddDefenseFinder(t, resolve(metaSystemsDir))
			if err != nil {
				return err
			}
			newPrinter(cmd).Detail("%d of %d contigs have a systems table", found, t.Len())
			return nil
		})
	},
}

var metaAddAMRISCmd = &cobra.Command{
	Use:   "add-amr-is",
	Short: "Add AMR and IS counts, IS density and presence columns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return transformTable(cmd, func(t *metadata.Table) error {
			metadata.AddAMRIS(t)
			return nil
		})
	},
}

var metaAddGeneCountsCmd = &cobra.Command{
	Use:   "add-gene-counts",
	Short: "Set gene_count from Bakta results in every metadata*.csv",
	Long: `Counts "cds" features in every *_bakta_results.json(.gz) under the
Bakta results directory and rewrites each metadata*.csv in the metadata
directory with a gene_count column.`,
	Args: cobra.NoArgs,
	RunE: runAddGeneCounts,
}

var metaAddSystemLengthCmd = &cobra.Command{
	Use:   "add-system-length",
	Short: "Add system_length from Prodigal .prt protein files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return transformTable(cmd, func(t *metadata.Table) error {
			missing, err := metadata.AddSystemLength(t, resolve(metaPrtRoot))
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				newPrinter(cmd).Warn("%d protein IDs not found in .prt files: %s",
					len(missing), strings.Join(missing, ", "))
			}
			return nil
		})
	},
}

var metaFilterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Keep rows whose column equals a value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		input, output := tablePaths(cmd)
		t, err := metadata.Read(input)
		if err != nil {
			return err
		}
		out := metadata.FilterEquals(t, metaColumn, metaValue)
		if err := out.Write(output); err != nil {
			return err
		}
		newPrinter(cmd).Success("Kept %d of %d rows with %s == %s", out.Len(), t.Len(), metaColumn, metaValue)
		return nil
	},
}

var metaSplitTypeCmd = &cobra.Command{
	Use:   "split-type",
	Short: "Split rows into plasmid and chromosome tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		input, _ := tablePaths(cmd)
		t, err := metadata.Read(input)
		if err != nil {
			return err
		}
		plasmid, chromosome := metadata.SplitByType(t)
		if err := plasmid.Write(resolve(metaPlasmidOut)); err != nil {
			return err
		}
		if err := chromosome.Write(resolve(metaChromoOut)); err != nil {
			return err
		}
		p := newPrinter(cmd)
		p.Success("Wrote %d plasmid rows to %s", plasmid.Len(), metaPlasmidOut)
		p.Success("Wrote %d chromosome rows to %s", chromosome.Len(), metaChromoOut)
		return nil
	},
}

var metaSystemsDetailCmd = &cobra.Command{
	Use:   "systems-detail",
	Short: "Write one row per detected system per contig",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		input, output := tablePaths(cmd)
		t, err := metadata.Read(input)
		if err != nil {
			return err
		}
		tables, err := metadata.FindSystemsTables(resolve(metaRoot))
		if err != nil {
			return err
		}
		out, err := metadata.SystemsDetail(t, tables)
		if err != nil {
			return err
		}
		if err := out.WriteMinimal(output); err != nil {
			return err
		}
		newPrinter(cmd).Success("Wrote %d rows for %d contigs to %s", out.Len(), t.Len(), output)
		return nil
	},
}

func init() {
	// Defaults differ per command, so -i and -o are read back with tablePaths.
	ioFlags := func(c *cobra.Command, in, out string) {
		c.Flags().StringP("input", "i", in, "Input CSV")
		c.Flags().StringP("output", "o", out, "Output CSV")
	}
	ioFlags(metaAddDefenseFinderCmd, "metadata_updated.csv", "metadata_updated.csv")
	ioFlags(metaAddAMRISCmd, "metadata_updated.csv", "metadata_updated.csv")
	ioFlags(metaAddSystemLengthCmd, "metadata_updated_ecoli_systems_detail.csv", "metadata_updated_ecoli_systems_detail.csv")
	ioFlags(metaFilterCmd, "metadata_updated.csv", "metadata_updated_ecoli.csv")
	ioFlags(metaSystemsDetailCmd, "metadata_updated_ecoli.csv", "metadata_updated_ecoli_systems_detail.csv")
	metaSplitTypeCmd.Flags().StringP("input", "i", "metadata_updated_ecoli.csv", "Input CSV")

	metaAddDefenseFinderCmd.Flags().StringVar(&metaSystemsDir, "systems-dir", ".", "Directory holding <Contig>_defense_finder_systems.tsv")
	metaAddGeneCountsCmd.Flags().StringVar(&metaBaktaDir, "bakta-dir", "", "Bakta results (default: scripts/bakta_results, then bakta_results)")
	metaAddGeneCountsCmd.Flags().StringVar(&metaMetadataDir, "metadata-dir", ".", "Directory holding metadata*.csv")
	metaAddSystemLengthCmd.Flags().StringVar(&metaPrtRoot, "prt-root", ".", "Root searched for .prt files")
	metaFilterCmd.Flags().StringVar(&metaColumn, "column", "mlst-PubMLST", "Column compared")
	metaFilterCmd.Flags().StringVar(&metaValue, "value", "ecoli", "Value kept")
	metaSplitTypeCmd.Flags().StringVarP(&metaPlasmidOut, "plasmid-out", "p", "metadata_updated_ecoli_plasmid.csv", "Plasmid rows")
	metaSplitTypeCmd.Flags().StringVarP(&metaChromoOut, "chromosome-out", "c", "metadata_updated_ecoli_chromosome.csv", "Chromosome rows")
	metaSystemsDetailCmd.Flags().StringVar(&metaRoot, "root", ".", "Root searched for systems tables")

	metadataCmd.AddCommand(
		metaAddDefenseFinderCmd,
		metaAddAMRISCmd,
		metaAddGeneCountsCmd,
		metaAddSystemLengthCmd,
		metaFilterCmd,
		metaSplitTypeCmd,
		metaSystemsDetailCmd,
	)
	rootCmd.AddCommand(metadataCmd)
}

// tablePaths returns the resolved -i and -o of cmd.
func tablePaths(cmd *cobra.Command) (input, output string) {
	input, _ = cmd.Flags().GetString("input")
	output, _ = cmd.Flags().GetString("output")
	return resolve(input), resolve(output)
}

// transformTable reads -i, applies fn and writes the result to -o.
func transformTable(cmd *cobra.Command, fn func(t *metadata.Table) error) error {
	input, output := tablePaths(cmd)
	t, err := metadata.Read(input)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		return err
	}
	if err := t.Write(output); err != nil {
		return err
	}
	newPrinter(cmd).Success("Wrote %d rows to %s", t.Len(), output)
	return nil
}

func baktaResultsDir() string {
	if metaBaktaDir != "" {
		return resolve(metaBaktaDir)
	}
	for _, dir := range []string{"scripts/bakta_results", "bakta_results"} {
		if info, err := os.Stat(resolve(dir)); err == nil && info.IsDir() {
			return resolve(dir)
		}
	}
	return resolve(cfg.Bakta.ResultsDir)
}

func runAddGeneCounts(cmd *cobra.Command, args []string) error {
	printer := newPrinter(cmd)
	dir := baktaResultsDir()
	counts, err := metadata.CountBaktaGenes(dir, logger)
	if err != nil {
		return err
	}
	printer.Step("Counted genes for %d contigs from %s", len(counts), dir)

	updates, err := metadata.UpdateGeneCounts(resolve(metaMetadataDir), counts)
	if err != nil {
		return err
	}
	for _, u := range updates {
		printer.Detail("%s: %d of %d rows updated", u.Path, u.Updated, u.Rows)
	}
	printer.Success("Updated %d metadata files", len(updates))
	return nil
}

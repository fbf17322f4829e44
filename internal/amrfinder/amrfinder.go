// Package amrfinder runs AMRFinderPlus over a directory of assemblies and
// combines the per-assembly reports into one table.
//
// Unlike the DefenseFinder batch, a failing assembly does not stop the run:
// each input gets its own status and the run reports the tally.
package amrfinder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"defensepipe/internal/fsutil"
	"defensepipe/internal/logging"
	"defensepipe/internal/metadata"
	"defensepipe/internal/tactile"
)

// ResultSuffix is appended to an assembly stem to name its report.
const ResultSuffix = "_amrfinder.tsv"

// TestRunLimit is how many inputs a test run keeps.
const TestRunLimit = 10

// Timeout bounds for one assembly.
const (
	ChromosomeMinTimeout = 900 * time.Second
	PlasmidMinTimeout    = 600 * time.Second
	MaxTimeout           = 1800 * time.Second
)

// Timeout returns the deadline for an assembly. Chromosome assemblies (the
// stem contains "chromo") get 60s per MB with a 15 minute floor, others 30s
// per MB with a 10 minute floor; neither exceeds 30 minutes.
func Timeout(stem string, sizeBytes int64) time.Duration {
	mb := float64(sizeBytes) / (1024 * 1024)
	var d time.Duration
	if strings.Contains(stem, "chromo") {
		d = max(ChromosomeMinTimeout, time.Duration(int(mb*60))*time.Second)
	} else {
		d = max(PlasmidMinTimeout, time.Duration(int(mb*30))*time.Second)
	}
	return min(d, MaxTimeout)
}

// Tool builds AMRFinderPlus invocations.
type Tool struct {
	Binary    string
	Organism  string
	OutputDir string
}

// ResultPath is the report written for an assembly.
func (t Tool) ResultPath(fasta string) string {
	return filepath.Join(t.OutputDir, fsutil.Stem(fasta)+ResultSuffix)
}

// Command builds the invocation for one assembly path.
func (t Tool) Command(fasta string) tactile.Command {
	bin := t.Binary
	if bin == "" {
		bin = "amrfinder"
	}
	return tactile.Command{
		Binary: bin,
		Arguments: []string{
			"--nucleotide", fasta,
			"--organism", t.Organism,
			"--output", t.ResultPath(fasta),
		},
		Tags: map[string]string{"tool": "amrfinder", "contig": fsutil.Stem(fasta)},
	}
}

// CollectInputs lists the assemblies in dir. When filterMetadata is set only
// assemblies whose stem appears in its Contig column are kept; a metadata
// file that cannot be read or has no Contig column is reported and ignored.
func CollectInputs(dir, filterMetadata string, logger *zap.Logger) ([]string, error) {
	logger = logging.Named(logger, logging.CategoryAMRFinder)
	names, err := fsutil.Glob(dir, "*.fasta")
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	logger.Info("found assemblies", zap.Int("count", len(paths)), zap.String("dir", dir))
	if filterMetadata == "" {
		return paths, nil
	}

	t, err := metadata.Read(filterMetadata)
	if err != nil {
		logger.Warn("cannot read filter metadata, using all assemblies",
			zap.String("path", filterMetadata), zap.Error(err))
		return paths, nil
	}
	if !t.Has(metadata.ColContig) {
		logger.Warn("filter metadata has no Contig column, using all assemblies",
			zap.String("path", filterMetadata), zap.Strings("columns", t.Header))
		return paths, nil
	}

	wanted := make(map[string]bool, t.Len())
	for _, c := range t.Column(metadata.ColContig) {
		wanted[c] = true
	}
	var kept []string
	for _, p := range paths {
		if wanted[fsutil.Stem(p)] {
			kept = append(kept, p)
		}
	}
	logger.Info("filtered assemblies by metadata",
		zap.Int("contigs", len(wanted)), zap.Int("kept", len(kept)),
		zap.Int("excluded", len(paths)-len(kept)))
	return kept, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func formatTimeout(d time.Duration) string {
	s := int(d.Seconds())
	return fmt.Sprintf("%dmin %ds", s/60, s%60)
}

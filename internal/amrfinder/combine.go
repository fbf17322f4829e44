package amrfinder

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"defensepipe/internal/fsutil"
	"defensepipe/internal/logging"
	"defensepipe/internal/metadata"
	"defensepipe/internal/ux"
)

// ColSourceContig names the assembly a finding came from.
const ColSourceContig = "Source_Contig"

// ValueCount is one entry of a value tally.
type ValueCount struct {
	Value string
	Count int
}

// CombineReport describes a combined table.
type CombineReport struct {
	Path     string
	Findings int
	Contigs  int
	Types    []ValueCount // every Type value, most frequent first
	Classes  []ValueCount // the five most frequent Class values
	Skipped  []string     // reports that could not be read
}

// Combine merges every report in outputDir into combinedPath. The combined
// header is Source_Contig followed by the union of report columns in the
// order first seen. Reports with no findings contribute nothing; when no
// report has findings nothing is written and the report's Path is empty.
func Combine(outputDir, combinedPath string, logger *zap.Logger) (*CombineReport, error) {
	logger = logging.Named(logger, logging.CategoryAMRFinder)
	names, err := fsutil.Glob(outputDir, "*"+ResultSuffix)
	if err != nil {
		return nil, err
	}

	rep := &CombineReport{}
	combined := metadata.New([]string{ColSourceContig})
	contigs := make(map[string]bool)

	for _, name := range names {
		t, err := metadata.ReadTSV(filepath.Join(outputDir, name))
		if err != nil {
			logger.Warn("cannot read report", zap.String("file", name), zap.Error(err))
			rep.Skipped = append(rep.Skipped, name)
			continue
		}
		if t.Len() == 0 {
			continue
		}
		for _, h := range t.Header {
			combined.EnsureColumn(h)
		}
		contig := strings.TrimSuffix(name, ResultSuffix)
		contigs[contig] = true
		for r := 0; r < t.Len(); r++ {
			rec := t.Record(r)
			rec[ColSourceContig] = contig
			combined.Append(rec)
		}
	}

	rep.Findings = combined.Len()
	rep.Contigs = len(contigs)
	if rep.Findings == 0 {
		return rep, nil
	}
	if err := combined.Write(combinedPath); err != nil {
		return nil, err
	}
	rep.Path = combinedPath
	rep.Types = valueCounts(combined.Column("Type"))
	rep.Classes = valueCounts(combined.Column("Class"))
	if len(rep.Classes) > 5 {
		rep.Classes = rep.Classes[:5]
	}
	logger.Info("combined amrfinder reports", zap.Int("findings", rep.Findings),
		zap.Int("contigs", rep.Contigs), zap.String("path", combinedPath))
	return rep, nil
}

// valueCounts tallies non-empty values, most frequent first, ties by value.
func valueCounts(values []string) []ValueCount {
	counts := make(map[string]int)
	for _, v := range values {
		if v != "" {
			counts[v]++
		}
	}
	out := make([]ValueCount, 0, len(counts))
	for v, n := range counts {
		out = append(out, ValueCount{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Print writes the human summary of a combine.
func (r *CombineReport) Print(p *ux.Printer) {
	if r.Findings == 0 {
		p.Warn("No AMR results found in any files")
		return
	}
	p.Step("Combined results summary")
	p.Detail("Total AMR findings: %d", r.Findings)
	p.Detail("Contigs with AMR: %d", r.Contigs)
	p.Detail("Results saved to: %s", r.Path)
	p.Step("AMR statistics")
	p.Detail("Element Types found: %s", formatCounts(r.Types))
	p.Detail("Classes found: %s", formatCounts(r.Classes))
}

func formatCounts(vc []ValueCount) string {
	parts := make([]string, len(vc))
	for i, c := range vc {
		parts[i] = c.Value + "=" + strconv.Itoa(c.Count)
	}
	return strings.Join(parts, ", ")
}

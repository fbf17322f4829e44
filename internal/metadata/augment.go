package metadata

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"defensepipe/internal/defensefinder"
	"defensepipe/internal/fasta"
)

// Column names added by the augmentation steps.
const (
	ColSystemsCount     = "systems_count"
	ColDefenseFinder    = "defensefinder"
	ColSystemsGeneCount = "systems_gene_count"

	ColAMRFinderPlus = "AMRFinderPlus"
	ColISFinder      = "Abricate-ISfinder"
	ColLength        = "Length-(bp)"

	ColAMRCount              = "AMR_count"
	ColISCount               = "IS_count"
	ColISDensity             = "IS_density"
	ColAMRBinaryPresence     = "AMR_binary_presence"
	ColAMRPresence           = "AMR_presence"
	ColSystemsBinaryPresence = "systems_binary_presence"
	ColSystemsPresence       = "systems_presence"

	ColGeneCount    = "gene_count"
	ColProteinInSys = "protein_in_syst"
	ColSystemLength = "system_length"
)

// AddDefenseFinder adds systems_count, defensefinder and systems_gene_count
// from <Contig>_defense_finder_systems.tsv in systemsDir. A contig without a
// table gets 0, "" and 0. It returns how many contigs had a table.
func AddDefenseFinder(t *Table, systemsDir string) (int, error) {
	for _, col := range []string{ColSystemsCount, ColDefenseFinder, ColSystemsGeneCount} {
		t.EnsureColumn(col)
	}

	found := 0
	for r := range t.Rows {
		path := filepath.Join(systemsDir, defensefinder.SystemsFile(t.Get(r, ColContig)))
		systems, err := defensefinder.ReadSystems(path)
		if errors.Is(err, fs.ErrNotExist) {
			t.Set(r, ColSystemsCount, "0")
			t.Set(r, ColDefenseFinder, "")
			t.Set(r, ColSystemsGeneCount, "0")
			continue
		}
		if err != nil {
			return found, err
		}
		found++

		var subtypes []string
		genes := 0
		for _, s := range systems {
			if st := strings.TrimSpace(s.Subtype); st != "" {
				subtypes = append(subtypes, st)
			}
			genes += s.Genes()
		}
		t.Set(r, ColSystemsCount, strconv.Itoa(len(subtypes)))
		t.Set(r, ColDefenseFinder, strings.Join(subtypes, ","))
		t.Set(r, ColSystemsGeneCount, strconv.Itoa(genes))
	}
	return found, nil
}

// AddAMRIS adds AMR and IS counts, IS density per 10 kb, and the
// presence/absence columns for AMR genes and defense systems.
func AddAMRIS(t *Table) {
	cols := []string{
		ColAMRCount, ColISCount, ColISDensity,
		ColAMRBinaryPresence, ColAMRPresence,
		ColSystemsBinaryPresence, ColSystemsPresence,
	}
	for _, col := range cols {
		t.EnsureColumn(col)
	}

	for r := range t.Rows {
		amr := countList(t.Get(r, ColAMRFinderPlus))
		t.Set(r, ColAMRCount, strconv.Itoa(amr))
		t.Set(r, ColAMRBinaryPresence, binary(amr))
		t.Set(r, ColAMRPresence, presence(amr))

		is := countList(t.Get(r, ColISFinder))
		t.Set(r, ColISCount, strconv.Itoa(is))
		t.Set(r, ColISDensity, fmt.Sprintf("%.6f", isDensity(is, t.Get(r, ColLength))))

		systems, err := strconv.Atoi(strings.TrimSpace(t.Get(r, ColSystemsCount)))
		if err != nil {
			systems = 0
		}
		t.Set(r, ColSystemsBinaryPresence, binary(systems))
		t.Set(r, ColSystemsPresence, presence(systems))
	}
}

// countList counts the non-empty comma-separated entries of s; "" and NA are 0.
func countList(s string) int {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NA") {
		return 0
	}
	n := 0
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			n++
		}
	}
	return n
}

func isDensity(count int, length string) float64 {
	l, err := strconv.ParseFloat(strings.TrimSpace(length), 64)
	if err != nil || !(l > 0) {
		return 0
	}
	return float64(count) * 10000.0 / l
}

func binary(n int) string {
	if n > 0 {
		return "1"
	}
	return "0"
}

func presence(n int) string {
	if n > 0 {
		return "present"
	}
	return "absent"
}

// AddGeneCounts sets gene_count per Contig from counts (absent contigs get 0)
// and returns how many rows received a non-zero count.
func AddGeneCounts(t *Table, counts map[string]int) int {
	t.EnsureColumn(ColGeneCount)
	updated := 0
	for r := range t.Rows {
		n := counts[t.Get(r, ColContig)]
		t.Set(r, ColGeneCount, strconv.Itoa(n))
		if n > 0 {
			updated++
		}
	}
	return updated
}

// AddSystemLength sets system_length to the summed protein lengths of the ids
// in protein_in_syst, reading every .prt file under prtRoot. Rows without
// proteins get NA. It returns the sorted ids that were not found.
func AddSystemLength(t *Table, prtRoot string) ([]string, error) {
	t.EnsureColumn(ColSystemLength)

	wanted := make(map[string]bool)
	for r := range t.Rows {
		for _, id := range proteinIDs(t.Get(r, ColProteinInSys)) {
			wanted[id] = true
		}
	}

	lengths := map[string]int{}
	if len(wanted) > 0 {
		var err error
		lengths, err = fasta.ProteinLengths(prtRoot, wanted)
		if err != nil {
			return nil, err
		}
	}

	missing := make(map[string]bool)
	for r := range t.Rows {
		raw := strings.TrimSpace(t.Get(r, ColProteinInSys))
		if raw == "" || strings.EqualFold(raw, "NA") {
			t.Set(r, ColSystemLength, "NA")
			continue
		}
		total := 0
		for _, id := range proteinIDs(raw) {
			if n, ok := lengths[id]; ok {
				total += n
			} else {
				missing[id] = true
			}
		}
		t.Set(r, ColSystemLength, strconv.Itoa(total))
	}

	out := make([]string, 0, len(missing))
	for id := range missing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func proteinIDs(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NA") {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// FilterEquals keeps rows whose col equals value exactly.
func FilterEquals(t *Table, col, value string) *Table {
	i := t.Index(col)
	return t.Filter(func(r int) bool {
		return i >= 0 && t.Rows[r][i] == value
	})
}

// Replicon type values used by SplitByType.
const (
	TypePlasmid    = "Plasmid"
	TypeChromosome = "Chromosome"
)

// SplitByType separates plasmid and chromosome rows. Other types are dropped.
func SplitByType(t *Table) (plasmid, chromosome *Table) {
	return FilterEquals(t, ColType, TypePlasmid), FilterEquals(t, ColType, TypeChromosome)
}

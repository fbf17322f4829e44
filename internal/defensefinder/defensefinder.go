// Package defensefinder adapts the DefenseFinder CLI to the batch runner and
// reads the per-assembly systems table it writes.
package defensefinder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"defensepipe/internal/fsutil"
	"defensepipe/internal/tactile"
)

// SystemsSuffix is appended to an input stem to name its systems table.
const SystemsSuffix = "_defense_finder_systems.tsv"

// Tool runs `defense-finder run <file> [extra...]`.
type Tool struct {
	Binary    string
	ExtraArgs []string
	Suffix    string
}

// New returns a Tool with defaults filled in.
func New(binary string, extra []string, suffix string) *Tool {
	if binary == "" {
		binary = "defense-finder"
	}
	if suffix == "" {
		suffix = SystemsSuffix
	}
	return &Tool{Binary: binary, ExtraArgs: extra, Suffix: suffix}
}

// Name identifies the tool in logs and the run ledger.
func (t *Tool) Name() string { return t.Binary }

// Command builds the invocation for one input file name.
func (t *Tool) Command(input string) tactile.Command {
	args := append([]string{"run", input}, t.ExtraArgs...)
	return tactile.Command{
		Binary:    t.Binary,
		Arguments: args,
		Tags:      map[string]string{"tool": "defense-finder", "input": input},
	}
}

// OutputName is the systems table the tool writes for input.
func (t *Tool) OutputName(input string) string {
	return fsutil.Stem(input) + t.Suffix
}

// UpdateCommand refreshes the DefenseFinder model database.
func (t *Tool) UpdateCommand() tactile.Command {
	return tactile.Command{Binary: t.Binary, Arguments: []string{"update"}}
}

// SystemsFile returns the systems table name for a contig.
func SystemsFile(contig string) string {
	return contig + SystemsSuffix
}

// SystemColumns are the columns of a systems table, in file order.
var SystemColumns = []string{
	"sys_id", "type", "subtype", "activity", "sys_beg", "sys_end",
	"protein_in_syst", "genes_count", "name_of_profiles_in_sys",
}

// System is one detected defense system.
type System struct {
	SysID         string
	Type          string
	Subtype       string
	Activity      string
	SysBeg        string
	SysEnd        string
	ProteinInSyst string
	GenesCount    string
	ProfilesInSys string
}

// Genes parses GenesCount; malformed values count as zero.
func (s System) Genes() int {
	n, err := strconv.Atoi(strings.TrimSpace(s.GenesCount))
	if err != nil {
		return 0
	}
	return n
}

// ReadSystems parses a systems table. Columns are matched by header name so
// extra or reordered columns are tolerated; absent ones read as "".
func ReadSystems(path string) ([]System, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	systems, err := ParseSystems(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return systems, nil
}

// ParseSystems reads a systems table from r.
func ParseSystems(r io.Reader) ([]System, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	get := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var systems []System
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		systems = append(systems, System{
			SysID:         get(rec, "sys_id"),
			Type:          get(rec, "type"),
			Subtype:       get(rec, "subtype"),
			Activity:      get(rec, "activity"),
			SysBeg:        get(rec, "sys_beg"),
			SysEnd:        get(rec, "sys_end"),
			ProteinInSyst: get(rec, "protein_in_syst"),
			GenesCount:    get(rec, "genes_count"),
			ProfilesInSys: get(rec, "name_of_profiles_in_sys"),
		})
	}
	return systems, nil
}

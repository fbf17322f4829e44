// Package bakta annotates assemblies through the Bakta web API: it derives
// per-assembly job parameters from FASTA headers and metadata, submits jobs
// in batches, polls them and downloads the JSON results.
package bakta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"defensepipe/internal/fasta"
	"defensepipe/internal/fsutil"
	"defensepipe/internal/logging"
	"defensepipe/internal/metadata"
)

// Output file names of ExtractParameters.
const (
	ParamsFile    = "bakta_parameters.json"
	RepliconsFile = "replicons.csv"
	SummaryFile   = "extraction_summary.txt"
)

// TaxonColumns are the metadata columns holding the MLST scheme, in the
// order they are tried.
var TaxonColumns = []string{"mlst.PubMLST", "mlst-PubMLST"}

// Taxa maps an MLST scheme to genus and species.
var Taxa = map[string][2]string{
	"ecoli":    {"Escherichia", "coli"},
	"koxytoca": {"Klebsiella", "oxytoca"},
}

// Replicon table columns.
var RepliconColumns = []string{"locus", "new_locus", "type", "topology", "name"}

// Params are the job parameters for one assembly.
type Params struct {
	FastaFile    string  `json:"fasta_file"`
	SequenceID   string  `json:"sequence_id"`
	Length       *string `json:"length"`
	Circular     bool    `json:"circular"`
	RepliconType string  `json:"replicon_type"`
	Genus        *string `json:"genus"`
	Species      *string `json:"species"`
	Taxon        string  `json:"taxon"`
}

// Extraction is the result of ExtractParameters.
type Extraction struct {
	Files     []string
	Params    map[string]Params // keyed by FASTA stem
	Replicons *metadata.Table
	Metadata  int // metadata rows consulted
}

// info is what a FASTA header tells us.
type info struct {
	path       string
	stem       string
	sequenceID string
	length     *string
	circular   bool
}

func readInfo(path string, logger *zap.Logger) info {
	stem := fsutil.Stem(path)
	in := info{path: path, stem: stem, sequenceID: stem}
	h, err := fasta.FirstHeader(path)
	if err != nil {
		logger.Error("cannot read FASTA header", zap.String("file", path), zap.Error(err))
		return in
	}
	if h.ID != "" {
		in.sequenceID = h.ID
	}
	if v, ok := h.Attrs["length"]; ok {
		in.length = &v
	}
	in.circular = h.Circular()
	logger.Info("processed FASTA", zap.String("file", filepath.Base(path)),
		zap.Bool("circular", in.circular), zap.Stringp("length", in.length))
	return in
}

// ExtractParameters reads every *.fasta in assembliesDir and writes
// bakta_parameters.json, replicons.csv and extraction_summary.txt into
// outDir. meta may be nil.
func ExtractParameters(assembliesDir string, meta *metadata.Table, outDir string, logger *zap.Logger) (*Extraction, error) {
	logger = logging.Named(logger, logging.CategoryBakta)
	names, err := fsutil.Glob(assembliesDir, "*.fasta")
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no FASTA files found in %s", assembliesDir)
	}
	if meta == nil {
		meta = metadata.New(nil)
	}
	if err := fsutil.EnsureDir(outDir); err != nil {
		return nil, err
	}

	ex := &Extraction{
		Params:    make(map[string]Params, len(names)),
		Replicons: metadata.New(RepliconColumns),
		Metadata:  meta.Len(),
	}
	for _, name := range names {
		path := filepath.Join(assembliesDir, name)
		ex.Files = append(ex.Files, path)
		in := readInfo(path, logger)
		ex.Replicons.Append(repliconRow(in, meta))
		ex.Params[in.stem] = paramsFor(in, meta)
	}

	data, err := json.MarshalIndent(ex.Params, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(outDir, ParamsFile), data, 0644); err != nil {
		return nil, err
	}
	if err := ex.Replicons.WriteMinimal(filepath.Join(outDir, RepliconsFile)); err != nil {
		return nil, err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(outDir, SummaryFile), ex.summary(), 0644); err != nil {
		return nil, err
	}
	logger.Info("extracted bakta parameters", zap.Int("files", len(names)), zap.String("dir", outDir))
	return ex, nil
}

// exactRow finds the metadata row whose Contig equals stem.
func exactRow(meta *metadata.Table, stem string) int {
	if !meta.Has(metadata.ColContig) {
		return -1
	}
	for r := 0; r < meta.Len(); r++ {
		if meta.Get(r, metadata.ColContig) == stem {
			return r
		}
	}
	return -1
}

// partialRow finds the first row whose Contig contains the stem's prefix
// before the first underscore.
func partialRow(meta *metadata.Table, stem string) int {
	if !meta.Has(metadata.ColContig) {
		return -1
	}
	prefix, _, _ := strings.Cut(stem, "_")
	for r := 0; r < meta.Len(); r++ {
		if strings.Contains(meta.Get(r, metadata.ColContig), prefix) {
			return r
		}
	}
	return -1
}

func taxonOf(meta *metadata.Table, row int) string {
	if row < 0 {
		return ""
	}
	for _, col := range TaxonColumns {
		if meta.Has(col) {
			if v := meta.Get(row, col); v != "" && v != "nan" && v != "NA" {
				return v
			}
		}
	}
	return ""
}

func repliconRow(in info, meta *metadata.Table) map[string]string {
	row := exactRow(meta, in.stem)
	if row < 0 {
		row = partialRow(meta, in.stem)
	}

	kind := "contig"
	if row >= 0 {
		t := strings.ToLower(meta.Get(row, metadata.ColType))
		switch {
		case strings.Contains(t, "chromosome"):
			kind = "chromosome"
		case strings.Contains(t, "plasmid"):
			kind = "plasmid"
		}
	}
	topology := "linear"
	if in.circular {
		topology = "circular"
	}
	name := in.sequenceID
	if taxon := taxonOf(meta, row); taxon != "" {
		name = taxon + "_" + in.sequenceID
	}
	return map[string]string{
		"locus":     in.sequenceID,
		"new_locus": in.sequenceID,
		"type":      kind,
		"topology":  topology,
		"name":      name,
	}
}

func paramsFor(in info, meta *metadata.Table) Params {
	p := Params{
		FastaFile:    in.path,
		SequenceID:   in.sequenceID,
		Length:       in.length,
		Circular:     in.circular,
		RepliconType: "Unknown",
	}
	row := exactRow(meta, in.stem)
	if row < 0 {
		return p
	}
	if meta.Has(metadata.ColType) {
		p.RepliconType = meta.Get(row, metadata.ColType)
	}
	p.Taxon = taxonOf(meta, row)
	if gs, ok := Taxa[p.Taxon]; ok {
		genus, species := gs[0], gs[1]
		p.Genus, p.Species = &genus, &species
	}
	return p
}

func (ex *Extraction) summary() []byte {
	var b bytes.Buffer
	b.WriteString("BAKTA PARAMETER EXTRACTION SUMMARY\n")
	b.WriteString(strings.Repeat("=", 50) + "\n\n")
	fmt.Fprintf(&b, "Total FASTA files processed: %d\n", len(ex.Files))
	fmt.Fprintf(&b, "Metadata entries: %d\n\n", ex.Metadata)

	b.WriteString("Replicon types:\n")
	for _, c := range countDesc(ex.Replicons.Column("type")) {
		fmt.Fprintf(&b, "  %s: %d\n", c.value, c.count)
	}
	b.WriteString("\nTopology distribution:\n")
	for _, c := range countDesc(ex.Replicons.Column("topology")) {
		fmt.Fprintf(&b, "  %s: %d\n", c.value, c.count)
	}

	taxa := make(map[string]int)
	for _, p := range ex.Params {
		taxa[p.Taxon]++
	}
	keys := make([]string, 0, len(taxa))
	for k := range taxa {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("\nTaxon distribution:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %d\n", k, taxa[k])
	}
	return b.Bytes()
}

type valueCount struct {
	value string
	count int
}

func countDesc(values []string) []valueCount {
	m := make(map[string]int)
	for _, v := range values {
		m[v]++
	}
	out := make([]valueCount, 0, len(m))
	for v, n := range m {
		out = append(out, valueCount{v, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].value < out[j].value
	})
	return out
}

// LoadParameters reads a bakta_parameters.json.
func LoadParameters(path string) (map[string]Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameters: %w", err)
	}
	var params map[string]Params
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse parameters %s: %w", path, err)
	}
	return params, nil
}

// SortedIDs returns the file ids of params in order.
func SortedIDs(params map[string]Params) []string {
	ids := make([]string, 0, len(params))
	for id := range params {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

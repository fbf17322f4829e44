package metadata

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
)

// Bakta result file suffixes, plain and gzipped.
const (
	BaktaJSONSuffix   = "_bakta_results.json"
	BaktaJSONGZSuffix = "_bakta_results.json.gz"
)

type baktaFeatures struct {
	Features []struct {
		Type string `json:"type"`
	} `json:"features"`
}

// CountBaktaGenes counts "cds" features per contig across the Bakta result
// files in dir. Unreadable or malformed files are skipped with a warning.
// When both a plain and a gzipped result exist the plain one wins.
func CountBaktaGenes(dir string, logger *zap.Logger) (map[string]int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read bakta results %s: %w", dir, err)
	}

	files := make(map[string]string) // contig -> path
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, BaktaJSONSuffix):
			files[strings.TrimSuffix(name, BaktaJSONSuffix)] = filepath.Join(dir, name)
		case strings.HasSuffix(name, BaktaJSONGZSuffix):
			contig := strings.TrimSuffix(name, BaktaJSONGZSuffix)
			if _, ok := files[contig]; !ok {
				files[contig] = filepath.Join(dir, name)
			}
		}
	}

	contigs := make([]string, 0, len(files))
	for c := range files {
		contigs = append(contigs, c)
	}
	sort.Strings(contigs)

	counts := make(map[string]int, len(files))
	for i, contig := range contigs {
		n, err := countCDS(files[contig])
		if err != nil {
			logger.Warn("skipping unreadable bakta result", zap.String("path", files[contig]), zap.Error(err))
			continue
		}
		counts[contig] = n
		if (i+1)%100 == 0 || i+1 == len(contigs) {
			logger.Info("processed bakta files", zap.Int("done", i+1), zap.Int("total", len(contigs)))
		}
	}
	return counts, nil
}

func countCDS(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, err
		}
		defer gz.Close()
		r = gz
	}

	var doc baktaFeatures
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return 0, err
	}
	n := 0
	for _, feat := range doc.Features {
		if feat.Type == "cds" {
			n++
		}
	}
	return n, nil
}

// GeneCountUpdate reports one rewritten metadata file.
type GeneCountUpdate struct {
	Path    string
	Rows    int
	Updated int
}

// UpdateGeneCounts rewrites every metadata*.csv in metaDir with a gene_count
// column taken from counts.
func UpdateGeneCounts(metaDir string, counts map[string]int) ([]GeneCountUpdate, error) {
	paths, err := filepath.Glob(filepath.Join(metaDir, "metadata*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var updates []GeneCountUpdate
	for _, path := range paths {
		t, err := Read(path)
		if err != nil {
			return updates, err
		}
		n := AddGeneCounts(t, counts)
		if err := t.Write(path); err != nil {
			return updates, err
		}
		updates = append(updates, GeneCountUpdate{Path: path, Rows: t.Len(), Updated: n})
	}
	return updates, nil
}

package metadata

import (
	"io/fs"
	"path/filepath"
	"strings"

	"defensepipe/internal/defensefinder"
)

// DetailColumns are appended by SystemsDetail, one value set per system.
var DetailColumns = []string{
	"type", "subtype", "activity", "sys_beg", "sys_end",
	"protein_in_syst", "genes_count_per_system", "name_of_profiles_in_sys",
}

// FindSystemsTables walks root and maps each contig to its systems table.
// When a contig appears more than once the last path in walk order wins.
func FindSystemsTables(root string) (map[string]string, error) {
	tables := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), defensefinder.SystemsSuffix) {
			return nil
		}
		tables[strings.TrimSuffix(d.Name(), defensefinder.SystemsSuffix)] = path
		return nil
	})
	return tables, err
}

// SystemsDetail produces one row per detected system per contig, carrying
// the contig's metadata plus the DetailColumns. Contigs without a table or
// with an empty one get a single row of NA.
func SystemsDetail(t *Table, tables map[string]string) (*Table, error) {
	out := New(t.Header)
	for _, col := range DetailColumns {
		out.EnsureColumn(col)
	}

	for r := range t.Rows {
		base := t.Record(r)
		var systems []defensefinder.System
		if path, ok := tables[base[ColContig]]; ok {
			var err error
			systems, err = defensefinder.ReadSystems(path)
			if err != nil {
				return nil, err
			}
		}

		if len(systems) == 0 {
			rec := copyRecord(base)
			for _, col := range DetailColumns {
				rec[col] = "NA"
			}
			out.Append(rec)
			continue
		}
		for _, s := range systems {
			rec := copyRecord(base)
			rec["type"] = s.Type
			rec["subtype"] = s.Subtype
			rec["activity"] = s.Activity
			rec["sys_beg"] = s.SysBeg
			rec["sys_end"] = s.SysEnd
			rec["protein_in_syst"] = s.ProteinInSyst
			rec["genes_count_per_system"] = s.GenesCount
			rec["name_of_profiles_in_sys"] = s.ProfilesInSys
			out.Append(rec)
		}
	}
	return out, nil
}

func copyRecord(rec map[string]string) map[string]string {
	out := make(map[string]string, len(rec)+len(DetailColumns))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

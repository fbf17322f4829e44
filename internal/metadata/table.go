// Package metadata reads, augments and writes the assembly metadata tables
// (one row per contig, keyed by the Contig column) that the downstream
// statistics consume.
package metadata

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"defensepipe/internal/fsutil"
)

// DataDir is the fixed directory, relative to a project base, that
// ReadMetadata looks in.
const DataDir = "data"

// Well-known column names.
const (
	ColContig = "Contig"
	ColType   = "Type"
)

// NotFoundError reports a metadata file that does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("metadata file not found: %s", e.Path)
}

// Unwrap lets errors.Is(err, fs.ErrNotExist) match.
func (e *NotFoundError) Unwrap() error { return fs.ErrNotExist }

// Table is a header plus string rows. Every row has exactly len(Header) fields.
type Table struct {
	Header []string
	Rows   [][]string
}

// New returns an empty table with a copy of header.
func New(header []string) *Table {
	return &Table{Header: append([]string(nil), header...)}
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Index returns the position of col, or -1.
func (t *Table) Index(col string) int {
	for i, h := range t.Header {
		if h == col {
			return i
		}
	}
	return -1
}

// Has reports whether col is in the header.
func (t *Table) Has(col string) bool { return t.Index(col) >= 0 }

// Get returns the value of col in row, or "" if the column is absent.
func (t *Table) Get(row int, col string) string {
	i := t.Index(col)
	if i < 0 {
		return ""
	}
	return t.Rows[row][i]
}

// Set writes v into col of row, appending the column if needed.
func (t *Table) Set(row int, col, v string) {
	i := t.EnsureColumn(col)
	t.Rows[row][i] = v
}

// EnsureColumn appends col (filled with "") if absent and returns its index.
func (t *Table) EnsureColumn(col string) int {
	if i := t.Index(col); i >= 0 {
		return i
	}
	t.Header = append(t.Header, col)
	for r := range t.Rows {
		t.Rows[r] = append(t.Rows[r], "")
	}
	return len(t.Header) - 1
}

// Column returns a copy of every value of col.
func (t *Table) Column(col string) []string {
	i := t.Index(col)
	out := make([]string, len(t.Rows))
	if i < 0 {
		return out
	}
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out
}

// Append adds a row built from a column->value map; missing columns are "".
func (t *Table) Append(values map[string]string) {
	row := make([]string, len(t.Header))
	for i, h := range t.Header {
		row[i] = values[h]
	}
	t.Rows = append(t.Rows, row)
}

// Record returns row as a column->value map.
func (t *Table) Record(row int) map[string]string {
	rec := make(map[string]string, len(t.Header))
	for i, h := range t.Header {
		rec[h] = t.Rows[row][i]
	}
	return rec
}

// Filter returns a new table with the rows for which keep returns true.
// Rows are shared with t.
func (t *Table) Filter(keep func(row int) bool) *Table {
	out := New(t.Header)
	for r, row := range t.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

// Read loads a comma-separated table. A missing file yields *NotFoundError.
func Read(path string) (*Table, error) {
	return readDelimited(path, ',')
}

// ReadTSV loads a tab-separated table.
func ReadTSV(path string) (*Table, error) {
	return readDelimited(path, '\t')
}

// ReadMetadata reads filename from the DataDir under baseDir.
func ReadMetadata(baseDir, filename string) (*Table, error) {
	return Read(filepath.Join(baseDir, DataDir, filename))
}

func readDelimited(path string, comma rune) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Path: path}
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	t, err := Parse(f, comma)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return t, nil
}

// Parse reads a delimited table from r. An empty input yields an empty table.
// Short rows are padded and long rows truncated to the header width.
func Parse(r io.Reader, comma rune) (*Table, error) {
	br := bufio.NewReader(r)
	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, []byte("\xef\xbb\xbf")) {
		br.Discard(3)
	}

	cr := csv.NewReader(br)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	if comma == '\t' {
		cr.LazyQuotes = true
	}

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &Table{}, nil
	}
	if err != nil {
		return nil, err
	}
	t := New(header)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make([]string, len(t.Header))
		copy(row, rec)
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Write stores t at path with every field quoted.
func (t *Table) Write(path string) error {
	var buf bytes.Buffer
	if err := t.Encode(&buf, true); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0644)
}

// WriteMinimal stores t at path quoting only fields that need it.
func (t *Table) WriteMinimal(path string) error {
	var buf bytes.Buffer
	if err := t.Encode(&buf, false); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0644)
}

// Encode writes t as CSV. quoteAll quotes every field; otherwise only fields
// containing a comma, quote, or line break are quoted.
func (t *Table) Encode(w io.Writer, quoteAll bool) error {
	if !quoteAll {
		cw := csv.NewWriter(w)
		if err := cw.Write(t.Header); err != nil {
			return err
		}
		if err := cw.WriteAll(t.Rows); err != nil {
			return err
		}
		return cw.Error()
	}

	bw := bufio.NewWriter(w)
	writeRow := func(row []string) {
		for i, field := range row {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.WriteByte('"')
			bw.WriteString(strings.ReplaceAll(field, `"`, `""`))
			bw.WriteByte('"')
		}
		bw.WriteByte('\n')
	}
	writeRow(t.Header)
	for _, row := range t.Rows {
		writeRow(row)
	}
	return bw.Flush()
}

// Package fasta reads the parts of FASTA files the pipeline cares about:
// assembler headers (`>id 1 length=4843636 depth=1.00x circular=true`) and
// protein lengths from Prodigal .prt output. Parsing is done with biogo.
package fasta

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/biogo/biogo/alphabet"
	"github.com/biogo/biogo/io/seqio"
	"github.com/biogo/biogo/io/seqio/fasta"
	"github.com/biogo/biogo/seq/linear"
)

// ErrNoSequence is returned when a file holds no FASTA record.
var ErrNoSequence = errors.New("no FASTA record")

// Header is a parsed FASTA header line.
type Header struct {
	ID    string
	Desc  string
	Attrs map[string]string // key=value tokens, e.g. length, depth, circular
}

// Attr returns the value of a key=value token, or fallback.
func (h Header) Attr(key, fallback string) string {
	if v, ok := h.Attrs[key]; ok {
		return v
	}
	return fallback
}

// Circular reports whether the header carries circular=true (any case).
func (h Header) Circular() bool {
	return strings.EqualFold(h.Attr("circular", "false"), "true")
}

// ParseHeader parses "id desc..." (with or without the leading '>').
// Every whitespace-separated token containing '=' becomes an attribute;
// a token repeated later wins.
func ParseHeader(line string) Header {
	line = strings.TrimPrefix(strings.TrimSpace(line), ">")
	fields := strings.Fields(line)
	h := Header{Attrs: make(map[string]string)}
	if len(fields) == 0 {
		return h
	}
	h.ID = fields[0]
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		h.Desc = strings.TrimSpace(line[i:])
	}
	for _, f := range fields {
		if k, v, ok := strings.Cut(f, "="); ok {
			h.Attrs[k] = v
		}
	}
	return h
}

// FirstHeader returns the header of the first record in path.
func FirstHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	sc := seqio.NewScanner(fasta.NewReader(f, linear.NewSeq("", nil, alphabet.DNA)))
	if !sc.Next() {
		if err := sc.Error(); err != nil {
			return Header{}, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return Header{}, fmt.Errorf("%s: %w", path, ErrNoSequence)
	}
	s := sc.Seq()
	return ParseHeader(s.Name() + " " + s.Description()), nil
}

// ProteinLengths reads every *.prt file under root and returns the length of
// each wanted protein id, with stop codons ('*') excluded. A nil wanted set
// keeps every id.
func ProteinLengths(root string, wanted map[string]bool) (map[string]int, error) {
	lengths := make(map[string]int)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".prt") {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := readProteinLengths(f, wanted, lengths); err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lengths, nil
}

func readProteinLengths(r io.Reader, wanted map[string]bool, lengths map[string]int) error {
	sc := seqio.NewScanner(fasta.NewReader(r, linear.NewSeq("", nil, alphabet.Protein)))
	for sc.Next() {
		s, ok := sc.Seq().(*linear.Seq)
		if !ok {
			continue
		}
		if wanted != nil && !wanted[s.Name()] {
			continue
		}
		n := 0
		for _, l := range s.Seq {
			if l != '*' {
				n++
			}
		}
		lengths[s.Name()] = n
	}
	return sc.Error()
}

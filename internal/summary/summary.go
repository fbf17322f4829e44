// Package summary tallies the per-assembly systems tables into the
// total-system-number.tsv summary, one `wc -l` style line per table.
package summary

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"defensepipe/internal/fsutil"
)

// Mode selects what is counted per table.
type Mode string

const (
	// ModeLines counts newline bytes exactly like `wc -l`, header included.
	ModeLines Mode = "lines"
	// ModeSystems counts data rows: lines minus the header, never below zero.
	ModeSystems Mode = "systems"
)

// ParseMode validates a mode string; empty means ModeLines.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeLines:
		return ModeLines, nil
	case ModeSystems:
		return ModeSystems, nil
	default:
		return "", fmt.Errorf("unknown count mode %q (valid: lines, systems)", s)
	}
}

// Entry is one summary line.
type Entry struct {
	Name  string
	Count int
}

// Count returns the count for one file under mode.
func Count(path string, mode Mode) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := countNewlines(f)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", path, err)
	}
	if mode == ModeSystems {
		n--
		if n < 0 {
			n = 0
		}
	}
	return n, nil
}

func countNewlines(r io.Reader) (int, error) {
	buf := make([]byte, 64*1024)
	n := 0
	for {
		k, err := r.Read(buf)
		n += bytes.Count(buf[:k], []byte{'\n'})
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

// Collect counts every file in dir matching pattern, sorted by name.
func Collect(dir, pattern string, mode Mode) ([]Entry, error) {
	names, err := fsutil.Glob(dir, pattern)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		n, err := Count(filepath.Join(dir, name), mode)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: name, Count: n})
	}
	return entries, nil
}

// Format writes entries wc-style: counts right-aligned to the widest, one
// space, then the name. There is no trailing total line.
func Format(w io.Writer, entries []Entry) error {
	width := 0
	for _, e := range entries {
		if l := len(strconv.Itoa(e.Count)); l > width {
			width = l
		}
	}
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		fmt.Fprintf(bw, "%*d %s\n", width, e.Count, e.Name)
	}
	return bw.Flush()
}

// Write counts the tables in dir and writes the summary to dir/summaryName.
// The summary file itself is excluded even if it matches pattern.
func Write(dir, pattern, summaryName string, mode Mode) ([]Entry, error) {
	entries, err := Collect(dir, pattern, mode)
	if err != nil {
		return nil, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.Name != summaryName {
			kept = append(kept, e)
		}
	}

	var buf bytes.Buffer
	if err := Format(&buf, kept); err != nil {
		return nil, err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, summaryName), buf.Bytes(), 0644); err != nil {
		return nil, err
	}
	return kept, nil
}

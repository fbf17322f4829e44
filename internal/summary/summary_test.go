package summary

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestCount(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "header_only.tsv", "sys_id\ttype\n")
	write(t, dir, "two.tsv", "sys_id\ttype\na\tRM\nb\tGabija\n")
	write(t, dir, "no_newline.tsv", "sys_id\ttype\na\tRM")
	write(t, dir, "empty.tsv", "")

	cases := []struct {
		name  string
		lines int
		sys   int
	}{
		{"header_only.tsv", 1, 0},
		{"two.tsv", 3, 2},
		{"no_newline.tsv", 1, 0},
		{"empty.tsv", 0, 0},
	}
	for _, tc := range cases {
		got, err := Count(filepath.Join(dir, tc.name), ModeLines)
		require.NoError(t, err)
		assert.Equal(t, tc.lines, got, "%s lines", tc.name)

		got, err = Count(filepath.Join(dir, tc.name), ModeSystems)
		require.NoError(t, err)
		assert.Equal(t, tc.sys, got, "%s systems", tc.name)
	}

	_, err := Count(filepath.Join(dir, "missing.tsv"), ModeLines)
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeLines, m)

	m, err = ParseMode("systems")
	require.NoError(t, err)
	assert.Equal(t, ModeSystems, m)

	_, err = ParseMode("rows")
	assert.Error(t, err)
}

func TestFormat_WcStyle(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Format(&buf, []Entry{{"a.tsv", 3}, {"b.tsv", 120}}))
	assert.Equal(t, "  3 a.tsv\n120 b.tsv\n", buf.String())

	buf.Reset()
	require.NoError(t, Format(&buf, nil))
	assert.Empty(t, buf.String())
}

func TestWrite_OneLinePerFile(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c2", "c1", "c3"} {
		write(t, dir, name+"_defense_finder_systems.tsv", "sys_id\n"+name+"_RM\n")
	}
	write(t, dir, "c1.fasta", ">c1\nACGT\n")

	entries, err := Write(dir, "*_defense_finder_systems.tsv", "total-system-number.tsv", ModeLines)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	data, err := os.ReadFile(filepath.Join(dir, "total-system-number.tsv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.Equal(t, []string{
		"2 c1_defense_finder_systems.tsv",
		"2 c2_defense_finder_systems.tsv",
		"2 c3_defense_finder_systems.tsv",
	}, lines)
}

func TestWrite_ExcludesSummaryFile(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "a.tsv", "x\n")
	write(t, dir, "total.tsv", "stale\nstale\n")

	entries, err := Write(dir, "*.tsv", "total.tsv", ModeSystems)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, Entry{Name: "a.tsv", Count: 0}, entries[0])
}

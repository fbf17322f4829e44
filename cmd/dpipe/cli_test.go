package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"defensepipe/internal/batch"
	"defensepipe/internal/config"
	"defensepipe/internal/envsetup"
	"defensepipe/internal/metadata"
	"defensepipe/internal/tactile"
)

// execute runs dpipe with args against a fresh workspace state.
func execute(t *testing.T, ws string, args ...string) (string, error) {
	t.Helper()
	resetGlobals()
	t.Cleanup(resetGlobals)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"-w", ws}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func resetGlobals() {
	verbose, quiet, workspace, configPath, timeout = false, false, "", "", 0
	setupEnv, setupPython, setupReuse, setupNoUpd = "", "", false, false
	batchDir, batchJobs, batchCountMode, batchFileTimeout, batchNoEnv = "", 0, "", 0, false
	watchDebounce, watchBackfill = 0, false
	configForce = false
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on Windows")
	}
}

// writeFakeDefenseFinder installs a script that writes a two-line systems
// table for its input. It exits 3 for bad.fasta; for slow.fasta it touches
// a started marker and sleeps first.
func writeFakeDefenseFinder(t *testing.T, ws string) {
	t.Helper()
	bin := filepath.Join(ws, "bin", "defense-finder")
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0755))
	script := `#!/bin/sh
stem=$(basename "$2" .fasta)
if [ "$stem" = "slow" ]; then
  touch started
  sleep 30
fi
if [ "$stem" = "bad" ]; then
  echo "bad input" >&2
  exit 3
fi
printf 'sys_id\ttype\n%s_1\tRM\n' "$stem" > "${stem}_defense_finder_systems.tsv"
`
	require.NoError(t, os.WriteFile(bin, []byte(script), 0755))

	cfg := config.DefaultConfig()
	cfg.DefenseFinder.Binary = bin
	cfg.Ledger.Path = filepath.Join(ws, ".dpipe", "runs.db")
	cfg.Logging.Level = "error"
	require.NoError(t, cfg.Save(config.DefaultPath(ws)))
}

func writeFasta(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte(">"+n+"\nACGT\n"), 0644))
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 130, exitCode(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.Equal(t, 7, exitCode(&envsetup.StepError{Step: "create", Result: &tactile.ExecutionResult{ExitCode: 7}}))
	assert.Equal(t, 1, exitCode(&batch.FileError{Input: "a.fasta", Err: errors.New("not found")}))
}

func TestExitCode_Canceled(t *testing.T) {
	killed := &tactile.ExecutionResult{Success: true, ExitCode: -1, Killed: true, KillReason: "context canceled"}
	tests := []struct {
		name string
		err  error
	}{
		{"bare", context.Canceled},
		{"file before start", &batch.FileError{Input: "b.fasta", Err: context.Canceled}},
		{"file killed", &batch.FileError{Input: "b.fasta", Result: killed, Err: context.Canceled}},
		{"setup step", &envsetup.StepError{Step: "install", Err: context.Canceled}},
		{"wrapped", fmt.Errorf("batch: %w", &batch.FileError{Err: context.Canceled})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, 130, exitCode(tt.err))
		})
	}
}

func TestStatsStar(t *testing.T) {
	out, err := execute(t, t.TempDir(), "stats", "star", "0.0001", "0.02", "NaN", "0.5")
	require.NoError(t, err)
	assert.Equal(t, "0.0001\t***\n0.02\t*\nNaN\tns\n0.5\tns\n", out)

	_, err = execute(t, t.TempDir(), "stats", "star", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid p-value "abc"`)
}

func TestConfigInitAndShow(t *testing.T) {
	ws := t.TempDir()
	_, err := execute(t, ws, "config", "init")
	require.NoError(t, err)
	assert.FileExists(t, config.DefaultPath(ws))

	_, err = execute(t, ws, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, ws, "config", "init", "--force")
	require.NoError(t, err)

	out, err := execute(t, ws, "config", "show")
	require.NoError(t, err)
	var shown config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "defense-finder", shown.DefenseFinder.Binary)
	assert.Equal(t, "total-system-number.tsv", shown.DefenseFinder.SummaryFile)
}

func TestMetadataFilter(t *testing.T) {
	ws := t.TempDir()
	in := "Contig,mlst-PubMLST\nc1,ecoli\nc2,koxytoca\nc3,ecoli\n"
	require.NoError(t, os.WriteFile(filepath.Join(ws, "metadata_updated.csv"), []byte(in), 0644))

	_, err := execute(t, ws, "metadata", "filter", "-i", "metadata_updated.csv", "-o", "metadata_updated_ecoli.csv")
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(ws, "metadata_updated_ecoli.csv"))
	require.NoError(t, err)
	assert.Equal(t, "\"Contig\",\"mlst-PubMLST\"\n\"c1\",\"ecoli\"\n\"c3\",\"ecoli\"\n", string(got))
}

func TestMetadataSplitType(t *testing.T) {
	ws := t.TempDir()
	in := "Contig,Type\nc1,Plasmid\nc2,Chromosome\nc3,Other\n"
	require.NoError(t, os.WriteFile(filepath.Join(ws, "meta.csv"), []byte(in), 0644))

	_, err := execute(t, ws, "metadata", "split-type", "-i", "meta.csv", "-p", "p.csv", "-c", "c.csv")
	require.NoError(t, err)

	p, err := metadata.Read(filepath.Join(ws, "p.csv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, p.Column(metadata.ColContig))
	c, err := metadata.Read(filepath.Join(ws, "c.csv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, c.Column(metadata.ColContig))
}

func TestMetadataMissingInput(t *testing.T) {
	_, err := execute(t, t.TempDir(), "metadata", "add-amr-is", "-i", "absent.csv", "-o", "out.csv")
	var nf *metadata.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, 1, exitCode(err))
}

func TestSummarize(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a_defense_finder_systems.tsv"), []byte("h\n1\n2\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "b_defense_finder_systems.tsv"), []byte("h\n"), 0644))

	_, err := execute(t, ws, "summarize", "-q")
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(ws, "total-system-number.tsv"))
	require.NoError(t, err)
	assert.Equal(t, "3 a_defense_finder_systems.tsv\n1 b_defense_finder_systems.tsv\n", string(got))
}

func TestBatch_RunsToolAndRecordsLedger(t *testing.T) {
	skipOnWindows(t)
	ws := t.TempDir()
	writeFakeDefenseFinder(t, ws)
	writeFasta(t, ws, "a.fasta", "b.fasta")

	out, err := execute(t, ws, "batch", "--no-env")
	require.NoError(t, err)
	assert.Contains(t, out, "Processing 2 files")

	got, err := os.ReadFile(filepath.Join(ws, "total-system-number.tsv"))
	require.NoError(t, err)
	assert.Equal(t, "2 a_defense_finder_systems.tsv\n2 b_defense_finder_systems.tsv\n", string(got))

	out, err = execute(t, ws, "runs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, defenseFinderBinary(ws))
}

func TestBatch_FailurePropagatesExitCode(t *testing.T) {
	skipOnWindows(t)
	ws := t.TempDir()
	writeFakeDefenseFinder(t, ws)
	writeFasta(t, ws, "a.fasta", "bad.fasta", "c.fasta")

	_, err := execute(t, ws, "batch", "--no-env")
	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))
	assert.Contains(t, err.Error(), "bad.fasta")

	assert.FileExists(t, filepath.Join(ws, "a_defense_finder_systems.tsv"))
	assert.NoFileExists(t, filepath.Join(ws, "c_defense_finder_systems.tsv"))
	assert.NoFileExists(t, filepath.Join(ws, "total-system-number.tsv"))
}

func TestBatch_VerboseEchoesCommands(t *testing.T) {
	skipOnWindows(t)
	ws := t.TempDir()
	writeFakeDefenseFinder(t, ws)
	writeFasta(t, ws, "a.fasta")

	out, err := execute(t, ws, "batch", "--no-env", "-v")
	require.NoError(t, err)
	assert.Contains(t, out, "+ "+defenseFinderBinary(ws)+" run a.fasta\n")

	out, err = execute(t, ws, "batch", "--no-env")
	require.NoError(t, err)
	assert.NotContains(t, out, "+ "+defenseFinderBinary(ws))
}

func TestBatch_NoInputs(t *testing.T) {
	ws := t.TempDir()
	writeFakeDefenseFinder(t, ws)

	_, err := execute(t, ws, "batch", "--no-env")
	require.ErrorIs(t, err, batch.ErrNoInputs)
}

func TestRunsShow_Unknown(t *testing.T) {
	ws := t.TempDir()
	writeFakeDefenseFinder(t, ws)

	_, err := execute(t, ws, "runs", "show", "nope")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"))
}

func defenseFinderBinary(ws string) string {
	return filepath.Join(ws, "bin", "defense-finder")
}

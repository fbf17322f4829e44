package amrfinder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"defensepipe/internal/metadata"
	"defensepipe/internal/tactile"
	"defensepipe/internal/ux"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const reportHeader = "Protein id\tContig id\tStart\tStop\tType\tClass\n"

func TestTimeout(t *testing.T) {
	const mb = 1024 * 1024
	tests := []struct {
		name string
		stem string
		size int64
		want time.Duration
	}{
		{"small plasmid", "p1", 1 * mb, 600 * time.Second},
		{"small chromosome", "x_chromo", 1 * mb, 900 * time.Second},
		{"large plasmid", "p2", 30 * mb, 900 * time.Second},
		{"large chromosome", "y_chromosome", 20 * mb, 1200 * time.Second},
		{"capped", "z_chromo", 100 * mb, 1800 * time.Second},
		{"empty", "e", 0, 600 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Timeout(tt.stem, tt.size))
		})
	}
}

func TestToolCommand(t *testing.T) {
	tool := Tool{Organism: "Escherichia", OutputDir: "out"}
	cmd := tool.Command(filepath.Join("asm", "c1.fasta"))
	assert.Equal(t, "amrfinder", cmd.Binary)
	want := []string{
		"--nucleotide", filepath.Join("asm", "c1.fasta"),
		"--organism", "Escherichia",
		"--output", filepath.Join("out", "c1_amrfinder.tsv"),
	}
	if diff := cmp.Diff(want, cmd.Arguments); diff != "" {
		t.Errorf("arguments mismatch (-want +got):\n%s", diff)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestCollectInputs(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.fasta", "b.fasta", "c.fasta", "notes.txt"} {
		writeFile(t, filepath.Join(dir, n), ">x\nA\n")
	}

	all, err := CollectInputs(dir, "", nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	meta := filepath.Join(t.TempDir(), "metadata.csv")
	writeFile(t, meta, "Contig,Type\na,Plasmid\nc,Chromosome\nzz,Plasmid\n")
	kept, err := CollectInputs(dir, meta, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.fasta"), filepath.Join(dir, "c.fasta")}, kept)

	noContig := filepath.Join(t.TempDir(), "other.csv")
	writeFile(t, noContig, "Name\na\n")
	kept, err = CollectInputs(dir, noContig, nil)
	require.NoError(t, err)
	assert.Len(t, kept, 3, "missing Contig column falls back to every assembly")

	kept, err = CollectInputs(dir, filepath.Join(dir, "missing.csv"), nil)
	require.NoError(t, err)
	assert.Len(t, kept, 3, "unreadable metadata falls back to every assembly")
}

// amrExecutor behaves per contig stem.
type amrExecutor struct {
	mu       sync.Mutex
	timeouts map[string]time.Duration
}

func (e *amrExecutor) Execute(ctx context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	out := cmd.Arguments[5]
	stem := strings.TrimSuffix(filepath.Base(out), ResultSuffix)
	e.mu.Lock()
	e.timeouts[stem] = cmd.Limits.Timeout()
	e.mu.Unlock()

	switch stem {
	case "found":
		return ok(os.WriteFile(out, []byte(reportHeader+"p1\tfound\t1\t9\tAMR\tBETA-LACTAM\np2\tfound\t5\t20\tVIRULENCE\t\n"), 0644))
	case "empty":
		return ok(os.WriteFile(out, []byte(reportHeader), 0644))
	case "silent":
		return &tactile.ExecutionResult{Success: true}, nil
	case "broken":
		return &tactile.ExecutionResult{Success: true, ExitCode: 1, Stderr: "database missing\n"}, nil
	case "slow":
		return &tactile.ExecutionResult{Success: true, ExitCode: -1, Killed: true, KillReason: "timeout after 10m0s"}, nil
	default:
		return nil, errors.New("exec: amrfinder not found")
	}
}

func ok(err error) (*tactile.ExecutionResult, error) {
	if err != nil {
		return nil, err
	}
	return &tactile.ExecutionResult{Success: true}, nil
}

func (e *amrExecutor) Validate(tactile.Command) error { return nil }

func (e *amrExecutor) Capabilities() tactile.ExecutorCapabilities {
	return tactile.ExecutorCapabilities{Name: "amr"}
}

func TestRunner_Statuses(t *testing.T) {
	asm := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "amrfinder_results")
	var inputs []string
	for _, n := range []string{"found", "empty", "silent", "broken", "slow", "missing"} {
		p := filepath.Join(asm, n+".fasta")
		writeFile(t, p, ">x\nACGT\n")
		inputs = append(inputs, p)
	}

	exec := &amrExecutor{timeouts: map[string]time.Duration{}}
	var out bytes.Buffer
	r := NewRunner(exec, Config{
		Tool:       Tool{Organism: "Escherichia", OutputDir: outDir},
		MaxWorkers: 3,
		Printer:    ux.NewPrinter(&out),
	})

	sum, err := r.Run(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Total)
	assert.Equal(t, 1, sum.Successful)
	assert.Equal(t, 1, sum.NoAMR)
	assert.Equal(t, 4, sum.Failed)

	got := map[string]Status{}
	for _, res := range sum.Results {
		got[res.Contig] = res.Status
		if res.Contig == "found" {
			assert.Equal(t, 2, res.AMRCount)
		}
	}
	want := map[string]Status{
		"found":   StatusSuccess,
		"empty":   StatusNoAMR,
		"silent":  StatusNoOutput,
		"broken":  StatusError,
		"slow":    StatusTimeout,
		"missing": StatusException,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 600*time.Second, exec.timeouts["found"])
	assert.Contains(t, out.String(), "found (2 AMR genes)")
	assert.Contains(t, out.String(), "Failed/Error: 4")
}

func TestCombine(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "c1"+ResultSuffix),
		reportHeader+"p1\tc1\t1\t9\tAMR\tBETA-LACTAM\np2\tc1\t3\t8\tAMR\tTETRACYCLINE\n")
	writeFile(t, filepath.Join(dir, "c2"+ResultSuffix), reportHeader)
	writeFile(t, filepath.Join(dir, "c3"+ResultSuffix),
		"Protein id\tContig id\tStart\tStop\tType\tClass\tHMM accession\np9\tc3\t4\t7\tSTRESS\tBETA-LACTAM\tNF0001\n")

	combined := filepath.Join(t.TempDir(), "combined.csv")
	rep, err := Combine(dir, combined, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Findings)
	assert.Equal(t, 2, rep.Contigs)
	assert.Equal(t, combined, rep.Path)
	assert.Equal(t, []ValueCount{{"AMR", 2}, {"STRESS", 1}}, rep.Types)
	assert.Equal(t, ValueCount{"BETA-LACTAM", 2}, rep.Classes[0])

	tbl, err := metadata.Read(combined)
	require.NoError(t, err)
	assert.Equal(t, []string{ColSourceContig, "Protein id", "Contig id", "Start", "Stop", "Type", "Class", "HMM accession"}, tbl.Header)
	require.Equal(t, 3, tbl.Len())
	assert.Equal(t, "c1", tbl.Get(0, ColSourceContig))
	assert.Equal(t, "", tbl.Get(0, "HMM accession"))
	assert.Equal(t, "c3", tbl.Get(2, ColSourceContig))
	assert.Equal(t, "NF0001", tbl.Get(2, "HMM accession"))

	data, err := os.ReadFile(combined)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `"Source_Contig","Protein id"`))
}

func TestCombine_NoFindings(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "c2"+ResultSuffix), reportHeader)
	combined := filepath.Join(t.TempDir(), "combined.csv")

	rep, err := Combine(dir, combined, nil)
	require.NoError(t, err)
	assert.Zero(t, rep.Findings)
	assert.Empty(t, rep.Path)
	_, statErr := os.Stat(combined)
	assert.True(t, os.IsNotExist(statErr))

	var out bytes.Buffer
	rep.Print(ux.NewPrinter(&out))
	assert.Contains(t, out.String(), "No AMR results found")
}

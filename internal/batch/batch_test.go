package batch

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"defensepipe/internal/defensefinder"
	"defensepipe/internal/store"
	"defensepipe/internal/summary"
	"defensepipe/internal/tactile"
	"defensepipe/internal/ux"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeExecutor pretends to be defense-finder: it writes a systems table with
// rows[input] data lines, or exits with fail[input].
type fakeExecutor struct {
	mu    sync.Mutex
	tool  *defensefinder.Tool
	rows  map[string]int
	fail  map[string]int
	delay time.Duration
	calls []string
	cmds  []tactile.Command
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		tool: defensefinder.New("", nil, ""),
		rows: map[string]int{},
		fail: map[string]int{},
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	input := cmd.Arguments[1]
	f.mu.Lock()
	f.calls = append(f.calls, input)
	f.cmds = append(f.cmds, cmd)
	code, fails := f.fail[input]
	n := f.rows[input]
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return &tactile.ExecutionResult{Success: true, ExitCode: -1, Killed: true, KillReason: "context canceled"}, nil
		case <-time.After(f.delay):
		}
	}
	if fails {
		return &tactile.ExecutionResult{Success: true, ExitCode: code, Stderr: "boom"}, nil
	}

	var b strings.Builder
	b.WriteString("sys_id\ttype\n")
	for i := 0; i < n; i++ {
		b.WriteString("sys\tCas\n")
	}
	out := filepath.Join(cmd.WorkingDirectory, f.tool.OutputName(input))
	if err := os.WriteFile(out, []byte(b.String()), 0644); err != nil {
		return nil, err
	}
	return &tactile.ExecutionResult{Success: true}, nil
}

func (f *fakeExecutor) Validate(cmd tactile.Command) error { return nil }

func (f *fakeExecutor) Capabilities() tactile.ExecutorCapabilities {
	return tactile.ExecutorCapabilities{Name: "fake"}
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func writeInputs(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte(">c1\nACGT\n"), 0644))
	}
}

func newTestRunner(dir string, exec *fakeExecutor, jobs int) (*Runner, *bytes.Buffer) {
	var out bytes.Buffer
	r := NewRunner(exec.tool, exec, Config{
		Dir:           dir,
		OutputPattern: "*" + defensefinder.SystemsSuffix,
		SummaryName:   "total-system-number.tsv",
		Jobs:          jobs,
		Printer:       ux.NewPrinter(&out),
	})
	return r, &out
}

func TestDiscover_SortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, "b.fasta", "a.fasta", "notes.txt")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dir.fasta"), 0755))

	got, err := Discover(dir, "*.fasta")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.fasta", "b.fasta"}, got)
}

func TestRun_AllSucceedWritesSummary(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, "a.fasta", "b.fasta", "c.fasta")
	exec := newFakeExecutor()
	exec.rows = map[string]int{"a.fasta": 2, "b.fasta": 11, "c.fasta": 0}

	r, out := newTestRunner(dir, exec, 1)
	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"a.fasta", "b.fasta", "c.fasta"}, exec.Calls())
	assert.Equal(t, 3, report.Processed())
	assert.Equal(t, filepath.Join(dir, "total-system-number.tsv"), report.SummaryPath)

	data, err := os.ReadFile(report.SummaryPath)
	require.NoError(t, err)
	want := " 3 a_defense_finder_systems.tsv\n" +
		"12 b_defense_finder_systems.tsv\n" +
		" 1 c_defense_finder_systems.tsv\n"
	assert.Equal(t, want, string(data))

	assert.Contains(t, out.String(), "Processing 3 files")
	assert.Contains(t, out.String(), "Processing b.fasta")
}

func TestRun_CommandsRunInInputDirectory(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, "a.fasta")
	exec := newFakeExecutor()

	r, _ := newTestRunner(dir, exec, 1)
	r.cfg.FileTimeout = 90 * time.Second
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, exec.cmds, 1)
	cmd := exec.cmds[0]
	assert.Equal(t, dir, cmd.WorkingDirectory)
	assert.Equal(t, []string{"run", "a.fasta"}, cmd.Arguments)
	require.NotNil(t, cmd.Limits)
	assert.Equal(t, 90*time.Second, cmd.Limits.Timeout())
}

func TestRun_SequentialHaltsOnFirstFailure(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, "a.fasta", "b.fasta", "c.fasta")
	exec := newFakeExecutor()
	exec.fail["b.fasta"] = 3

	r, _ := newTestRunner(dir, exec, 1)
	report, err := r.Run(context.Background())
	require.Error(t, err)

	var fe *FileError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "b.fasta", fe.Input)
	assert.Equal(t, 2, fe.Index)
	assert.Equal(t, 3, fe.ExitCode())
	assert.Contains(t, fe.Error(), "exit status 3")

	// c was never started and no summary exists.
	assert.Equal(t, []string{"a.fasta", "b.fasta"}, exec.Calls())
	assert.Equal(t, 1, report.Processed())
	assert.Empty(t, report.SummaryPath)
	_, statErr := os.Stat(filepath.Join(dir, "total-system-number.tsv"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_ParallelFailureSkipsSummary(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, "a.fasta", "b.fasta", "c.fasta", "d.fasta")
	exec := newFakeExecutor()
	exec.fail["a.fasta"] = 1

	r, _ := newTestRunner(dir, exec, 2)
	_, err := r.Run(context.Background())

	var fe *FileError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "a.fasta", fe.Input)
	_, statErr := os.Stat(filepath.Join(dir, "total-system-number.tsv"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_ParallelProcessesAll(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, "a.fasta", "b.fasta", "c.fasta", "d.fasta", "e.fasta")
	exec := newFakeExecutor()
	exec.delay = 5 * time.Millisecond

	r, _ := newTestRunner(dir, exec, 3)
	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a.fasta", "b.fasta", "c.fasta", "d.fasta", "e.fasta"}, exec.Calls())
	require.Len(t, report.Results, 5)
	for i, fr := range report.Results {
		assert.Equal(t, i+1, fr.Index, "results are kept in input order")
	}
	assert.Len(t, report.Summary, 5)
}

func TestRun_NoInputs(t *testing.T) {
	exec := newFakeExecutor()
	r, _ := newTestRunner(t.TempDir(), exec, 1)
	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoInputs)
	assert.Empty(t, exec.Calls())
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, "a.fasta")
	exec := newFakeExecutor()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _ := newTestRunner(dir, exec, 1)
	_, err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, exec.Calls())
}

func TestRun_CanceledWhileToolRuns(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, "a.fasta", "b.fasta")
	exec := newFakeExecutor()
	exec.delay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for len(exec.Calls()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	r, _ := newTestRunner(dir, exec, 1)
	_, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	var fe *FileError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "a.fasta", fe.Input)
	require.NotNil(t, fe.Result)
	assert.True(t, fe.Result.Killed)
	assert.Equal(t, []string{"a.fasta"}, exec.Calls())
	assert.NoFileExists(t, filepath.Join(dir, "total-system-number.tsv"))
}

func TestRun_MissingOutputWarns(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, "a.fasta")
	exec := &missingOutputExecutor{}
	var out bytes.Buffer
	r := NewRunner(defensefinder.New("", nil, ""), exec, Config{Dir: dir, Printer: ux.NewPrinter(&out)})

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].OutputMissing)
	assert.Contains(t, out.String(), "warning:")
}

type missingOutputExecutor struct{}

func (missingOutputExecutor) Execute(context.Context, tactile.Command) (*tactile.ExecutionResult, error) {
	return &tactile.ExecutionResult{Success: true}, nil
}
func (missingOutputExecutor) Validate(tactile.Command) error { return nil }
func (missingOutputExecutor) Capabilities() tactile.ExecutorCapabilities {
	return tactile.ExecutorCapabilities{Name: "missing"}
}

func TestRun_RecordsLedger(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, "a.fasta", "b.fasta")
	exec := newFakeExecutor()
	exec.fail["b.fasta"] = 2

	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"), nil)
	require.NoError(t, err)
	defer st.Close()

	r, _ := newTestRunner(dir, exec, 1)
	r.cfg.Recorder = st
	report, err := r.Run(context.Background())
	require.Error(t, err)

	run, err := st.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Equal(t, 2, run.Inputs)
	require.Len(t, run.Files, 2)
	assert.Equal(t, StatusSuccess, run.Files[0].Status)
	assert.Equal(t, StatusFailed, run.Files[1].Status)
	assert.Equal(t, 2, run.Files[1].ExitCode)
}

func TestRun_SystemsCountMode(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, "a.fasta")
	exec := newFakeExecutor()
	exec.rows["a.fasta"] = 4

	r, _ := newTestRunner(dir, exec, 1)
	r.cfg.CountMode = summary.ModeSystems
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Summary, 1)
	assert.Equal(t, 4, report.Summary[0].Count)
}

func TestFileError(t *testing.T) {
	fe := &FileError{Index: 1, Total: 2, Input: "x.fasta", Err: errors.New("exec: not found")}
	assert.Equal(t, 1, fe.ExitCode())
	assert.Equal(t, "processing x.fasta (file 1 of 2): exec: not found", fe.Error())

	killed := &FileError{Index: 2, Total: 2, Input: "y.fasta",
		Result: &tactile.ExecutionResult{Success: true, ExitCode: -1, Killed: true, KillReason: "timeout after 1s"}}
	assert.Equal(t, 1, killed.ExitCode())
	assert.Contains(t, killed.Error(), "killed: timeout after 1s")
}

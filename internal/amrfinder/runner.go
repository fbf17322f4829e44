package amrfinder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"defensepipe/internal/batch"
	"defensepipe/internal/fsutil"
	"defensepipe/internal/logging"
	"defensepipe/internal/store"
	"defensepipe/internal/tactile"
	"defensepipe/internal/ux"
)

// Status is the outcome of one assembly.
type Status string

const (
	StatusSuccess   Status = "success"   // report has at least one finding
	StatusNoAMR     Status = "no_amr"    // report has only a header
	StatusNoOutput  Status = "no_output" // tool exited 0 without a report
	StatusError     Status = "error"     // tool exited non-zero
	StatusTimeout   Status = "timeout"
	StatusException Status = "exception" // tool could not be run
)

// Result is the outcome for one assembly.
type Result struct {
	Contig      string
	Input       string
	Status      Status
	ResultsFile string // set on success
	AMRCount    int
	Timeout     time.Duration
	Message     string
}

// Summary tallies a run.
type Summary struct {
	Total      int
	Successful int
	NoAMR      int
	Failed     int
	Results    []Result // completion order
}

// Config configures a Runner.
type Config struct {
	Tool       Tool
	MaxWorkers int
	Recorder   batch.Recorder
	Printer    *ux.Printer
	Logger     *zap.Logger
	// TimeoutFn overrides Timeout.
	TimeoutFn func(stem string, sizeBytes int64) time.Duration
}

// Runner processes assemblies with a bounded worker pool.
type Runner struct {
	executor tactile.Executor
	cfg      Config
	logger   *zap.Logger
}

// NewRunner creates a runner. The executor is expected to run commands in
// the AMRFinderPlus environment.
func NewRunner(executor tactile.Executor, cfg Config) *Runner {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 4
	}
	if cfg.Recorder == nil {
		cfg.Recorder = batch.NopRecorder{}
	}
	if cfg.Printer == nil {
		cfg.Printer = ux.Discard()
	}
	if cfg.TimeoutFn == nil {
		cfg.TimeoutFn = Timeout
	}
	return &Runner{
		executor: executor,
		cfg:      cfg,
		logger:   logging.Named(cfg.Logger, logging.CategoryAMRFinder),
	}
}

// Run processes every input. Individual failures are reported in the
// summary; the error is non-nil only when the output directory cannot be
// created or ctx is canceled.
func (r *Runner) Run(ctx context.Context, inputs []string) (*Summary, error) {
	if err := fsutil.EnsureDir(r.cfg.Tool.OutputDir); err != nil {
		return nil, err
	}

	runID, err := r.cfg.Recorder.CreateRun(ctx, "amrfinder", r.cfg.Tool.OutputDir, len(inputs))
	if err != nil {
		r.logger.Warn("ledger unavailable, continuing without it", zap.Error(err))
		r.cfg.Recorder = batch.NopRecorder{}
	}

	sum := &Summary{Total: len(inputs)}
	r.cfg.Printer.Step("Processing %d FASTA files", len(inputs))

	var mu sync.Mutex
	done := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxWorkers)

	for i, input := range inputs {
		g.Go(func() error {
			res := r.processOne(gctx, input)
			r.record(ctx, runID, i+1, res)

			mu.Lock()
			defer mu.Unlock()
			done++
			sum.Results = append(sum.Results, res)
			r.report(sum, res, done)
			return nil
		})
	}
	_ = g.Wait()

	status := store.RunSucceeded
	var runErr error
	switch {
	case ctx.Err() != nil:
		status, runErr = store.RunCanceled, ctx.Err()
	case sum.Failed > 0:
		status, runErr = store.RunFailed, fmt.Errorf("%d of %d assemblies failed", sum.Failed, sum.Total)
	}
	if err := r.cfg.Recorder.FinishRun(context.WithoutCancel(ctx), runID, status, runErr); err != nil {
		r.logger.Warn("failed to finish run in ledger", zap.Error(err))
	}

	r.cfg.Printer.Step("Processing summary")
	r.cfg.Printer.Detail("Total files: %d", sum.Total)
	r.cfg.Printer.Detail("Successful with AMR: %d", sum.Successful)
	r.cfg.Printer.Detail("No AMR found: %d", sum.NoAMR)
	r.cfg.Printer.Detail("Failed/Error: %d", sum.Failed)
	return sum, ctx.Err()
}

// report prints one completed assembly; the caller holds the lock.
func (r *Runner) report(sum *Summary, res Result, done int) {
	switch res.Status {
	case StatusSuccess:
		sum.Successful++
		r.cfg.Printer.Detail("%s (%d AMR genes)", res.Contig, res.AMRCount)
	case StatusNoAMR:
		sum.NoAMR++
		if done%50 == 0 {
			r.cfg.Printer.Detail("... processed %d/%d files", done, sum.Total)
		}
	default:
		sum.Failed++
		r.cfg.Printer.Detail("%s (%s)", res.Contig, res.Status)
	}
	if done%100 == 0 {
		r.cfg.Printer.Detail("Progress: %d/%d (%.1f%%)", done, sum.Total, float64(done)/float64(sum.Total)*100)
	}
}

func (r *Runner) processOne(ctx context.Context, input string) Result {
	stem := fsutil.Stem(input)
	timeout := r.cfg.TimeoutFn(stem, fileSize(input))
	res := Result{Contig: stem, Input: input, Timeout: timeout}

	cmd := r.cfg.Tool.Command(input)
	cmd.Limits = &tactile.ResourceLimits{TimeoutMs: timeout.Milliseconds()}

	out, err := r.executor.Execute(ctx, cmd)
	switch {
	case err != nil:
		res.Status = StatusException
		res.Message = err.Error()
		r.logger.Error("amrfinder could not run", zap.String("contig", stem), zap.Error(err))
		return res
	case out.Killed && strings.HasPrefix(out.KillReason, "timeout"):
		res.Status = StatusTimeout
		res.Message = "timeout: " + formatTimeout(timeout)
		r.logger.Warn("amrfinder timed out", zap.String("contig", stem), zap.Duration("timeout", timeout))
		return res
	case out.Failed():
		res.Status = StatusError
		if out.Killed || out.IsError() {
			res.Status = StatusException
		}
		res.Message = strings.TrimSpace(out.Stderr)
		if res.Message == "" {
			res.Message = out.Reason()
		}
		r.logger.Error("amrfinder failed", zap.String("contig", stem), zap.String("reason", out.Reason()),
			zap.String("stderr", out.Stderr))
		return res
	}

	path := r.cfg.Tool.ResultPath(input)
	lines, err := countLines(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		res.Status = StatusNoOutput
	case err != nil:
		res.Status = StatusException
		res.Message = err.Error()
	case lines > 1:
		res.Status = StatusSuccess
		res.ResultsFile = path
		res.AMRCount = lines - 1
	default:
		res.Status = StatusNoAMR
	}
	return res
}

func (r *Runner) record(ctx context.Context, runID string, seq int, res Result) {
	rec := store.FileRecord{
		Seq:     seq,
		Input:   res.Input,
		Output:  res.ResultsFile,
		Status:  string(res.Status),
		Message: res.Message,
	}
	if res.Status == StatusSuccess {
		rec.Message = ""
	}
	if err := r.cfg.Recorder.RecordFile(context.WithoutCancel(ctx), runID, rec); err != nil {
		r.logger.Warn("failed to record assembly outcome", zap.String("contig", res.Contig), zap.Error(err))
	}
}

// countLines counts lines the way a text reader would: a trailing line
// without a newline still counts.
func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

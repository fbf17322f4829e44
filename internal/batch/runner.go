package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"defensepipe/internal/logging"
	"defensepipe/internal/store"
	"defensepipe/internal/summary"
	"defensepipe/internal/tactile"
	"defensepipe/internal/ux"
)

// Config configures a Runner.
type Config struct {
	Dir           string
	Pattern       string // input glob, default *.fasta
	OutputPattern string // glob of outputs to summarise
	SummaryName   string // written into Dir; empty disables the summary
	CountMode     summary.Mode
	Jobs          int           // 1 (default) is strictly sequential
	FileTimeout   time.Duration // per invocation; zero means no deadline

	// Stdout and Stderr receive the tool's own output live.
	Stdout io.Writer
	Stderr io.Writer

	Recorder Recorder
	Printer  *ux.Printer
	Logger   *zap.Logger
}

// Runner drives one tool over the inputs of a directory.
type Runner struct {
	tool     Tool
	executor tactile.Executor
	cfg      Config
	logger   *zap.Logger
}

// NewRunner creates a runner. Zero-valued config fields get defaults.
func NewRunner(tool Tool, executor tactile.Executor, cfg Config) *Runner {
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "*.fasta"
	}
	if cfg.Jobs < 1 {
		cfg.Jobs = 1
	}
	if cfg.CountMode == "" {
		cfg.CountMode = summary.ModeLines
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NopRecorder{}
	}
	if cfg.Printer == nil {
		cfg.Printer = ux.Discard()
	}
	return &Runner{
		tool:     tool,
		executor: executor,
		cfg:      cfg,
		logger:   logging.Named(cfg.Logger, logging.CategoryBatch),
	}
}

// Config returns the effective configuration.
func (r *Runner) Config() Config { return r.cfg }

// Run processes every input then writes the summary. On failure the returned
// report covers the inputs processed so far and the error is a *FileError.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	inputs, err := Discover(r.cfg.Dir, r.cfg.Pattern)
	if err != nil {
		return nil, err
	}
	report := &Report{Tool: r.tool.Name(), Dir: r.cfg.Dir, Inputs: inputs}
	if len(inputs) == 0 {
		return report, fmt.Errorf("%w matching %s in %s", ErrNoInputs, r.cfg.Pattern, r.cfg.Dir)
	}

	runID, err := r.cfg.Recorder.CreateRun(ctx, r.tool.Name(), r.cfg.Dir, len(inputs))
	if err != nil {
		r.logger.Warn("ledger unavailable, continuing without it", zap.Error(err))
		r.cfg.Recorder = NopRecorder{}
	}
	report.RunID = runID

	r.cfg.Printer.Step("Processing %d files", len(inputs))
	r.logger.Info("batch started",
		zap.String("run_id", runID), zap.String("tool", r.tool.Name()),
		zap.String("dir", r.cfg.Dir), zap.Int("inputs", len(inputs)), zap.Int("jobs", r.cfg.Jobs))

	var runErr error
	if r.cfg.Jobs == 1 {
		runErr = r.runSequential(ctx, runID, inputs, report)
	} else {
		runErr = r.runParallel(ctx, runID, inputs, report)
	}

	if runErr == nil && r.cfg.SummaryName != "" {
		runErr = r.writeSummary(report)
	}
	report.Duration = time.Since(start)

	status := store.RunSucceeded
	switch {
	case runErr != nil && ctx.Err() != nil:
		status = store.RunCanceled
	case runErr != nil:
		status = store.RunFailed
	}
	// The ledger must record a canceled run even though ctx is done.
	if err := r.cfg.Recorder.FinishRun(context.WithoutCancel(ctx), runID, status, runErr); err != nil {
		r.logger.Warn("failed to finish run in ledger", zap.Error(err))
	}

	if runErr != nil {
		r.logger.Error("batch stopped", zap.String("run_id", runID), zap.Error(runErr),
			zap.Int("processed", report.Processed()), zap.Int("inputs", len(inputs)))
		return report, runErr
	}
	r.logger.Info("batch finished", zap.String("run_id", runID),
		zap.Int("processed", report.Processed()), zap.Duration("elapsed", report.Duration))
	return report, nil
}

func (r *Runner) runSequential(ctx context.Context, runID string, inputs []string, report *Report) error {
	for i, input := range inputs {
		if err := ctx.Err(); err != nil {
			return &FileError{Index: i + 1, Total: len(inputs), Input: input, Err: err}
		}
		fr, err := r.process(ctx, runID, i+1, len(inputs), input)
		if fr != nil {
			report.Results = append(report.Results, *fr)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runParallel(ctx context.Context, runID string, inputs []string, report *Report) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Jobs)

	var mu sync.Mutex
	results := make([]*FileResult, len(inputs))

	for i, input := range inputs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// A slot may free up only after another input failed.
			if gctx.Err() != nil {
				return nil
			}
			fr, err := r.process(gctx, runID, i+1, len(inputs), input)
			if fr != nil {
				mu.Lock()
				results[i] = fr
				mu.Unlock()
			}
			return err
		})
	}
	err := g.Wait()

	for _, fr := range results {
		if fr != nil {
			report.Results = append(report.Results, *fr)
		}
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return err
}

// process runs the tool on one input and records the outcome.
func (r *Runner) process(ctx context.Context, runID string, index, total int, input string) (*FileResult, error) {
	r.cfg.Printer.Step("Processing %s", input)

	cmd := r.tool.Command(input)
	cmd.WorkingDirectory = r.cfg.Dir
	if cmd.Stdout == nil {
		cmd.Stdout = r.cfg.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = r.cfg.Stderr
	}
	if r.cfg.FileTimeout > 0 && cmd.Limits == nil {
		cmd.Limits = &tactile.ResourceLimits{TimeoutMs: r.cfg.FileTimeout.Milliseconds()}
	}
	if cmd.RequestID == "" {
		cmd.RequestID = fmt.Sprintf("%s/%d", runID, index)
	}

	output := r.tool.OutputName(input)
	rec := store.FileRecord{Seq: index, Input: input, Output: output}

	res, err := r.executor.Execute(ctx, cmd)
	if err != nil {
		rec.Status = StatusFailed
		rec.ExitCode = -1
		rec.Message = err.Error()
		r.record(ctx, runID, rec)
		return nil, &FileError{Index: index, Total: total, Input: input, Err: err}
	}

	fr := &FileResult{Index: index, Input: input, Output: output, Result: res}
	rec.ExitCode = res.ExitCode
	rec.Duration = res.Duration

	if res.Failed() {
		rec.Status = StatusFailed
		rec.Message = res.Reason()
		r.record(ctx, runID, rec)
		r.logger.Error("tool failed", zap.String("input", input), zap.Int("index", index),
			zap.Int("exit_code", res.ExitCode), zap.String("reason", res.Reason()))
		fe := &FileError{Index: index, Total: total, Input: input, Result: res}
		if res.Killed && ctx.Err() != nil {
			fe.Err = ctx.Err()
		}
		return fr, fe
	}

	if _, statErr := os.Stat(filepath.Join(r.cfg.Dir, output)); errors.Is(statErr, os.ErrNotExist) {
		fr.OutputMissing = true
		rec.Message = "output not produced"
		r.cfg.Printer.Warn("%s produced no %s", input, output)
		r.logger.Warn("expected output missing", zap.String("input", input), zap.String("output", output))
	}
	rec.Status = StatusSuccess
	r.record(ctx, runID, rec)
	r.logger.Debug("input processed", zap.String("input", input), zap.Duration("duration", res.Duration))
	return fr, nil
}

func (r *Runner) record(ctx context.Context, runID string, rec store.FileRecord) {
	if err := r.cfg.Recorder.RecordFile(context.WithoutCancel(ctx), runID, rec); err != nil {
		r.logger.Warn("failed to record file outcome", zap.String("input", rec.Input), zap.Error(err))
	}
}

func (r *Runner) writeSummary(report *Report) error {
	pattern := r.cfg.OutputPattern
	if pattern == "" {
		return fmt.Errorf("no output pattern configured for summary")
	}
	r.cfg.Printer.Step("Counting results into %s", r.cfg.SummaryName)
	entries, err := summary.Write(r.cfg.Dir, pattern, r.cfg.SummaryName, r.cfg.CountMode)
	if err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	report.Summary = entries
	report.SummaryPath = filepath.Join(r.cfg.Dir, r.cfg.SummaryName)
	return nil
}

// ProcessOne runs the tool on a single input outside a batch. The watcher
// uses it; index is the caller's sequence number.
func (r *Runner) ProcessOne(ctx context.Context, runID string, index int, input string) (*FileResult, error) {
	return r.process(ctx, runID, index, index, input)
}

// WriteSummary rewrites the summary from whatever outputs exist now.
func (r *Runner) WriteSummary() ([]summary.Entry, error) {
	report := &Report{}
	if err := r.writeSummary(report); err != nil {
		return nil, err
	}
	return report.Summary, nil
}

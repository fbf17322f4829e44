// Package batch runs an external analysis tool once per input file in a
// directory and, once every invocation has succeeded, writes the summary of
// the outputs. A run halts at the first failing input; inputs after it are
// never started and no summary is written.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"defensepipe/internal/fsutil"
	"defensepipe/internal/store"
	"defensepipe/internal/summary"
	"defensepipe/internal/tactile"
)

// ErrNoInputs is returned when the input pattern matches nothing.
var ErrNoInputs = errors.New("no input files")

// File outcome statuses recorded in the ledger.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Tool describes how to invoke an external program on one input.
type Tool interface {
	// Name identifies the tool in logs and the ledger.
	Name() string
	// Command builds the invocation for an input file name. The runner sets
	// the working directory.
	Command(input string) tactile.Command
	// OutputName is the file the tool writes for input, relative to the
	// working directory.
	OutputName(input string) string
}

// Recorder persists run and file outcomes. *store.Store implements it.
type Recorder interface {
	CreateRun(ctx context.Context, tool, dir string, inputs int) (string, error)
	RecordFile(ctx context.Context, runID string, rec store.FileRecord) error
	FinishRun(ctx context.Context, runID string, status store.RunStatus, runErr error) error
}

var _ Recorder = (*store.Store)(nil)

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) CreateRun(context.Context, string, string, int) (string, error) { return "", nil }
func (NopRecorder) RecordFile(context.Context, string, store.FileRecord) error       { return nil }
func (NopRecorder) FinishRun(context.Context, string, store.RunStatus, error) error  { return nil }

// Discover returns the regular files in dir matching pattern, in the order a
// shell glob would expand them.
func Discover(dir, pattern string) ([]string, error) {
	return fsutil.Glob(dir, pattern)
}

// FileError reports the input that stopped a batch.
type FileError struct {
	Index  int // 1-based position of the input in the batch
	Total  int
	Input  string
	Result *tactile.ExecutionResult // nil when the tool could not be invoked
	Err    error                    // set when Result is nil, or the context error when cancellation killed the tool
}

func (e *FileError) Error() string {
	reason := "failed"
	switch {
	case e.Err != nil:
		reason = e.Err.Error()
	case e.Result != nil:
		reason = e.Result.Reason()
	}
	return fmt.Sprintf("processing %s (file %d of %d): %s", e.Input, e.Index, e.Total, reason)
}

func (e *FileError) Unwrap() error { return e.Err }

// ExitCode is the tool's exit status when it exited non-zero, else 1.
func (e *FileError) ExitCode() int {
	if e.Result != nil && e.Result.ExitCode > 0 {
		return e.Result.ExitCode
	}
	return 1
}

// FileResult is the outcome of one processed input.
type FileResult struct {
	Index         int
	Input         string
	Output        string
	Result        *tactile.ExecutionResult
	OutputMissing bool // tool succeeded but its output file is absent
}

// Report summarises a run, complete or not.
type Report struct {
	RunID       string
	Tool        string
	Dir         string
	Inputs      []string
	Results     []FileResult // processed inputs, in input order
	Summary     []summary.Entry
	SummaryPath string // empty when no summary was written
	Duration    time.Duration
}

// Processed returns the number of inputs that ran to completion successfully.
func (r *Report) Processed() int {
	n := 0
	for _, fr := range r.Results {
		if fr.Result != nil && !fr.Result.Failed() {
			n++
		}
	}
	return n
}

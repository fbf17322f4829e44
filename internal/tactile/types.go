// Package tactile is the execution layer that runs external tools.
// Every bioinformatics tool defensepipe drives (conda, defense-finder,
// amrfinder) is launched through an Executor so that timeouts, output
// capture, environment handling and audit events behave the same way
// regardless of which pipeline step issued the command.
//
// Design Principles:
//   - Minimal logic: the caller decides what a failure means
//   - Pass-through: tool diagnostics can be streamed live while captured
//   - Structured output: one ExecutionResult per invocation
//   - Audit trail: start/complete/killed/error events via a callback
package tactile

import (
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Command represents a command to be executed.
// This is the input specification for all executor types.
type Command struct {
	// Binary is the executable to run (e.g., "conda", "defense-finder").
	Binary string `json:"binary"`

	// Arguments are the command-line arguments.
	Arguments []string `json:"arguments"`

	// WorkingDirectory is the directory to execute in.
	// If empty, uses the executor's default working directory.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment variables to set (in KEY=VALUE format).
	// These are appended to the executor's environment.
	Environment []string `json:"environment,omitempty"`

	// Stdin provides input to the command's standard input.
	Stdin string `json:"stdin,omitempty"`

	// Limits specifies resource constraints for execution.
	Limits *ResourceLimits `json:"limits,omitempty"`

	// RequestID uniquely identifies this execution request.
	RequestID string `json:"request_id,omitempty"`

	// Tags are arbitrary key-value pairs for categorization and audit.
	Tags map[string]string `json:"tags,omitempty"`

	// Stdout and Stderr, when set, receive the process output live in
	// addition to the captured copy. They are written from separate
	// goroutines, so a writer shared by both must be safe for that.
	Stdout io.Writer `json:"-"`
	Stderr io.Writer `json:"-"`
}

// CommandString returns the full command as a string (for display/logging).
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// ResourceLimits defines constraints on command execution.
type ResourceLimits struct {
	// TimeoutMs is the maximum execution time in milliseconds.
	// Zero means use the executor's default timeout.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// MaxOutputBytes limits captured stdout+stderr size.
	// Zero means use the executor's default (typically 10MB).
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// Timeout returns TimeoutMs as a duration.
func (l *ResourceLimits) Timeout() time.Duration {
	if l == nil {
		return 0
	}
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

// ExecutionResult is the comprehensive output of command execution.
type ExecutionResult struct {
	// Success indicates whether the command completed without error.
	// Note: A command that runs but returns non-zero exit code has Success=true.
	// Success=false means the execution infrastructure failed.
	Success bool `json:"success"`

	// ExitCode is the command's exit code (-1 if not available).
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`

	// Combined is stdout followed by stderr.
	Combined string `json:"combined"`

	// Duration is how long the command ran.
	Duration time.Duration `json:"duration"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Killed indicates the command was forcibly terminated.
	Killed bool `json:"killed"`

	// KillReason explains why the command was killed.
	KillReason string `json:"kill_reason,omitempty"`

	// Truncated indicates output was truncated due to size limits.
	Truncated bool `json:"truncated"`

	// TruncatedBytes is how many bytes were discarded.
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	// ResourceUsage contains resource consumption metrics (if available).
	ResourceUsage *ResourceUsage `json:"resource_usage,omitempty"`

	// Error contains any infrastructure-level error message.
	Error string `json:"error,omitempty"`

	// Command is a copy of the command that was executed (for audit).
	Command *Command `json:"command,omitempty"`
}

// IsError returns true if the execution failed (infrastructure error).
func (r *ExecutionResult) IsError() bool {
	return !r.Success || r.Error != ""
}

// IsNonZeroExit returns true if the command ran but returned non-zero.
func (r *ExecutionResult) IsNonZeroExit() bool {
	return r.Success && r.ExitCode != 0
}

// Failed reports whether the invocation should abort a pipeline step:
// the process could not start, was killed, or exited non-zero.
func (r *ExecutionResult) Failed() bool {
	return r.IsError() || r.Killed || r.ExitCode != 0
}

// Reason is a short human description of why a failed result failed.
func (r *ExecutionResult) Reason() string {
	switch {
	case r.Error != "":
		return r.Error
	case r.Killed:
		return "killed: " + r.KillReason
	case r.ExitCode != 0:
		return "exit status " + strconv.Itoa(r.ExitCode)
	default:
		return "ok"
	}
}

// Output returns Combined if available, otherwise Stdout+Stderr.
func (r *ExecutionResult) Output() string {
	if r.Combined != "" {
		return r.Combined
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// ResourceUsage contains metrics about resource consumption.
type ResourceUsage struct {
	UserTimeMs                 int64 `json:"user_time_ms"`
	SystemTimeMs               int64 `json:"system_time_ms"`
	MaxRSSBytes                int64 `json:"max_rss_bytes"`
	DiskReadBytes              int64 `json:"disk_read_bytes"`
	DiskWriteBytes             int64 `json:"disk_write_bytes"`
	VoluntaryContextSwitches   int64 `json:"voluntary_context_switches"`
	InvoluntaryContextSwitches int64 `json:"involuntary_context_switches"`
}

// TotalCPUTimeMs returns total CPU time (user + system).
func (r *ResourceUsage) TotalCPUTimeMs() int64 {
	return r.UserTimeMs + r.SystemTimeMs
}

// ExecutorCapabilities describes what an executor can do.
type ExecutorCapabilities struct {
	// Name is the executor implementation name.
	Name string `json:"name"`

	// Platform is the operating system (e.g., "linux", "darwin").
	Platform string `json:"platform"`

	// SupportsResourceUsage indicates resource usage metrics are available.
	SupportsResourceUsage bool `json:"supports_resource_usage"`

	// SupportsStdin indicates stdin input is supported.
	SupportsStdin bool `json:"supports_stdin"`

	// MaxTimeout is the maximum allowed timeout (0 = unlimited).
	MaxTimeout time.Duration `json:"max_timeout"`

	// DefaultTimeout is used when no timeout is specified (0 = none).
	DefaultTimeout time.Duration `json:"default_timeout"`

	// Environment is the managed environment commands run in, if any.
	Environment string `json:"environment,omitempty"`
}

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
)

// AuditEvent represents a single execution event.
type AuditEvent struct {
	// Type is the event category.
	Type AuditEventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Command is the command being executed.
	Command Command `json:"command"`

	// Result is the execution result (for complete/killed/error events).
	Result *ExecutionResult `json:"result,omitempty"`

	// ExecutorName is which executor handled this.
	ExecutorName string `json:"executor_name"`
}

// ExecutorConfig is the configuration for creating executors.
type ExecutorConfig struct {
	// DefaultWorkingDir is used when Command.WorkingDirectory is empty.
	DefaultWorkingDir string `json:"default_working_dir"`

	// DefaultTimeout is used when no timeout is specified. Zero disables
	// the deadline entirely; external tools then run until they exit.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// MaxTimeout caps all timeout values (0 = no cap).
	MaxTimeout time.Duration `json:"max_timeout"`

	// InheritEnvironment passes the full parent environment to the child.
	// Conda shell integration depends on variables no allow list can predict.
	InheritEnvironment bool `json:"inherit_environment"`

	// AllowedEnvironment lists variables to pass through when not inheriting.
	AllowedEnvironment []string `json:"allowed_environment"`

	// DefaultLimits is applied when Command.Limits is nil.
	DefaultLimits *ResourceLimits `json:"default_limits,omitempty"`

	// MaxOutputBytes caps output capture (default 10MB).
	MaxOutputBytes int64 `json:"max_output_bytes"`

	// AuditCallback is called for each execution event (optional).
	AuditCallback func(AuditEvent) `json:"-"`

	// EnableResourceUsage enables collection of resource metrics.
	EnableResourceUsage bool `json:"enable_resource_usage"`

	// Logger receives execution logs. Nil means no logging.
	Logger *zap.Logger `json:"-"`
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultWorkingDir:   ".",
		MaxOutputBytes:      10 * 1024 * 1024, // 10MB
		InheritEnvironment:  true,
		AllowedEnvironment:  []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR"},
		EnableResourceUsage: true,
	}
}

// Merge combines this config with command-specific settings.
// Command settings override config defaults.
func (c ExecutorConfig) Merge(cmd Command) Command {
	result := cmd

	// Apply default working directory
	if result.WorkingDirectory == "" {
		result.WorkingDirectory = c.DefaultWorkingDir
	}

	// Apply default limits
	if result.Limits == nil && c.DefaultLimits != nil {
		limitsCopy := *c.DefaultLimits
		result.Limits = &limitsCopy
	} else if result.Limits != nil && c.DefaultLimits != nil {
		limitsCopy := *result.Limits
		if limitsCopy.TimeoutMs == 0 {
			limitsCopy.TimeoutMs = c.DefaultLimits.TimeoutMs
		}
		if limitsCopy.MaxOutputBytes == 0 {
			limitsCopy.MaxOutputBytes = c.DefaultLimits.MaxOutputBytes
		}
		result.Limits = &limitsCopy
	}

	// Cap timeout at max
	if result.Limits != nil && c.MaxTimeout > 0 {
		maxMs := int64(c.MaxTimeout / time.Millisecond)
		if result.Limits.TimeoutMs > maxMs {
			limitsCopy := *result.Limits
			limitsCopy.TimeoutMs = maxMs
			result.Limits = &limitsCopy
		}
	}

	return result
}

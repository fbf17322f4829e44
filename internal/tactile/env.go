package tactile

import (
	"context"
)

// EnvExecutor runs commands inside a named conda-compatible environment
// by rewriting them to `<manager> run -n <env> --no-capture-output ...`.
// An empty environment name makes it a pass-through.
type EnvExecutor struct {
	inner   Executor
	manager string
	env     string
}

// NewEnvExecutor wraps inner. manager defaults to "conda".
func NewEnvExecutor(inner Executor, manager, env string) *EnvExecutor {
	if manager == "" {
		manager = "conda"
	}
	return &EnvExecutor{inner: inner, manager: manager, env: env}
}

// Environment returns the environment name commands run in.
func (e *EnvExecutor) Environment() string { return e.env }

// Wrap returns cmd rewritten to run inside the environment.
func (e *EnvExecutor) Wrap(cmd Command) Command {
	if e.env == "" {
		return cmd
	}
	wrapped := cmd
	args := make([]string, 0, len(cmd.Arguments)+5)
	args = append(args, "run", "-n", e.env, "--no-capture-output", cmd.Binary)
	args = append(args, cmd.Arguments...)
	wrapped.Binary = e.manager
	wrapped.Arguments = args
	return wrapped
}

// Execute runs the wrapped command on the inner executor.
func (e *EnvExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if err := e.Validate(cmd); err != nil {
		return nil, err
	}
	return e.inner.Execute(ctx, e.Wrap(cmd))
}

// Validate checks the command before wrapping; the wrapped form always
// has a binary.
func (e *EnvExecutor) Validate(cmd Command) error {
	return e.inner.Validate(cmd)
}

// Capabilities reports the inner executor's capabilities plus the environment.
func (e *EnvExecutor) Capabilities() ExecutorCapabilities {
	caps := e.inner.Capabilities()
	caps.Name = "env(" + caps.Name + ")"
	caps.Environment = e.env
	return caps
}

package main

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"defensepipe/internal/batch"
	"defensepipe/internal/logging"
	"defensepipe/internal/store"
	"defensepipe/internal/tactile"
)

// newExecutor builds the direct executor from the execution config. With
// --verbose every command is also echoed to echo before it starts.
func newExecutor(echo io.Writer) *tactile.DirectExecutor {
	ec := tactile.DefaultExecutorConfig()
	ec.DefaultWorkingDir = workspaceDir()
	ec.DefaultTimeout = cfg.GetExecutionTimeout()
	if cfg.Execution.MaxOutputBytes > 0 {
		ec.MaxOutputBytes = cfg.Execution.MaxOutputBytes
	}
	ec.InheritEnvironment = cfg.Execution.InheritEnvironment
	if len(cfg.Execution.AllowedEnvVars) > 0 {
		ec.AllowedEnvironment = cfg.Execution.AllowedEnvVars
	}
	ec.EnableResourceUsage = true
	ec.Logger = logger
	sinks := []func(tactile.AuditEvent){tactile.ZapAuditSink(logging.Named(logger, logging.CategoryTactile))}
	if verbose && echo != nil {
		sinks = append(sinks, echoSink(echo))
	}
	ec.AuditCallback = tactile.Chain(sinks...)
	return tactile.NewDirectExecutorWithConfig(ec)
}

// echoSink prints "+ <command>" for every started command, like sh -x.
func echoSink(w io.Writer) func(tactile.AuditEvent) {
	return func(ev tactile.AuditEvent) {
		if ev.Type == tactile.AuditEventStart {
			fmt.Fprintf(w, "+ %s\n", ev.Command.CommandString())
		}
	}
}

// envExecutor runs commands inside the named managed environment; an empty
// name runs them directly.
func envExecutor(env string, echo io.Writer) tactile.Executor {
	direct := newExecutor(echo)
	if env == "" {
		return direct
	}
	return tactile.NewEnvExecutor(direct, cfg.Environment.Manager, env)
}

// openLedger returns the run ledger, or a no-op recorder when it is disabled
// or cannot be opened. The returned func closes it.
func openLedger() (batch.Recorder, func()) {
	if !cfg.Ledger.Enabled {
		return batch.NopRecorder{}, func() {}
	}
	st, err := store.Open(resolve(cfg.Ledger.Path), logger)
	if err != nil {
		logging.Named(logger, logging.CategoryStore).Warn("run ledger unavailable", zap.Error(err))
		return batch.NopRecorder{}, func() {}
	}
	return st, func() { _ = st.Close() }
}

// openStore opens the ledger for reading.
func openStore() (*store.Store, error) {
	return store.Open(resolve(cfg.Ledger.Path), logger)
}

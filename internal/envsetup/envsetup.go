// Package envsetup bootstraps the managed runtime environment DefenseFinder
// runs in: create the environment, install the tool, refresh its models.
// Every step is announced before it runs and the first failing step aborts
// the bootstrap.
package envsetup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"defensepipe/internal/config"
	"defensepipe/internal/logging"
	"defensepipe/internal/tactile"
	"defensepipe/internal/ux"
)

// Plan describes the environment to build.
type Plan struct {
	Manager        string // conda, mamba or micromamba
	EnvName        string
	Python         string
	Packages       []string
	UpdateDatabase bool
	ToolBinary     string
	// ReuseExisting skips creation when the environment already exists.
	ReuseExisting bool
}

// PlanFromConfig builds a plan from the environment section.
func PlanFromConfig(env config.EnvironmentConfig, toolBinary string) Plan {
	return Plan{
		Manager:        env.Manager,
		EnvName:        env.Name,
		Python:         env.Python,
		Packages:       env.Packages,
		UpdateDatabase: env.UpdateDatabase,
		ToolBinary:     toolBinary,
		ReuseExisting:  env.ReuseExisting,
	}
}

func (p Plan) manager() string {
	if p.Manager == "" {
		return "conda"
	}
	return p.Manager
}

// Step is one announced command of the bootstrap.
type Step struct {
	Name     string
	Announce string
	Command  tactile.Command
}

// Steps returns the commands of the plan in execution order.
func (p Plan) Steps() []Step {
	mgr := p.manager()
	tool := p.ToolBinary
	if tool == "" {
		tool = "defense-finder"
	}

	steps := []Step{{
		Name:     "create",
		Announce: fmt.Sprintf("Creating %s environment %s (python %s)", mgr, p.EnvName, p.Python),
		Command: tactile.Command{
			Binary:    mgr,
			Arguments: []string{"create", "-y", "-n", p.EnvName, "python=" + p.Python},
		},
	}}

	if len(p.Packages) > 0 {
		args := append([]string{"run", "-n", p.EnvName, "pip", "install"}, p.Packages...)
		steps = append(steps, Step{
			Name:     "install",
			Announce: fmt.Sprintf("Installing %s", strings.Join(p.Packages, " ")),
			Command:  tactile.Command{Binary: mgr, Arguments: args},
		})
	}

	if p.UpdateDatabase {
		steps = append(steps, Step{
			Name:     "update",
			Announce: "Updating DefenseFinder models",
			Command: tactile.Command{
				Binary:    mgr,
				Arguments: []string{"run", "-n", p.EnvName, tool, "update"},
			},
		})
	}

	for i := range steps {
		steps[i].Command.Tags = map[string]string{"step": steps[i].Name, "env": p.EnvName}
	}
	return steps
}

// Validate checks the plan is runnable.
func (p Plan) Validate() error {
	switch p.manager() {
	case "conda", "mamba", "micromamba":
	default:
		return fmt.Errorf("unsupported environment manager: %s", p.Manager)
	}
	if p.EnvName == "" {
		return fmt.Errorf("environment name is required")
	}
	if p.Python == "" {
		return fmt.Errorf("python version is required")
	}
	return nil
}

// StepError reports the step that stopped the bootstrap.
type StepError struct {
	Step   string
	Result *tactile.ExecutionResult // nil when the command could not be run
	Err    error                    // also set to the context error when cancellation killed the command
}

func (e *StepError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("setup step %s failed: %v", e.Step, e.Err)
	case e.Result != nil:
		return fmt.Sprintf("setup step %s failed: %s", e.Step, e.Result.Reason())
	default:
		return fmt.Sprintf("setup step %s failed", e.Step)
	}
}

func (e *StepError) Unwrap() error { return e.Err }

// ExitCode is the failing command's exit status when it exited non-zero, else 1.
func (e *StepError) ExitCode() int {
	if e.Result != nil && e.Result.ExitCode > 0 {
		return e.Result.ExitCode
	}
	return 1
}

// Setup executes plans.
type Setup struct {
	executor tactile.Executor
	printer  *ux.Printer
	logger   *zap.Logger
	stdout   io.Writer
	stderr   io.Writer
}

// New creates a Setup. printer and logger may be nil.
func New(executor tactile.Executor, printer *ux.Printer, logger *zap.Logger) *Setup {
	if printer == nil {
		printer = ux.Discard()
	}
	return &Setup{
		executor: executor,
		printer:  printer,
		logger:   logging.Named(logger, logging.CategorySetup),
	}
}

// SetOutput streams the manager's own output to the given writers.
func (s *Setup) SetOutput(stdout, stderr io.Writer) {
	s.stdout, s.stderr = stdout, stderr
}

// Run executes the plan's steps in order, stopping at the first failure.
// It returns the names of the steps that ran.
func (s *Setup) Run(ctx context.Context, plan Plan) ([]string, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	steps := plan.Steps()
	if plan.ReuseExisting {
		exists, err := s.EnvExists(ctx, plan)
		if err != nil {
			s.logger.Warn("could not list environments, creating anyway", zap.Error(err))
		} else if exists {
			s.printer.Step("Reusing existing environment %s", plan.EnvName)
			steps = steps[1:]
		}
	}

	var ran []string
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return ran, &StepError{Step: step.Name, Err: err}
		}

		s.printer.Step("%s", step.Announce)
		cmd := step.Command
		cmd.Stdout, cmd.Stderr = s.stdout, s.stderr

		timer := logging.StartTimer(s.logger, "setup "+step.Name)
		res, err := s.executor.Execute(ctx, cmd)
		timer.Stop()
		ran = append(ran, step.Name)

		if err != nil {
			s.logger.Error("setup step could not run", zap.String("step", step.Name), zap.Error(err))
			return ran, &StepError{Step: step.Name, Err: err}
		}
		if res.Failed() {
			s.logger.Error("setup step failed", zap.String("step", step.Name),
				zap.String("cmd", cmd.CommandString()), zap.String("reason", res.Reason()))
			se := &StepError{Step: step.Name, Result: res}
			if res.Killed && ctx.Err() != nil {
				se.Err = ctx.Err()
			}
			return ran, se
		}
	}

	s.printer.Success("Environment %s ready", plan.EnvName)
	return ran, nil
}

type envList struct {
	Envs []string `json:"envs"`
}

// EnvExists asks the manager whether the plan's environment exists.
func (s *Setup) EnvExists(ctx context.Context, plan Plan) (bool, error) {
	res, err := s.executor.Execute(ctx, tactile.Command{
		Binary:    plan.manager(),
		Arguments: []string{"env", "list", "--json"},
	})
	if err != nil {
		return false, err
	}
	if res.Failed() {
		return false, fmt.Errorf("%s env list: %s", plan.manager(), res.Reason())
	}
	return parseEnvList([]byte(res.Stdout), plan.EnvName)
}

func parseEnvList(data []byte, name string) (bool, error) {
	var list envList
	if err := json.Unmarshal(data, &list); err != nil {
		return false, fmt.Errorf("failed to parse env list: %w", err)
	}
	for _, path := range list.Envs {
		if filepath.Base(path) == name {
			return true, nil
		}
	}
	return false, nil
}

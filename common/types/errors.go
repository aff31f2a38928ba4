package types

import (
	"errors"
	"fmt"
)

// Build failure stages, reported upstream so a build-time failure can be told
// apart from a run-time one when the queue item is failed.
const (
	ErrorStageBuild = "build"
	ErrorStageRun   = "run"
)

// ConfigurationError indicates an unresolvable backend type, a missing or
// invalid config key, or an invalid image name. It is fatal at construction
// and never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return e.Reason
}

func NewConfigurationErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// BuildError indicates a failed or timed-out image build. Stage tags the
// failure for upstream reporting, see ErrorStageBuild and ErrorStageRun.
type BuildError struct {
	Stage string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func NewBuildError(stage string, err error) error {
	return &BuildError{Stage: stage, Err: err}
}

func NewBuildErrorf(stage string, format string, args ...interface{}) error {
	return &BuildError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// RunnerError indicates that a backend rejected a job submission. Like a
// build failure it is reported against the one job and never stops the agent.
type RunnerError struct {
	Backend string
	Err     error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("%s runner: %v", e.Backend, e.Err)
}

func (e *RunnerError) Unwrap() error {
	return e.Err
}

func NewRunnerError(backend string, err error) error {
	return &RunnerError{Backend: backend, Err: err}
}

// SchedulerError is fatal to the scheduler instance that raises it: the
// scheduler transitions to FAILED and the error is surfaced to the caller.
type SchedulerError struct {
	Reason string
}

func (e *SchedulerError) Error() string {
	return e.Reason
}

func NewSchedulerErrorf(format string, args ...interface{}) error {
	return &SchedulerError{Reason: fmt.Sprintf(format, args...)}
}

// CommError wraps a transient backend API failure. During run-state
// reconciliation it downgrades the run to UNKNOWN instead of DEAD.
type CommError struct {
	Err error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("backend communication failed: %v", e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}

func NewCommError(err error) error {
	if err == nil {
		return nil
	}
	return &CommError{Err: err}
}

// Package runner dispatches launch projects to execution backends. Every
// backend implements the same contract: submit a container (or process) and
// hand back a SubmittedRun for status, cancellation, and completion.
package runner

import (
	"context"

	"gopkg.in/yaml.v3"

	"github.com/wandb/launch/common/types"
)

// Backend names, used both as the "type" tag in runner configs and as the
// resource name in launch specs.
const (
	BackendLocalProcess   = "local-process"
	BackendLocalContainer = "local-container"
	BackendKubernetes     = "kubernetes"
	BackendSageMaker      = "sagemaker"
	BackendVertex         = "vertex"
)

// Status of a submitted run.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
	StatusUnknown  Status = "unknown"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusStopped
}

// SubmittedRun is a handle on one dispatched job.
type SubmittedRun interface {
	// ID returns the backend-assigned identifier for the job.
	ID() string

	// Status returns the job's current status.
	Status(ctx context.Context) (Status, error)

	// Cancel requests that the job stop. Idempotent.
	Cancel(ctx context.Context) error

	// Wait blocks until the job reaches a terminal status and returns it.
	Wait(ctx context.Context) (Status, error)
}

// Runner submits a launch project to one backend.
type Runner interface {
	// Backend returns the backend name.
	Backend() string

	// Run submits the project with the given image and returns a handle.
	// Submission failures are reported as RunnerError.
	Run(ctx context.Context, project *types.LaunchProject, imageURI string) (SubmittedRun, error)
}

func decodeConfig(raw map[string]interface{}, out interface{}) error {
	if raw == nil {
		return nil
	}
	trimmed := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if k == "type" {
			continue
		}
		trimmed[k] = v
	}
	buf, err := yaml.Marshal(trimmed)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(buf, out)
}

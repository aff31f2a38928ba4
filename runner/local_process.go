package runner

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/wandb/launch/common/types"
)

// CoreConfig carries the backend coordinates every runner injects into the
// jobs it launches.
type CoreConfig struct {
	BaseURL string
	APIKey  string
}

// LocalProcessRunner executes the entrypoint directly on the agent's host.
// It never uses the built image; the project must be runnable in place.
type LocalProcessRunner struct {
	core CoreConfig
	log  logger.Logger
}

func NewLocalProcessRunner(core CoreConfig) *LocalProcessRunner {
	runner := &LocalProcessRunner{core: core}
	config.InitLogger(&runner.log, runner)
	return runner
}

func (r *LocalProcessRunner) Backend() string { return BackendLocalProcess }

func (r *LocalProcessRunner) Run(ctx context.Context, project *types.LaunchProject, imageURI string) (SubmittedRun, error) {
	if project.EntryPoint == nil || len(project.EntryPoint.Command) == 0 {
		return nil, types.NewRunnerError(BackendLocalProcess,
			types.NewConfigurationErrorf("project %s has no entrypoint", project.RunID))
	}

	command := append([]string{}, project.EntryPoint.Command...)
	command = append(command, project.OverrideArgs...)

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = project.ProjectDir
	cmd.Env = append(os.Environ(), envSlice(EnvVars(project, imageURI, r.core.BaseURL, r.core.APIKey))...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, types.NewRunnerError(BackendLocalProcess, err)
	}
	r.log.Info("Started local process %d for run %s.", cmd.Process.Pid, project.RunID)

	run := &localProcessRun{cmd: cmd, runID: project.RunID, done: make(chan struct{})}
	go func() {
		run.err = cmd.Wait()
		close(run.done)
	}()
	return run, nil
}

type localProcessRun struct {
	cmd   *exec.Cmd
	runID string
	done  chan struct{}
	err   error

	cancelOnce sync.Once
	cancelled  bool
}

func (r *localProcessRun) ID() string { return r.runID }

func (r *localProcessRun) Status(_ context.Context) (Status, error) {
	select {
	case <-r.done:
		if r.cancelled {
			return StatusStopped, nil
		}
		if r.err != nil {
			return StatusFailed, nil
		}
		return StatusFinished, nil
	default:
		return StatusRunning, nil
	}
}

func (r *localProcessRun) Cancel(_ context.Context) error {
	var err error
	r.cancelOnce.Do(func() {
		r.cancelled = true
		err = r.cmd.Process.Kill()
	})
	return err
}

func (r *localProcessRun) Wait(ctx context.Context) (Status, error) {
	select {
	case <-ctx.Done():
		return StatusUnknown, ctx.Err()
	case <-r.done:
		return r.Status(ctx)
	}
}

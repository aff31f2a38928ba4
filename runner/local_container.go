package runner

import (
	"context"
	"fmt"
	"io"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/wandb/launch/common/types"
)

// LocalContainerConfig is the "local-container" runner block.
type LocalContainerConfig struct {
	Network string `yaml:"network" json:"network"`
}

// LocalContainerRunner runs jobs as containers on the agent host's docker
// daemon.
type LocalContainerRunner struct {
	cfg    LocalContainerConfig
	core   CoreConfig
	client dockerclient.APIClient
	log    logger.Logger
}

func NewLocalContainerRunner(raw map[string]interface{}, core CoreConfig) (*LocalContainerRunner, error) {
	var cfg LocalContainerConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, types.NewConfigurationErrorf("invalid local-container runner config: %v", err)
	}

	client, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, types.NewConfigurationErrorf("failed to create docker client: %v", err)
	}

	runner := &LocalContainerRunner{cfg: cfg, core: core, client: client}
	config.InitLogger(&runner.log, runner)
	return runner, nil
}

func (r *LocalContainerRunner) Backend() string { return BackendLocalContainer }

func (r *LocalContainerRunner) Run(ctx context.Context, project *types.LaunchProject, imageURI string) (SubmittedRun, error) {
	if imageURI == "" {
		return nil, types.NewRunnerError(BackendLocalContainer,
			types.NewConfigurationErrorf("project %s has no image to run", project.RunID))
	}

	// Best effort pull; the image may only exist locally after a local build.
	if reader, err := r.client.ImagePull(ctx, imageURI, image.PullOptions{}); err == nil {
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	}

	containerConfig := &container.Config{
		Image: imageURI,
		Env:   envSlice(EnvVars(project, imageURI, r.core.BaseURL, r.core.APIKey)),
		Labels: map[string]string{
			"wandb":        "launch",
			"wandb-run-id": project.RunID,
		},
	}
	if len(project.OverrideArgs) > 0 {
		containerConfig.Cmd = project.OverrideArgs
	}

	hostConfig := &container.HostConfig{AutoRemove: false}
	if r.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(r.cfg.Network)
	}

	name := fmt.Sprintf("launch-%s", project.RunID)
	created, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, types.NewRunnerError(BackendLocalContainer, err)
	}
	if err = r.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, types.NewRunnerError(BackendLocalContainer, err)
	}

	r.log.Info("Started container %s for run %s with image %s.", created.ID[:12], project.RunID, imageURI)
	return &localContainerRun{client: r.client, containerID: created.ID}, nil
}

type localContainerRun struct {
	client      dockerclient.APIClient
	containerID string
	cancelled   bool
}

func (r *localContainerRun) ID() string { return r.containerID }

func (r *localContainerRun) Status(ctx context.Context) (Status, error) {
	inspect, err := r.client.ContainerInspect(ctx, r.containerID)
	if err != nil {
		return StatusUnknown, types.NewRunnerError(BackendLocalContainer, err)
	}
	switch {
	case inspect.State.Running:
		return StatusRunning, nil
	case r.cancelled:
		return StatusStopped, nil
	case inspect.State.ExitCode == 0:
		return StatusFinished, nil
	default:
		return StatusFailed, nil
	}
}

func (r *localContainerRun) Cancel(ctx context.Context) error {
	r.cancelled = true
	if err := r.client.ContainerStop(ctx, r.containerID, container.StopOptions{}); err != nil {
		return types.NewRunnerError(BackendLocalContainer, err)
	}
	return nil
}

func (r *localContainerRun) Wait(ctx context.Context) (Status, error) {
	waitCh, errCh := r.client.ContainerWait(ctx, r.containerID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return StatusUnknown, ctx.Err()
	case err := <-errCh:
		return StatusUnknown, types.NewRunnerError(BackendLocalContainer, err)
	case result := <-waitCh:
		switch {
		case r.cancelled:
			return StatusStopped, nil
		case result.StatusCode == 0:
			return StatusFinished, nil
		default:
			return StatusFailed, nil
		}
	}
}

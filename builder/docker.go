package builder

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/wandb/launch/common/types"
	"github.com/wandb/launch/registry"
)

// DockerConfig is the "docker" builder block.
type DockerConfig struct {
	// Platform is passed to docker build --platform when set.
	Platform string `yaml:"platform" json:"platform"`
}

// DockerBuilder builds images by shelling out to the docker CLI on the
// agent's host.
type DockerBuilder struct {
	cfg      DockerConfig
	registry registry.Registry
	log      logger.Logger

	// runCmd is swapped out in tests.
	runCmd func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewDockerBuilder(raw map[string]interface{}, reg registry.Registry) (*DockerBuilder, error) {
	var cfg DockerConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, types.NewConfigurationErrorf("invalid docker builder config: %v", err)
	}

	builder := &DockerBuilder{
		cfg:      cfg,
		registry: reg,
		runCmd:   runCommand,
	}
	config.InitLogger(&builder.log, builder)
	return builder, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			return out, types.NewBuildErrorf(types.ErrorStageBuild, "%s: %s", err, strings.TrimSpace(stderr.String()))
		}
		return out, err
	}
	return out, nil
}

func (b *DockerBuilder) Type() string { return TypeDocker }

// Verify confirms the docker CLI is present and the daemon answers.
func (b *DockerBuilder) Verify(ctx context.Context) error {
	if _, err := b.runCmd(ctx, "docker", "version", "--format", "{{.Server.Version}}"); err != nil {
		return types.NewConfigurationErrorf("docker daemon is not reachable: %v", err)
	}
	return nil
}

func (b *DockerBuilder) Build(ctx context.Context, project *types.LaunchProject) (string, error) {
	buildCtx, err := CreateBuildContext(project)
	if err != nil {
		return "", types.NewBuildError(types.ErrorStageBuild, err)
	}
	defer func() { _ = buildCtx.Close() }()

	uri, err := imageURI(ctx, b.registry, project, buildCtx.Tag)
	if err != nil {
		return "", types.NewBuildError(types.ErrorStageBuild, err)
	}

	if checkExisting(ctx, b.registry, uri) {
		b.log.Info("Image %s already exists, skipping build.", uri)
		return uri, nil
	}

	if err = b.login(ctx); err != nil {
		return "", err
	}

	b.log.Info("Building image %s for run %s.", uri, project.RunID)
	args := []string{"build", "-t", uri, "-f", filepath.Join(buildCtx.Dir, DockerfileName)}
	if b.cfg.Platform != "" {
		args = append(args, "--platform", b.cfg.Platform)
	}
	args = append(args, buildCtx.Dir)
	if _, err = b.runCmd(ctx, "docker", args...); err != nil {
		b.log.Error("Build of %s failed: %v", uri, err)
		return "", wrapBuildErr(err)
	}

	// Local registries have nowhere to push to.
	if b.registry.Type() != registry.TypeLocal {
		b.log.Info("Pushing image %s.", uri)
		if _, err = b.runCmd(ctx, "docker", "push", uri); err != nil {
			b.log.Error("Push of %s failed: %v", uri, err)
			return "", wrapBuildErr(err)
		}
	}

	return uri, nil
}

// login runs docker login when the registry hands out credentials.
func (b *DockerBuilder) login(ctx context.Context) error {
	username, password, err := b.registry.GetCredentials(ctx)
	if err != nil {
		return types.NewBuildError(types.ErrorStageBuild, err)
	}
	if username == "" {
		return nil
	}

	repo, err := b.registry.GetRepoURI(ctx)
	if err != nil {
		return types.NewBuildError(types.ErrorStageBuild, err)
	}
	host := repo
	if idx := strings.Index(repo, "/"); idx >= 0 {
		host = repo[:idx]
	}

	if _, err = b.runCmd(ctx, "docker", "login", "--username", username, "--password", password, host); err != nil {
		return wrapBuildErr(err)
	}
	return nil
}

func wrapBuildErr(err error) error {
	var buildErr *types.BuildError
	if errors.As(err, &buildErr) {
		return err
	}
	return types.NewBuildError(types.ErrorStageBuild, err)
}

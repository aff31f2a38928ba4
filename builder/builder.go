// Package builder turns launch project source code into container images.
// All builders share one pipeline: render a Dockerfile, derive a
// content-addressed image tag, short-circuit when the registry already holds
// that tag, then build and push.
package builder

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wandb/launch/common/types"
	"github.com/wandb/launch/registry"
)

// Builder types, used as the "type" tag in builder configs.
const (
	TypeDocker = "docker"
	TypeKaniko = "kaniko"
	TypeNoop   = "noop"
)

// Builder produces a container image for a launch project and returns the
// URI the runner should submit.
type Builder interface {
	// Type returns the builder type tag.
	Type() string

	// Verify checks that the builder's own prerequisites hold.
	Verify(ctx context.Context) error

	// Build builds (or reuses) the image for the project and returns its URI.
	// Failures are reported as BuildError with stage "build".
	Build(ctx context.Context, project *types.LaunchProject) (string, error)
}

// imageURI joins the registry repo (or the project's fallback image name)
// with the content tag.
func imageURI(ctx context.Context, reg registry.Registry, project *types.LaunchProject, tag string) (string, error) {
	repo, err := reg.GetRepoURI(ctx)
	if err != nil {
		return "", err
	}
	if repo == "" {
		repo = project.ImageName()
	}
	return fmt.Sprintf("%s:%s", strings.TrimSuffix(repo, "/"), tag), nil
}

// checkExisting reports a registry hit for the URI so the build can be
// skipped. Registry errors are swallowed; a failed existence check just means
// we build.
func checkExisting(ctx context.Context, reg registry.Registry, uri string) bool {
	exists, err := reg.CheckImageExists(ctx, uri)
	if err == nil && exists {
		buildCacheHits.Inc()
		return true
	}
	return false
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

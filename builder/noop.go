package builder

import (
	"context"

	"github.com/wandb/launch/common/types"
)

// NoopBuilder is used by agents that never build. It passes through prebuilt
// image URIs and rejects anything that actually needs a build.
type NoopBuilder struct{}

func NewNoopBuilder() *NoopBuilder { return &NoopBuilder{} }

func (b *NoopBuilder) Type() string { return TypeNoop }

func (b *NoopBuilder) Verify(_ context.Context) error { return nil }

func (b *NoopBuilder) Build(_ context.Context, project *types.LaunchProject) (string, error) {
	if uri := project.ImageURI(); uri != "" {
		return uri, nil
	}
	return "", types.NewBuildErrorf(types.ErrorStageBuild,
		"this agent is configured with builder type noop and cannot build images for run %s", project.RunID)
}

package registry

import (
	"context"

	"gopkg.in/yaml.v3"

	"github.com/wandb/launch/common/types"
)

// LocalConfig is the "local" registry block.
type LocalConfig struct {
	// RepoURI overrides the repository images are tagged under. When empty the
	// builder falls back to the project's image name.
	RepoURI string `yaml:"repository" json:"repository"`
}

// LocalRegistry is the no-op registry used with purely local builds. Images
// stay in the local docker daemon and are never pushed.
type LocalRegistry struct {
	cfg LocalConfig
}

func NewLocalRegistry(raw map[string]interface{}) (*LocalRegistry, error) {
	var cfg LocalConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, types.NewConfigurationErrorf("invalid local registry config: %v", err)
	}
	return &LocalRegistry{cfg: cfg}, nil
}

func (r *LocalRegistry) Type() string { return TypeLocal }

func (r *LocalRegistry) Verify(_ context.Context) error { return nil }

func (r *LocalRegistry) GetRepoURI(_ context.Context) (string, error) {
	return r.cfg.RepoURI, nil
}

func (r *LocalRegistry) GetCredentials(_ context.Context) (string, string, error) {
	return "", "", nil
}

// CheckImageExists always reports false so local builds are never skipped on
// the registry's account.
func (r *LocalRegistry) CheckImageExists(_ context.Context, _ string) (bool, error) {
	return false, nil
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

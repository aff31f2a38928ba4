package registry

import (
	"context"
	"encoding/base64"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"

	"github.com/wandb/launch/common/types"
)

// ECRConfig is the "ecr" registry block.
type ECRConfig struct {
	Repository string `yaml:"repository" json:"repository"`
	Region     string `yaml:"region" json:"region"`
}

// ECRRegistry talks to AWS Elastic Container Registry.
type ECRRegistry struct {
	cfg    ECRConfig
	client *ecr.Client
	log    logger.Logger

	repoURI string
}

func NewECRRegistry(ctx context.Context, raw map[string]interface{}) (*ECRRegistry, error) {
	var cfg ECRConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, types.NewConfigurationErrorf("invalid ecr registry config: %v", err)
	}
	if cfg.Repository == "" {
		return nil, types.NewConfigurationErrorf("ecr registry requires a repository")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, types.NewConfigurationErrorf("failed to load AWS SDK config: %v", err)
	}

	registry := &ECRRegistry{
		cfg:    cfg,
		client: ecr.NewFromConfig(sdkConfig),
	}
	config.InitLogger(&registry.log, registry)
	return registry, nil
}

func (r *ECRRegistry) Type() string { return TypeECR }

func (r *ECRRegistry) Verify(ctx context.Context) error {
	_, err := r.GetRepoURI(ctx)
	return err
}

// GetRepoURI resolves the repository URI once and caches it.
func (r *ECRRegistry) GetRepoURI(ctx context.Context) (string, error) {
	if r.repoURI != "" {
		return r.repoURI, nil
	}

	out, err := r.client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{r.cfg.Repository},
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to describe ECR repository %s", r.cfg.Repository)
	}
	if len(out.Repositories) == 0 || out.Repositories[0].RepositoryUri == nil {
		return "", errors.Errorf("ECR repository %s not found", r.cfg.Repository)
	}

	r.repoURI = *out.Repositories[0].RepositoryUri
	r.log.Debug("Resolved ECR repository %s to %s.", r.cfg.Repository, r.repoURI)
	return r.repoURI, nil
}

// GetCredentials exchanges an ECR authorization token for a username and
// password. The token decodes to "AWS:<password>".
func (r *ECRRegistry) GetCredentials(ctx context.Context) (string, string, error) {
	out, err := r.client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", "", errors.Wrap(err, "failed to get ECR authorization token")
	}
	if len(out.AuthorizationData) == 0 || out.AuthorizationData[0].AuthorizationToken == nil {
		return "", "", errors.New("ECR returned no authorization data")
	}

	decoded, err := base64.StdEncoding.DecodeString(*out.AuthorizationData[0].AuthorizationToken)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to decode ECR authorization token")
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", errors.New("malformed ECR authorization token")
	}
	return parts[0], parts[1], nil
}

// CheckImageExists looks the tag up with DescribeImages. A missing image is
// not an error.
func (r *ECRRegistry) CheckImageExists(ctx context.Context, imageURI string) (bool, error) {
	tag := imageURI
	if idx := strings.LastIndex(imageURI, ":"); idx >= 0 {
		tag = imageURI[idx+1:]
	}

	_, err := r.client.DescribeImages(ctx, &ecr.DescribeImagesInput{
		RepositoryName: &r.cfg.Repository,
		ImageIds: []ecrtypes.ImageIdentifier{
			{ImageTag: &tag},
		},
	})
	if err != nil {
		var notFound *ecrtypes.ImageNotFoundException
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to check image %s in ECR", imageURI)
	}
	return true, nil
}

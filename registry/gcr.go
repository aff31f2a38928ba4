package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"golang.org/x/oauth2/google"

	"github.com/wandb/launch/common/types"
)

const gcrTokenScope = "https://www.googleapis.com/auth/cloud-platform"

// GCRConfig is the "gcr" registry block, targeting Google Artifact Registry.
type GCRConfig struct {
	Project    string `yaml:"project" json:"project"`
	Region     string `yaml:"region" json:"region"`
	Repository string `yaml:"repository" json:"repository"`
}

// GCRRegistry talks to Google Artifact Registry using application default
// credentials and the Docker registry v2 HTTP API.
type GCRRegistry struct {
	cfg        GCRConfig
	httpClient *http.Client
	log        logger.Logger
}

func NewGCRRegistry(_ context.Context, raw map[string]interface{}) (*GCRRegistry, error) {
	var cfg GCRConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, types.NewConfigurationErrorf("invalid gcr registry config: %v", err)
	}
	if cfg.Project == "" || cfg.Region == "" || cfg.Repository == "" {
		return nil, types.NewConfigurationErrorf("gcr registry requires project, region, and repository")
	}

	registry := &GCRRegistry{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
	config.InitLogger(&registry.log, registry)
	return registry, nil
}

func (r *GCRRegistry) Type() string { return TypeGCR }

func (r *GCRRegistry) host() string {
	return fmt.Sprintf("%s-docker.pkg.dev", r.cfg.Region)
}

func (r *GCRRegistry) Verify(ctx context.Context) error {
	if _, _, err := r.GetCredentials(ctx); err != nil {
		return err
	}
	return nil
}

func (r *GCRRegistry) GetRepoURI(_ context.Context) (string, error) {
	return fmt.Sprintf("%s/%s/%s", r.host(), r.cfg.Project, r.cfg.Repository), nil
}

// GetCredentials returns an OAuth access token as a docker password with the
// fixed "oauth2accesstoken" user.
func (r *GCRRegistry) GetCredentials(ctx context.Context) (string, string, error) {
	tokenSource, err := google.DefaultTokenSource(ctx, gcrTokenScope)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to resolve GCP default credentials")
	}
	token, err := tokenSource.Token()
	if err != nil {
		return "", "", errors.Wrap(err, "failed to fetch GCP access token")
	}
	return "oauth2accesstoken", token.AccessToken, nil
}

// CheckImageExists issues a HEAD against the registry v2 manifest endpoint.
// 200 means the tag exists, 404 means it does not.
func (r *GCRRegistry) CheckImageExists(ctx context.Context, imageURI string) (bool, error) {
	name, tag := splitImageURI(imageURI)
	prefix := r.host() + "/"
	if !strings.HasPrefix(name, prefix) {
		return false, errors.Errorf("image %s is not hosted on %s", imageURI, r.host())
	}

	_, password, err := r.GetCredentials(ctx)
	if err != nil {
		return false, err
	}

	url := fmt.Sprintf("https://%s/v2/%s/manifests/%s", r.host(), strings.TrimPrefix(name, prefix), tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+password)
	req.Header.Set("Accept", "application/vnd.docker.distribution.manifest.v2+json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check image %s", imageURI)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, errors.Errorf("unexpected status %d checking image %s", resp.StatusCode, imageURI)
	}
}

// splitImageURI separates repo/name from the tag, defaulting to "latest".
func splitImageURI(imageURI string) (name string, tag string) {
	name, tag = imageURI, "latest"
	if idx := strings.LastIndex(imageURI, ":"); idx > strings.LastIndex(imageURI, "/") {
		name, tag = imageURI[:idx], imageURI[idx+1:]
	}
	return name, tag
}

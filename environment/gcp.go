package environment

import (
	"context"
	"io"
	"os"
	"path/filepath"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/wandb/launch/common/types"
)

// GCPConfig is the "gcp" environment block.
type GCPConfig struct {
	Project string `yaml:"project" json:"project"`
	Region  string `yaml:"region" json:"region"`
}

// GCPEnvironment targets a Google Cloud project. Credentials come from
// application default credentials.
type GCPEnvironment struct {
	baseEnvironment

	cfg    GCPConfig
	client *gcs.Client
}

func NewGCPEnvironment(ctx context.Context, raw map[string]interface{}) (*GCPEnvironment, error) {
	var cfg GCPConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, types.NewConfigurationErrorf("invalid gcp environment config: %v", err)
	}
	if cfg.Project == "" {
		cfg.Project = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if cfg.Project == "" {
		return nil, types.NewConfigurationErrorf("gcp environment requires a project")
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, types.NewConfigurationErrorf("failed to create GCS client: %v", err)
	}

	return &GCPEnvironment{
		baseEnvironment: newBaseEnvironment(),
		cfg:             cfg,
		client:          client,
	}, nil
}

func (e *GCPEnvironment) Provider() string { return ProviderGCP }

// Project returns the configured GCP project id.
func (e *GCPEnvironment) Project() string { return e.cfg.Project }

// Region returns the configured GCP region, possibly empty.
func (e *GCPEnvironment) Region() string { return e.cfg.Region }

// Verify lists a single bucket to confirm the credentials work.
func (e *GCPEnvironment) Verify(ctx context.Context) error {
	it := e.client.Buckets(ctx, e.cfg.Project)
	if _, err := it.Next(); err != nil && err != iterator.Done {
		e.logger.Error("Failed to verify GCP credentials.", zap.Error(err))
		return errors.Wrap(err, "failed to verify GCP credentials")
	}
	return nil
}

func (e *GCPEnvironment) UploadFile(ctx context.Context, src string, dstURI string) error {
	bucket, key, err := splitStorageURI(dstURI, "gs")
	if err != nil {
		return err
	}
	return e.putFile(ctx, src, bucket, key)
}

func (e *GCPEnvironment) UploadDir(ctx context.Context, src string, dstURI string) error {
	bucket, prefix, err := splitStorageURI(dstURI, "gs")
	if err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return e.putFile(ctx, path, bucket, joinKey(prefix, rel))
	})
}

func (e *GCPEnvironment) putFile(ctx context.Context, path string, bucket string, key string) error {
	local, err := os.Open(path)
	if err != nil {
		return err
	}
	defer local.Close()

	writer := e.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err = io.Copy(writer, local); err != nil {
		_ = writer.Close()
		e.logger.Error("Error while writing local file to GCS.",
			zap.String("path", path), zap.String("bucket", bucket), zap.Error(err))
		return err
	}
	if err = writer.Close(); err != nil {
		return err
	}

	e.logger.Debug("Successfully copied local file to GCS.",
		zap.String("file", path), zap.String("bucket", bucket), zap.String("key", key))
	return nil
}

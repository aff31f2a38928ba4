package environment

import (
	"context"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wandb/launch/common/types"
)

// AWSConfig is the "aws" environment block.
type AWSConfig struct {
	Region string `yaml:"region" json:"region"`
}

// AWSEnvironment targets an AWS account. Credentials come from the SDK's
// default chain; only the region is taken from config.
type AWSEnvironment struct {
	baseEnvironment

	cfg      AWSConfig
	s3Client *s3.Client
}

// NewAWSEnvironment resolves the SDK config and builds an S3 client. A region
// in the environment block overrides whatever the default chain resolves.
func NewAWSEnvironment(ctx context.Context, raw map[string]interface{}) (*AWSEnvironment, error) {
	var cfg AWSConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, types.NewConfigurationErrorf("invalid aws environment config: %v", err)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, types.NewConfigurationErrorf("failed to load AWS SDK config: %v", err)
	}
	if cfg.Region == "" {
		cfg.Region = sdkConfig.Region
	}

	env := &AWSEnvironment{
		baseEnvironment: newBaseEnvironment(),
		cfg:             cfg,
		s3Client:        s3.NewFromConfig(sdkConfig),
	}
	return env, nil
}

func (e *AWSEnvironment) Provider() string { return ProviderAWS }

// Region returns the resolved AWS region.
func (e *AWSEnvironment) Region() string { return e.cfg.Region }

// Verify confirms the credentials can call S3 at all.
func (e *AWSEnvironment) Verify(ctx context.Context) error {
	_, err := e.s3Client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		e.logger.Error("Failed to verify AWS credentials.", zap.Error(err))
		return errors.Wrap(err, "failed to verify AWS credentials")
	}
	return nil
}

func (e *AWSEnvironment) UploadFile(ctx context.Context, src string, dstURI string) error {
	bucket, key, err := splitStorageURI(dstURI, "s3")
	if err != nil {
		return err
	}
	return e.putFile(ctx, src, bucket, key)
}

func (e *AWSEnvironment) UploadDir(ctx context.Context, src string, dstURI string) error {
	bucket, prefix, err := splitStorageURI(dstURI, "s3")
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

func (e *AWSEnvironment) putFile(ctx context.Context, path string, bucket string, key string) error {
	local, err := os.Open(path)
	if err != nil {
		return err
	}
	defer local.Close()

	_, err = e.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   local,
	})
	if err != nil {
		e.logger.Error("Error while writing local file to S3.",
			zap.String("path", path), zap.String("bucket", bucket), zap.Error(err))
		return err
	}

	e.logger.Debug("Successfully copied local file to AWS S3.",
		zap.String("file", path), zap.String("bucket", bucket), zap.String("key", key))
	return nil
}

// decodeConfig round-trips a "type"-tagged map into a typed config struct.
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

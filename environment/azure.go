package environment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wandb/launch/common/types"
)

// AzureConfig is the "azure" environment block.
type AzureConfig struct {
	StorageAccount string `yaml:"storage_account" json:"storage_account"`
}

// AzureEnvironment targets an Azure subscription. Credentials come from the
// default credential chain (env vars, managed identity, az cli).
type AzureEnvironment struct {
	baseEnvironment

	cfg    AzureConfig
	client *azblob.Client
}

func NewAzureEnvironment(_ context.Context, raw map[string]interface{}) (*AzureEnvironment, error) {
	var cfg AzureConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, types.NewConfigurationErrorf("invalid azure environment config: %v", err)
	}
	if cfg.StorageAccount == "" {
		return nil, types.NewConfigurationErrorf("azure environment requires a storage_account")
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, types.NewConfigurationErrorf("failed to resolve Azure credentials: %v", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.StorageAccount)
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, types.NewConfigurationErrorf("failed to create Azure blob client: %v", err)
	}

	return &AzureEnvironment{
		baseEnvironment: newBaseEnvironment(),
		cfg:             cfg,
		client:          client,
	}, nil
}

func (e *AzureEnvironment) Provider() string { return ProviderAzure }

// Verify lists one page of containers to confirm the credentials work.
func (e *AzureEnvironment) Verify(ctx context.Context) error {
	pager := e.client.NewListContainersPager(nil)
	if pager.More() {
		if _, err := pager.NextPage(ctx); err != nil {
			e.logger.Error("Failed to verify Azure credentials.", zap.Error(err))
			return errors.Wrap(err, "failed to verify Azure credentials")
		}
	}
	return nil
}

// splitAzureURI accepts https://account.blob.core.windows.net/container/prefix
// and returns the container and blob prefix.
func (e *AzureEnvironment) splitAzureURI(uri string) (container string, prefix string, err error) {
	host := fmt.Sprintf("https://%s.blob.core.windows.net/", e.cfg.StorageAccount)
	if !strings.HasPrefix(uri, host) {
		return "", "", fmt.Errorf("storage URI %q is not under account %q", uri, e.cfg.StorageAccount)
	}
	rest := strings.TrimPrefix(uri, host)
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("storage URI %q has no container", uri)
	}
	container = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return container, prefix, nil
}

func (e *AzureEnvironment) UploadFile(ctx context.Context, src string, dstURI string) error {
	container, key, err := e.splitAzureURI(dstURI)
	if err != nil {
		return err
	}
	return e.putFile(ctx, src, container, key)
}

func (e *AzureEnvironment) UploadDir(ctx context.Context, src string, dstURI string) error {
	container, prefix, err := e.splitAzureURI(dstURI)
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
		return e.putFile(ctx, path, container, joinKey(prefix, rel))
	})
}

func (e *AzureEnvironment) putFile(ctx context.Context, path string, container string, key string) error {
	local, err := os.Open(path)
	if err != nil {
		return err
	}
	defer local.Close()

	if _, err = e.client.UploadStream(ctx, container, key, local, nil); err != nil {
		e.logger.Error("Error while writing local file to Azure blob storage.",
			zap.String("path", path), zap.String("container", container), zap.Error(err))
		return err
	}

	e.logger.Debug("Successfully copied local file to Azure blob storage.",
		zap.String("file", path), zap.String("container", container), zap.String("key", key))
	return nil
}

// Package environment abstracts the cloud accounts that builds and runs
// execute against. An Environment verifies credentials and uploads build
// contexts to the provider's object store.
package environment

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Provider names, used as the "type" tag in environment configs.
const (
	ProviderLocal = "local"
	ProviderAWS   = "aws"
	ProviderGCP   = "gcp"
	ProviderAzure = "azure"
)

// Environment is a cloud account boundary.
type Environment interface {
	// Provider returns the provider name this environment targets.
	Provider() string

	// Verify checks that the configured credentials are usable.
	Verify(ctx context.Context) error

	// UploadFile copies a local file to dstURI in the provider's object store.
	UploadFile(ctx context.Context, src string, dstURI string) error

	// UploadDir recursively copies a local directory under dstURI.
	UploadDir(ctx context.Context, src string, dstURI string) error
}

type baseEnvironment struct {
	logger *zap.Logger
}

func newBaseEnvironment() baseEnvironment {
	logger, err := zap.NewDevelopment()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "[ERROR] Failed to create Zap Development logger because: %v\n", err)
		logger = zap.NewNop()
	}
	return baseEnvironment{logger: logger}
}

// splitStorageURI splits a scheme://bucket/prefix URI into its bucket and
// key prefix. The scheme must match the provider ("s3", "gs", "https" for
// azure is handled separately).
func splitStorageURI(uri string, scheme string) (bucket string, prefix string, err error) {
	want := scheme + "://"
	if !strings.HasPrefix(uri, want) {
		return "", "", fmt.Errorf("storage URI %q does not have scheme %q", uri, scheme)
	}
	rest := strings.TrimPrefix(uri, want)
	parts := strings.SplitN(rest, "/", 2)
	bucket = parts[0]
	if bucket == "" {
		return "", "", fmt.Errorf("storage URI %q has no bucket", uri)
	}
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix, nil
}

func joinKey(prefix string, rel string) string {
	rel = strings.ReplaceAll(rel, string(os.PathSeparator), "/")
	if prefix == "" {
		return rel
	}
	return strings.TrimSuffix(prefix, "/") + "/" + rel
}

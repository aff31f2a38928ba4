// Package registry abstracts the container registries that built images are
// pushed to and checked against.
package registry

import (
	"context"
)

// Registry types, used as the "type" tag in registry configs.
const (
	TypeLocal = "local"
	TypeECR   = "ecr"
	TypeGCR   = "gcr"
)

// Registry is one container registry.
type Registry interface {
	// Type returns the registry type tag.
	Type() string

	// Verify checks that the registry is reachable with the configured
	// credentials.
	Verify(ctx context.Context) error

	// GetRepoURI returns the repository URI that image tags are appended to.
	GetRepoURI(ctx context.Context) (string, error)

	// GetCredentials returns a username/password pair usable for docker login.
	// Both are empty when the registry needs no explicit credentials.
	GetCredentials(ctx context.Context) (string, string, error)

	// CheckImageExists reports whether the given image URI already exists in
	// the registry. Used to short-circuit rebuilds.
	CheckImageExists(ctx context.Context, imageURI string) (bool, error)
}

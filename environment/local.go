package environment

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalEnvironment is the no-credential environment used by local builds and
// runs. Uploads copy files on the local filesystem.
type LocalEnvironment struct {
	baseEnvironment
}

func NewLocalEnvironment() *LocalEnvironment {
	return &LocalEnvironment{baseEnvironment: newBaseEnvironment()}
}

func (e *LocalEnvironment) Provider() string { return ProviderLocal }

func (e *LocalEnvironment) Verify(_ context.Context) error { return nil }

func (e *LocalEnvironment) UploadFile(_ context.Context, src string, dstURI string) error {
	dst := strings.TrimPrefix(dstURI, "file://")
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyFile(src, dst)
}

func (e *LocalEnvironment) UploadDir(ctx context.Context, src string, dstURI string) error {
	dst := strings.TrimPrefix(dstURI, "file://")
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
		target := filepath.Join(dst, rel)
		if err = os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return copyFile(path, target)
	})
}

func copyFile(src string, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

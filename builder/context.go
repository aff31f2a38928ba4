package builder

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wandb/launch/common/types"
)

// BuildContext is a staged directory holding everything a build needs: the
// project source under src/ and the rendered Dockerfile.
type BuildContext struct {
	// Dir is the staging directory.
	Dir string
	// Dockerfile is the rendered (or user-supplied) Dockerfile contents.
	Dockerfile []byte
	// Tag is the content-addressed image tag for this context.
	Tag string
}

// CreateBuildContext stages the project into a fresh temp directory and
// computes the image tag. When the project ships its own Dockerfile next to
// the entrypoint it wins over the generated one.
func CreateBuildContext(project *types.LaunchProject) (*BuildContext, error) {
	if project.ProjectDir == "" {
		return nil, types.NewConfigurationErrorf("project %s has no source directory to build from", project.RunID)
	}

	dir, err := os.MkdirTemp("", "launch-build-")
	if err != nil {
		return nil, err
	}

	userDockerfile := filepath.Join(project.ProjectDir, DockerfileName)
	if contents, err := os.ReadFile(userDockerfile); err == nil {
		if err = copyTree(project.ProjectDir, dir); err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
		tag, err := imageTag(contents, project.ProjectDir)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
		return &BuildContext{Dir: dir, Dockerfile: contents, Tag: tag}, nil
	}

	if err = copyTree(project.ProjectDir, filepath.Join(dir, "src")); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	rendered, err := GenerateDockerfile(project)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	contents := []byte(rendered)
	if err = os.WriteFile(filepath.Join(dir, DockerfileName), contents, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	tag, err := imageTag(contents, project.ProjectDir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return &BuildContext{Dir: dir, Dockerfile: contents, Tag: tag}, nil
}

// Close removes the staging directory.
func (c *BuildContext) Close() error {
	return os.RemoveAll(c.Dir)
}

// Tarball writes the staged context as a gzipped tarball, the format the
// kaniko executor consumes.
func (c *BuildContext) Tarball(dst io.Writer) error {
	gz := gzip.NewWriter(dst)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(c.Dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.Dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err = tw.WriteHeader(header); err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
	if err != nil {
		return err
	}
	if err = tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// imageTag derives the content-addressed tag: a SHA-256 over the Dockerfile
// bytes followed by every source file, walked in sorted relative-path order.
// Identical inputs always produce the identical tag.
func imageTag(dockerfile []byte, srcDir string) (string, error) {
	hash := sha256.New()
	hash.Write(dockerfile)

	var files []string
	err := filepath.WalkDir(srcDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	for _, rel := range files {
		hash.Write([]byte(filepath.ToSlash(rel)))
		file, err := os.Open(filepath.Join(srcDir, rel))
		if err != nil {
			return "", err
		}
		_, err = io.Copy(hash, file)
		_ = file.Close()
		if err != nil {
			return "", err
		}
	}

	return strings.ToLower(hex.EncodeToString(hash.Sum(nil))), nil
}

func copyTree(src string, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if err = os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

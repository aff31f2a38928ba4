package builder

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wandb/launch/common/types"
)

var _ = Describe("CreateBuildContext", func() {
	It("stages the source under src/ with a generated Dockerfile", func() {
		project := stageProject(nil)

		buildCtx, err := CreateBuildContext(project)
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = buildCtx.Close() }()

		Expect(filepath.Join(buildCtx.Dir, "src", "main.py")).To(BeAnExistingFile())
		Expect(filepath.Join(buildCtx.Dir, DockerfileName)).To(BeAnExistingFile())
		Expect(string(buildCtx.Dockerfile)).To(ContainSubstring("FROM python:3.10 as build"))
		Expect(buildCtx.Tag).To(HaveLen(64))
		Expect(buildCtx.Tag).To(MatchRegexp("^[0-9a-f]+$"))
	})

	It("derives the same tag for the same inputs", func() {
		project := stageProject(nil)

		first, err := CreateBuildContext(project)
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = first.Close() }()

		second, err := CreateBuildContext(project)
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = second.Close() }()

		Expect(second.Tag).To(Equal(first.Tag))
	})

	It("changes the tag when a source file changes", func() {
		project := stageProject(nil)

		first, err := CreateBuildContext(project)
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = first.Close() }()

		Expect(os.WriteFile(filepath.Join(project.ProjectDir, "main.py"), []byte("print('bye')\n"), 0o644)).To(Succeed())

		second, err := CreateBuildContext(project)
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = second.Close() }()

		Expect(second.Tag).ToNot(Equal(first.Tag))
	})

	It("prefers a user-supplied Dockerfile", func() {
		custom := "FROM scratch\nCOPY main.py /main.py\n"
		project := stageProject(map[string]string{DockerfileName: custom})

		buildCtx, err := CreateBuildContext(project)
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = buildCtx.Close() }()

		Expect(string(buildCtx.Dockerfile)).To(Equal(custom))
		// User contexts are copied flat, not under src/.
		Expect(filepath.Join(buildCtx.Dir, "main.py")).To(BeAnExistingFile())
	})

	It("rejects a project without a source directory", func() {
		project := &types.LaunchProject{RunID: "abcd1234"}
		_, err := CreateBuildContext(project)
		Expect(err).To(HaveOccurred())
		Expect(types.IsConfigurationError(err)).To(BeTrue())
	})

	It("writes a tarball kaniko can unpack", func() {
		project := stageProject(nil)

		buildCtx, err := CreateBuildContext(project)
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = buildCtx.Close() }()

		var buf bytes.Buffer
		Expect(buildCtx.Tarball(&buf)).To(Succeed())

		gz, err := gzip.NewReader(&buf)
		Expect(err).ToNot(HaveOccurred())
		tr := tar.NewReader(gz)

		var names []string
		for {
			header, err := tr.Next()
			if err == io.EOF {
				break
			}
			Expect(err).ToNot(HaveOccurred())
			names = append(names, header.Name)
		}
		Expect(names).To(ContainElements(DockerfileName, "src/main.py"))
	})
})

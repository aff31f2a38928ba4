package builder

import (
	"context"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wandb/launch/common/types"
	"github.com/wandb/launch/registry"
)

var _ = Describe("DockerBuilder", func() {
	var (
		reg      *fakeRegistry
		builder  *DockerBuilder
		commands [][]string
	)

	BeforeEach(func() {
		reg = &fakeRegistry{typ: registry.TypeECR, repo: "registry.example.com/launch", existing: map[string]bool{}}
		commands = nil

		var err error
		builder, err = NewDockerBuilder(nil, reg)
		Expect(err).ToNot(HaveOccurred())
		builder.runCmd = func(_ context.Context, name string, args ...string) ([]byte, error) {
			commands = append(commands, append([]string{name}, args...))
			return nil, nil
		}
	})

	joined := func() []string {
		var out []string
		for _, command := range commands {
			out = append(out, strings.Join(command, " "))
		}
		return out
	}

	It("builds and pushes a tagged image", func() {
		project := stageProject(nil)

		uri, err := builder.Build(context.Background(), project)
		Expect(err).ToNot(HaveOccurred())
		Expect(uri).To(HavePrefix("registry.example.com/launch:"))

		Expect(joined()).To(ContainElement(ContainSubstring("docker build -t " + uri)))
		Expect(joined()).To(ContainElement("docker push " + uri))
	})

	It("skips the build on a registry hit", func() {
		project := stageProject(nil)

		uri, err := builder.Build(context.Background(), project)
		Expect(err).ToNot(HaveOccurred())

		reg.existing[uri] = true
		commands = nil

		again, err := builder.Build(context.Background(), project)
		Expect(err).ToNot(HaveOccurred())
		Expect(again).To(Equal(uri))
		Expect(commands).To(BeEmpty())
	})

	It("does not push to a local registry", func() {
		reg.typ = registry.TypeLocal
		project := stageProject(nil)

		_, err := builder.Build(context.Background(), project)
		Expect(err).ToNot(HaveOccurred())
		Expect(joined()).ToNot(ContainElement(ContainSubstring("docker push")))
	})

	It("logs in when the registry hands out credentials", func() {
		reg.username = "AWS"
		reg.password = "token"
		project := stageProject(nil)

		_, err := builder.Build(context.Background(), project)
		Expect(err).ToNot(HaveOccurred())
		Expect(joined()).To(ContainElement("docker login --username AWS --password token registry.example.com"))
	})

	It("wraps build failures as build-stage errors", func() {
		builder.runCmd = func(_ context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("no space left on device")
		}
		project := stageProject(nil)

		_, err := builder.Build(context.Background(), project)
		Expect(err).To(HaveOccurred())

		var buildErr *types.BuildError
		Expect(errors.As(err, &buildErr)).To(BeTrue())
		Expect(buildErr.Stage).To(Equal(types.ErrorStageBuild))
	})
})

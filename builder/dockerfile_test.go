package builder

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wandb/launch/common/types"
)

var _ = Describe("GenerateDockerfile", func() {
	It("renders the two-stage default", func() {
		project := stageProject(nil)

		contents, err := GenerateDockerfile(project)
		Expect(err).ToNot(HaveOccurred())
		Expect(contents).To(ContainSubstring("FROM python:3.10 as build"))
		Expect(contents).To(ContainSubstring("FROM python:3.10-bookworm as base"))
		Expect(contents).To(ContainSubstring(`ENTRYPOINT ["python","main.py"]`))
		Expect(contents).To(ContainSubstring("USER launch_user"))
		Expect(contents).To(ContainSubstring("--uid 1000"))
		Expect(contents).To(ContainSubstring("COPY --chown=1000 src/ /home/launch_user"))
		// No requirements file, so the venv stage only creates the directory.
		Expect(contents).To(ContainSubstring("RUN mkdir -p /env"))
		Expect(contents).ToNot(ContainSubstring("pip install"))
	})

	It("installs requirements when the project ships them", func() {
		project := stageProject(map[string]string{"requirements.txt": "numpy\n"})

		contents, err := GenerateDockerfile(project)
		Expect(err).ToNot(HaveOccurred())
		Expect(contents).To(ContainSubstring("pip install -r requirements.txt"))
		Expect(contents).To(ContainSubstring("python -m venv /env"))
	})

	It("runs as root for sagemaker", func() {
		project := stageProject(nil)
		project.Resource = "sagemaker"

		contents, err := GenerateDockerfile(project)
		Expect(err).ToNot(HaveOccurred())
		Expect(contents).To(ContainSubstring("USER root"))
		Expect(contents).ToNot(ContainSubstring("useradd"))
		Expect(contents).To(ContainSubstring("chown -R 0"))
	})

	It("installs python on top of an accelerator image", func() {
		project := stageProject(nil)
		project.BaseImage = "nvidia/cuda:12.1.0-runtime-ubuntu22.04"

		contents, err := GenerateDockerfile(project)
		Expect(err).ToNot(HaveOccurred())
		Expect(contents).To(ContainSubstring("FROM nvidia/cuda:12.1.0-runtime-ubuntu22.04 as base"))
		Expect(contents).To(ContainSubstring("python3.10"))
		Expect(contents).To(ContainSubstring("update-alternatives"))
	})

	It("rejects a project without an entrypoint", func() {
		project := stageProject(nil)
		project.EntryPoint = nil

		_, err := GenerateDockerfile(project)
		Expect(err).To(HaveOccurred())
		Expect(types.IsConfigurationError(err)).To(BeTrue())
	})
})

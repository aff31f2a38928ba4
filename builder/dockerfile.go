package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/wandb/launch/common/types"
)

// DockerfileName is the rendered Dockerfile's name inside the build context.
// A file by this name next to the project's entrypoint overrides the
// generated one.
const DockerfileName = "Dockerfile.wandb"

const defaultPythonVersion = "3.10"

const dockerfileTemplate = `
# ----- stage 1: build -----
FROM %[1]s as build

ENV PIP_PROGRESS_BAR off
%[2]s

# ----- stage 2: base -----
%[3]s

COPY --from=build /env /env
ENV PATH="/env/bin:$PATH"

ENV SHELL /bin/bash

%[4]s

WORKDIR %[5]s
RUN chown -R %[6]d %[5]s

RUN mkdir -p %[5]s/.cache && chown -R %[6]d %[5]s/.cache

COPY --chown=%[6]d src/ %[5]s

ENV PYTHONUNBUFFERED=1

%[7]s
`

const pipSection = `
RUN python -m venv /env
ENV PATH="/env/bin:$PATH"

COPY src/requirements.txt ./
RUN WANDB_DISABLE_CACHE=true pip install -r requirements.txt
`

const accelSectionTemplate = `
FROM %[1]s as base

ENV DEBIAN_FRONTEND=noninteractive

RUN apt-get update -qq && apt-get install --no-install-recommends -y \
    python%[2]s \
    libpython%[2]s \
    python3-pip \
    python3-setuptools \
    && apt-get -qq purge && apt-get -qq clean \
    && rm -rf /var/lib/apt/lists/*

RUN update-alternatives --install /usr/bin/python python /usr/bin/python%[2]s 1 \
    && update-alternatives --install /usr/local/bin/python python /usr/bin/python%[2]s 1
`

const userCreateTemplate = `
RUN useradd \
    --create-home \
    --no-log-init \
    --shell /bin/bash \
    --gid 0 \
    --uid %[1]d \
    %[2]s || echo ""
USER %[2]s`

// GenerateDockerfile renders the two-stage Dockerfile for the project. The
// build stage installs dependencies into a venv, the base stage copies the
// venv and the source tree on top of a plain python or accelerator image.
func GenerateDockerfile(project *types.LaunchProject) (string, error) {
	if project.EntryPoint == nil || len(project.EntryPoint.Command) == 0 {
		return "", types.NewConfigurationErrorf("project %s has no entrypoint to containerize", project.RunID)
	}

	pyVersion := defaultPythonVersion
	buildImage := "python:" + pyVersion

	requirements := requirementsSection(project.ProjectDir)
	baseSetup := baseSetupSection(project.BaseImage, pyVersion)
	userSetup, username, uid := userSection(project.Resource)
	workdir := "/home/" + username

	entrypoint, err := json.Marshal(project.EntryPoint.Command)
	if err != nil {
		return "", err
	}

	contents := fmt.Sprintf(dockerfileTemplate,
		buildImage,
		requirements,
		baseSetup,
		userSetup,
		workdir,
		uid,
		"ENTRYPOINT "+string(entrypoint),
	)
	return strings.TrimLeft(contents, "\n"), nil
}

func requirementsSection(projectDir string) string {
	if projectDir != "" {
		if _, err := os.Stat(filepath.Join(projectDir, "requirements.txt")); err == nil {
			return strings.TrimSpace(pipSection)
		}
	}
	// Docker fails on an empty COPY --from otherwise.
	return "RUN mkdir -p /env"
}

func baseSetupSection(acceleratorImage string, pyVersion string) string {
	if acceleratorImage != "" {
		return strings.TrimSpace(fmt.Sprintf(accelSectionTemplate, acceleratorImage, pyVersion))
	}
	return fmt.Sprintf("FROM python:%s-bookworm as base", pyVersion)
}

// userSection returns the USER block. SageMaker containers must run as root;
// everything else gets a non-root user with a stable uid.
func userSection(resource string) (section string, username string, uid int) {
	if resource == "sagemaker" {
		return "USER root", "launch_user", 0
	}
	username, uid = "launch_user", 1000
	return strings.TrimSpace(fmt.Sprintf(userCreateTemplate, uid, username)), username, uid
}

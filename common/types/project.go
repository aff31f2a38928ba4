package types

import (
	"fmt"
	"os"
	"strings"

	"github.com/wandb/launch/common/utils"
)

// SourceKind identifies where a launch project's code comes from.
type SourceKind int

const (
	// SourceJob means the project references a job artifact.
	SourceJob SourceKind = iota + 1
	// SourceURI means the project references a git or local code URI.
	SourceURI
	// SourceImage means the project references a prebuilt docker image.
	SourceImage
)

// EntryPoint is the command executed inside the job's container or process.
type EntryPoint struct {
	Command []string
}

// LaunchProject is the resolved description of one job, created once per
// popped queue item. It is immutable after the runner accepts it, except for
// the image URI filled in by the build.
type LaunchProject struct {
	Source       SourceKind
	URI          string
	Job          string
	DockerImage  string
	BaseImage    string
	TargetEntity string
	TargetProj   string
	Resource     string
	ResourceArgs map[string]interface{}

	EntryPoint     *EntryPoint
	OverrideArgs   []string
	OverrideConfig map[string]interface{}

	RunID   string
	Author  string
	SweepID string

	// QueueName and QueueEntity record which run queue the item came from.
	QueueName   string
	QueueEntity string

	// ProjectDir is the local directory holding the project source, staged
	// by the caller before a build. Empty for image-sourced projects.
	ProjectDir string

	forceBuild bool
	imageURI   string
}

// NewProjectFromSpec resolves a popped launch spec into a LaunchProject.
func NewProjectFromSpec(spec *LaunchSpec, queueName string, queueEntity string) (*LaunchProject, error) {
	project := &LaunchProject{
		URI:            spec.URI,
		Job:            spec.Job,
		DockerImage:    spec.DockerImage,
		TargetEntity:   spec.Entity,
		TargetProj:     spec.Project,
		Resource:       spec.Resource,
		ResourceArgs:   spec.ResourceArgs,
		OverrideArgs:   spec.Overrides.Args,
		OverrideConfig: spec.Overrides.RunConfig,
		RunID:          spec.RunID,
		Author:         spec.Author,
		SweepID:        spec.SweepID,
		QueueName:      queueName,
		QueueEntity:    queueEntity,
		forceBuild:     spec.Build,
	}

	switch {
	case spec.Job != "":
		project.Source = SourceJob
	case spec.URI != "":
		project.Source = SourceURI
		if !isGitURI(spec.URI) {
			if _, err := os.Stat(spec.URI); err != nil {
				return nil, NewConfigurationErrorf(
					"launch spec uri %q is neither a git uri nor a valid local path", spec.URI)
			}
			project.ProjectDir = spec.URI
		}
	case spec.DockerImage != "":
		project.Source = SourceImage
	default:
		return nil, NewConfigurationErrorf("launch spec must provide one of uri, job, or docker_image")
	}

	if project.Resource == "" {
		project.Resource = "local-container"
	}
	if project.RunID == "" {
		project.RunID = utils.GenerateRunID()
	}
	if len(spec.EntryPoint) > 0 {
		project.EntryPoint = &EntryPoint{Command: spec.EntryPoint}
	}
	if len(spec.Overrides.EntryPoint) > 0 {
		project.EntryPoint = &EntryPoint{Command: spec.Overrides.EntryPoint}
	}

	return project, nil
}

// BuildRequired reports whether the agent must build an image for this
// project: code-sourced jobs with no prebuilt image, or an explicit request.
func (p *LaunchProject) BuildRequired() bool {
	if p.forceBuild {
		return true
	}
	return p.Source != SourceImage && p.DockerImage == "" && p.imageURI == ""
}

// ImageName returns the image name used when no registry supplies a repo URI.
func (p *LaunchProject) ImageName() string {
	sanitize := func(s string) string {
		return strings.ToLower(strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			default:
				return '_'
			}
		}, s))
	}
	return fmt.Sprintf("%s_%s", sanitize(p.TargetEntity), sanitize(p.TargetProj))
}

// SetImageURI records the image produced by the build for this project.
func (p *LaunchProject) SetImageURI(uri string) {
	p.imageURI = uri
}

// ImageURI returns the image the runner should submit: the built image if a
// build occurred, otherwise the prebuilt image from the spec.
func (p *LaunchProject) ImageURI() string {
	if p.imageURI != "" {
		return p.imageURI
	}
	return p.DockerImage
}

func isGitURI(uri string) bool {
	return strings.HasPrefix(uri, "git@") ||
		strings.HasPrefix(uri, "git://") ||
		strings.HasPrefix(uri, "https://github.com") ||
		strings.HasPrefix(uri, "https://gitlab.com") ||
		strings.HasSuffix(uri, ".git")
}

package runner

import (
	"context"
	"fmt"
	"time"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"google.golang.org/api/option"

	"github.com/wandb/launch/common/types"
)

const vertexPollPeriod = 30 * time.Second

// VertexConfig is the "vertex" runner block.
type VertexConfig struct {
	Project string `yaml:"project" json:"project"`
	Region  string `yaml:"region" json:"region"`
	// StagingBucket is the GCS bucket Vertex stages job outputs in.
	StagingBucket string `yaml:"staging_bucket" json:"staging_bucket"`
}

// VertexRunner submits jobs as Vertex AI custom jobs with a single worker
// pool running the project's container.
type VertexRunner struct {
	cfg    VertexConfig
	core   CoreConfig
	client *aiplatform.JobClient
	log    logger.Logger
}

func NewVertexRunner(ctx context.Context, raw map[string]interface{}, core CoreConfig) (*VertexRunner, error) {
	var cfg VertexConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, types.NewConfigurationErrorf("invalid vertex runner config: %v", err)
	}
	if cfg.Project == "" || cfg.Region == "" {
		return nil, types.NewConfigurationErrorf("vertex runner requires a project and a region")
	}

	endpoint := fmt.Sprintf("%s-aiplatform.googleapis.com:443", cfg.Region)
	client, err := aiplatform.NewJobClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, types.NewConfigurationErrorf("failed to create Vertex job client: %v", err)
	}

	runner := &VertexRunner{cfg: cfg, core: core, client: client}
	config.InitLogger(&runner.log, runner)
	return runner, nil
}

func (r *VertexRunner) Backend() string { return BackendVertex }

func (r *VertexRunner) Run(ctx context.Context, project *types.LaunchProject, imageURI string) (SubmittedRun, error) {
	if imageURI == "" {
		return nil, types.NewRunnerError(BackendVertex,
			types.NewConfigurationErrorf("project %s has no image to run", project.RunID))
	}

	args := SubstituteMacros(project.ResourceArgs, project, imageURI)
	fragment, _ := args["vertex"].(map[string]interface{})

	machineType, _ := fragment["machine_type"].(string)
	if machineType == "" {
		machineType = "n1-standard-4"
	}
	stagingBucket := r.cfg.StagingBucket
	if override, ok := fragment["staging_bucket"].(string); ok && override != "" {
		stagingBucket = override
	}

	var env []*aiplatformpb.EnvVar
	for key, value := range EnvVars(project, imageURI, r.core.BaseURL, r.core.APIKey) {
		env = append(env, &aiplatformpb.EnvVar{Name: key, Value: value})
	}

	jobSpec := &aiplatformpb.CustomJobSpec{
		WorkerPoolSpecs: []*aiplatformpb.WorkerPoolSpec{
			{
				MachineSpec:  &aiplatformpb.MachineSpec{MachineType: machineType},
				ReplicaCount: 1,
				Task: &aiplatformpb.WorkerPoolSpec_ContainerSpec{
					ContainerSpec: &aiplatformpb.ContainerSpec{
						ImageUri: imageURI,
						Args:     project.OverrideArgs,
						Env:      env,
					},
				},
			},
		},
	}
	if stagingBucket != "" {
		jobSpec.BaseOutputDirectory = &aiplatformpb.GcsDestination{
			OutputUriPrefix: fmt.Sprintf("gs://%s/%s", stagingBucket, project.RunID),
		}
	}

	parent := fmt.Sprintf("projects/%s/locations/%s", r.cfg.Project, r.cfg.Region)
	created, err := r.client.CreateCustomJob(ctx, &aiplatformpb.CreateCustomJobRequest{
		Parent: parent,
		CustomJob: &aiplatformpb.CustomJob{
			DisplayName: fmt.Sprintf("launch-%s", project.RunID),
			JobSpec:     jobSpec,
		},
	})
	if err != nil {
		return nil, types.NewRunnerError(BackendVertex, err)
	}

	r.log.Info("Submitted Vertex custom job %s for run %s.", created.Name, project.RunID)
	return &vertexRun{client: r.client, jobName: created.Name}, nil
}

type vertexRun struct {
	client  *aiplatform.JobClient
	jobName string
}

func (r *vertexRun) ID() string { return r.jobName }

func (r *vertexRun) Status(ctx context.Context) (Status, error) {
	job, err := r.client.GetCustomJob(ctx, &aiplatformpb.GetCustomJobRequest{Name: r.jobName})
	if err != nil {
		return StatusUnknown, types.NewRunnerError(BackendVertex, err)
	}
	switch job.State {
	case aiplatformpb.JobState_JOB_STATE_SUCCEEDED:
		return StatusFinished, nil
	case aiplatformpb.JobState_JOB_STATE_FAILED, aiplatformpb.JobState_JOB_STATE_EXPIRED:
		return StatusFailed, nil
	case aiplatformpb.JobState_JOB_STATE_CANCELLED, aiplatformpb.JobState_JOB_STATE_CANCELLING:
		return StatusStopped, nil
	case aiplatformpb.JobState_JOB_STATE_RUNNING:
		return StatusRunning, nil
	default:
		return StatusStarting, nil
	}
}

func (r *vertexRun) Cancel(ctx context.Context) error {
	err := r.client.CancelCustomJob(ctx, &aiplatformpb.CancelCustomJobRequest{Name: r.jobName})
	if err != nil {
		return types.NewRunnerError(BackendVertex, err)
	}
	return nil
}

func (r *vertexRun) Wait(ctx context.Context) (Status, error) {
	ticker := time.NewTicker(vertexPollPeriod)
	defer ticker.Stop()

	for {
		status, err := r.Status(ctx)
		if err != nil {
			return status, err
		}
		if status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return StatusUnknown, ctx.Err()
		case <-ticker.C:
		}
	}
}

package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	smtypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/wandb/launch/common/types"
)

const sagemakerPollPeriod = 30 * time.Second

// SageMakerConfig is the "sagemaker" runner block. Per-job settings come in
// through resource_args under "sagemaker".
type SageMakerConfig struct {
	Region  string `yaml:"region" json:"region"`
	RoleArn string `yaml:"role_arn" json:"role_arn"`
}

// SageMakerRunner submits jobs as SageMaker training jobs.
type SageMakerRunner struct {
	cfg    SageMakerConfig
	core   CoreConfig
	client *sagemaker.Client
	log    logger.Logger
}

func NewSageMakerRunner(ctx context.Context, raw map[string]interface{}, core CoreConfig) (*SageMakerRunner, error) {
	var cfg SageMakerConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, types.NewConfigurationErrorf("invalid sagemaker runner config: %v", err)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, types.NewConfigurationErrorf("failed to load AWS SDK config: %v", err)
	}

	runner := &SageMakerRunner{
		cfg:    cfg,
		core:   core,
		client: sagemaker.NewFromConfig(sdkConfig),
	}
	config.InitLogger(&runner.log, runner)
	return runner, nil
}

func (r *SageMakerRunner) Backend() string { return BackendSageMaker }

func (r *SageMakerRunner) Run(ctx context.Context, project *types.LaunchProject, imageURI string) (SubmittedRun, error) {
	input, err := r.renderTrainingJob(project, imageURI)
	if err != nil {
		return nil, err
	}

	if _, err := r.client.CreateTrainingJob(ctx, input); err != nil {
		return nil, types.NewRunnerError(BackendSageMaker, err)
	}

	jobName := aws.ToString(input.TrainingJobName)
	r.log.Info("Submitted SageMaker training job %s for run %s.", jobName, project.RunID)
	return &sagemakerRun{client: r.client, jobName: jobName}, nil
}

// renderTrainingJob maps the project and its sagemaker resource_args onto a
// CreateTrainingJob request.
func (r *SageMakerRunner) renderTrainingJob(project *types.LaunchProject, imageURI string) (*sagemaker.CreateTrainingJobInput, error) {
	if imageURI == "" {
		return nil, types.NewRunnerError(BackendSageMaker,
			types.NewConfigurationErrorf("project %s has no image to run", project.RunID))
	}

	args := SubstituteMacros(project.ResourceArgs, project, imageURI)
	fragment, _ := args["sagemaker"].(map[string]interface{})

	roleArn := r.cfg.RoleArn
	if override, ok := fragment["role_arn"].(string); ok && override != "" {
		roleArn = override
	}
	if roleArn == "" {
		return nil, types.NewRunnerError(BackendSageMaker,
			types.NewConfigurationErrorf("sagemaker jobs require a role_arn"))
	}
	outputPath, _ := fragment["output_path"].(string)
	if outputPath == "" {
		return nil, types.NewRunnerError(BackendSageMaker,
			types.NewConfigurationErrorf("sagemaker jobs require an output_path"))
	}
	instanceType, _ := fragment["instance_type"].(string)
	if instanceType == "" {
		instanceType = "ml.m4.xlarge"
	}
	instanceCount := int32(1)
	if count, ok := toInt32(fragment["instance_count"]); ok && count > 0 {
		instanceCount = count
	}

	jobName := fmt.Sprintf("launch-%s-%d", project.RunID, time.Now().Unix())
	return &sagemaker.CreateTrainingJobInput{
		TrainingJobName: aws.String(jobName),
		RoleArn:         aws.String(roleArn),
		AlgorithmSpecification: &smtypes.AlgorithmSpecification{
			TrainingImage:     aws.String(imageURI),
			TrainingInputMode: smtypes.TrainingInputModeFile,
		},
		OutputDataConfig: &smtypes.OutputDataConfig{S3OutputPath: aws.String(outputPath)},
		ResourceConfig: &smtypes.ResourceConfig{
			InstanceType:   smtypes.TrainingInstanceType(instanceType),
			InstanceCount:  aws.Int32(instanceCount),
			VolumeSizeInGB: aws.Int32(30),
		},
		StoppingCondition: &smtypes.StoppingCondition{MaxRuntimeInSeconds: aws.Int32(86400)},
		Environment:       EnvVars(project, imageURI, r.core.BaseURL, r.core.APIKey),
	}, nil
}

// toInt32 coerces the numeric types a JSON or YAML decode can produce.
func toInt32(value interface{}) (int32, bool) {
	switch v := value.(type) {
	case int:
		return int32(v), true
	case int64:
		return int32(v), true
	case float64:
		return int32(v), true
	default:
		return 0, false
	}
}

type sagemakerRun struct {
	client  *sagemaker.Client
	jobName string
}

func (r *sagemakerRun) ID() string { return r.jobName }

func (r *sagemakerRun) Status(ctx context.Context) (Status, error) {
	out, err := r.client.DescribeTrainingJob(ctx, &sagemaker.DescribeTrainingJobInput{
		TrainingJobName: &r.jobName,
	})
	if err != nil {
		return StatusUnknown, types.NewRunnerError(BackendSageMaker, err)
	}
	switch out.TrainingJobStatus {
	case smtypes.TrainingJobStatusCompleted:
		return StatusFinished, nil
	case smtypes.TrainingJobStatusFailed:
		return StatusFailed, nil
	case smtypes.TrainingJobStatusStopped, smtypes.TrainingJobStatusStopping:
		return StatusStopped, nil
	case smtypes.TrainingJobStatusInProgress:
		return StatusRunning, nil
	default:
		return StatusStarting, nil
	}
}

func (r *sagemakerRun) Cancel(ctx context.Context) error {
	_, err := r.client.StopTrainingJob(ctx, &sagemaker.StopTrainingJobInput{
		TrainingJobName: &r.jobName,
	})
	if err != nil {
		return types.NewRunnerError(BackendSageMaker, err)
	}
	return nil
}

func (r *sagemakerRun) Wait(ctx context.Context) (Status, error) {
	ticker := time.NewTicker(sagemakerPollPeriod)
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

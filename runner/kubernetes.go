package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/wandb/launch/common/types"
)

const kubernetesPollPeriod = 5 * time.Second

// KubernetesConfig is the "kubernetes" runner block.
type KubernetesConfig struct {
	Namespace string `yaml:"namespace" json:"namespace"`
}

// KubernetesRunner submits jobs as batch/v1 Jobs. The resource_args fragment
// under "kubernetes" customizes the rendered Job.
type KubernetesRunner struct {
	cfg       KubernetesConfig
	core      CoreConfig
	clientset kubernetes.Interface
	log       logger.Logger
}

func NewKubernetesRunner(raw map[string]interface{}, clientset kubernetes.Interface, core CoreConfig) (*KubernetesRunner, error) {
	var cfg KubernetesConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, types.NewConfigurationErrorf("invalid kubernetes runner config: %v", err)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}

	runner := &KubernetesRunner{cfg: cfg, core: core, clientset: clientset}
	config.InitLogger(&runner.log, runner)
	return runner, nil
}

func (r *KubernetesRunner) Backend() string { return BackendKubernetes }

func (r *KubernetesRunner) Run(ctx context.Context, project *types.LaunchProject, imageURI string) (SubmittedRun, error) {
	if imageURI == "" {
		return nil, types.NewRunnerError(BackendKubernetes,
			types.NewConfigurationErrorf("project %s has no image to run", project.RunID))
	}

	args := SubstituteMacros(project.ResourceArgs, project, imageURI)
	fragment, _ := args["kubernetes"].(map[string]interface{})

	job := r.renderJob(project, imageURI, fragment)
	namespace := job.Namespace

	created, err := r.clientset.BatchV1().Jobs(namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, types.NewRunnerError(BackendKubernetes, err)
	}

	r.log.Info("Submitted job %s/%s for run %s.", namespace, created.Name, project.RunID)
	return &kubernetesRun{
		clientset: r.clientset,
		namespace: namespace,
		jobName:   created.Name,
	}, nil
}

func (r *KubernetesRunner) renderJob(project *types.LaunchProject, imageURI string, fragment map[string]interface{}) *batchv1.Job {
	namespace := r.cfg.Namespace
	if override, ok := fragment["namespace"].(string); ok && override != "" {
		namespace = override
	}

	labels := map[string]string{
		"wandb":        "launch",
		"wandb-run-id": project.RunID,
	}
	if extra, ok := fragment["labels"].(map[string]interface{}); ok {
		for key, value := range extra {
			if s, ok := value.(string); ok {
				labels[key] = s
			}
		}
	}

	nodeSelector := map[string]string{}
	if selector, ok := fragment["node_selector"].(map[string]interface{}); ok {
		for key, value := range selector {
			if s, ok := value.(string); ok {
				nodeSelector[key] = s
			}
		}
	}

	var env []corev1.EnvVar
	for key, value := range EnvVars(project, imageURI, r.core.BaseURL, r.core.APIKey) {
		env = append(env, corev1.EnvVar{Name: key, Value: value})
	}

	container := corev1.Container{
		Name:  "launch-job",
		Image: imageURI,
		Env:   env,
		Args:  project.OverrideArgs,
	}

	backoffLimit := int32(0)
	return &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("launch-%s", project.RunID),
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					NodeSelector:  nodeSelector,
					Containers:    []corev1.Container{container},
				},
			},
		},
	}
}

type kubernetesRun struct {
	clientset kubernetes.Interface
	namespace string
	jobName   string
	cancelled bool
}

func (r *kubernetesRun) ID() string {
	return fmt.Sprintf("%s/%s", r.namespace, r.jobName)
}

func (r *kubernetesRun) Status(ctx context.Context) (Status, error) {
	job, err := r.clientset.BatchV1().Jobs(r.namespace).Get(ctx, r.jobName, metav1.GetOptions{})
	if err != nil {
		if r.cancelled {
			return StatusStopped, nil
		}
		return StatusUnknown, types.NewRunnerError(BackendKubernetes, err)
	}
	switch {
	case job.Status.Succeeded > 0:
		return StatusFinished, nil
	case job.Status.Failed > 0:
		return StatusFailed, nil
	case job.Status.Active > 0:
		return StatusRunning, nil
	default:
		return StatusStarting, nil
	}
}

// Cancel deletes the Job, cascading to its pods.
func (r *kubernetesRun) Cancel(ctx context.Context) error {
	r.cancelled = true
	policy := metav1.DeletePropagationBackground
	err := r.clientset.BatchV1().Jobs(r.namespace).Delete(ctx, r.jobName, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil {
		return types.NewRunnerError(BackendKubernetes, err)
	}
	return nil
}

func (r *kubernetesRun) Wait(ctx context.Context) (Status, error) {
	ticker := time.NewTicker(kubernetesPollPeriod)
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

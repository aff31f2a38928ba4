package builder

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/wandb/launch/common/types"
	"github.com/wandb/launch/environment"
	"github.com/wandb/launch/registry"
)

const (
	kanikoDefaultImage   = "gcr.io/kaniko-project/executor:v1.11.0"
	kanikoDefaultTimeout = 1800 * time.Second
	kanikoPollPeriod     = 10 * time.Second
	kanikoServiceAccount = "wandb-launch-serviceaccount"
)

// KanikoConfig is the "kaniko" builder block.
type KanikoConfig struct {
	// BuildContextStore is the object-store URI build context tarballs are
	// uploaded under, e.g. s3://bucket/prefix.
	BuildContextStore string `yaml:"build_context_store" json:"build_context_store"`
	Namespace         string `yaml:"namespace" json:"namespace"`
	Image             string `yaml:"image" json:"image"`
	ServiceAccount    string `yaml:"service_account" json:"service_account"`
	// SecretName/SecretKey point at a pre-provisioned registry credential
	// secret mounted into the build pod.
	SecretName string `yaml:"secret_name" json:"secret_name"`
	SecretKey  string `yaml:"secret_key" json:"secret_key"`
}

// KanikoBuilder builds images inside the cluster with transient kaniko Jobs.
// The agent needs no docker daemon; the context tarball travels through the
// environment's object store.
type KanikoBuilder struct {
	cfg       KanikoConfig
	clientset kubernetes.Interface
	env       environment.Environment
	registry  registry.Registry
	log       logger.Logger
}

func NewKanikoBuilder(raw map[string]interface{}, clientset kubernetes.Interface, env environment.Environment, reg registry.Registry) (*KanikoBuilder, error) {
	var cfg KanikoConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, types.NewConfigurationErrorf("invalid kaniko builder config: %v", err)
	}
	if cfg.BuildContextStore == "" {
		return nil, types.NewConfigurationErrorf("kaniko builder requires a build_context_store")
	}
	if (cfg.SecretName == "") != (cfg.SecretKey == "") {
		return nil, types.NewConfigurationErrorf("kaniko builder requires both secret_name and secret_key, or neither")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Image == "" {
		cfg.Image = kanikoDefaultImage
	}
	if cfg.ServiceAccount == "" {
		cfg.ServiceAccount = kanikoServiceAccount
	}

	builder := &KanikoBuilder{
		cfg:       cfg,
		clientset: clientset,
		env:       env,
		registry:  reg,
	}
	config.InitLogger(&builder.log, builder)
	return builder, nil
}

func (b *KanikoBuilder) Type() string { return TypeKaniko }

// Verify checks that the build namespace is visible to the agent's service
// account.
func (b *KanikoBuilder) Verify(ctx context.Context) error {
	_, err := b.clientset.BatchV1().Jobs(b.cfg.Namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return types.NewConfigurationErrorf("cannot list jobs in namespace %s: %v", b.cfg.Namespace, err)
	}
	return nil
}

func (b *KanikoBuilder) Build(ctx context.Context, project *types.LaunchProject) (string, error) {
	buildCtx, err := CreateBuildContext(project)
	if err != nil {
		return "", types.NewBuildError(types.ErrorStageBuild, err)
	}
	defer func() { _ = buildCtx.Close() }()

	uri, err := imageURI(ctx, b.registry, project, buildCtx.Tag)
	if err != nil {
		return "", types.NewBuildError(types.ErrorStageBuild, err)
	}
	if checkExisting(ctx, b.registry, uri) {
		b.log.Info("Image %s already exists, skipping build.", uri)
		return uri, nil
	}

	contextURI, err := b.uploadContext(ctx, buildCtx, project.RunID)
	if err != nil {
		return "", types.NewBuildError(types.ErrorStageBuild, err)
	}

	jobName := fmt.Sprintf("launch-build-%s", project.RunID)

	configMapName, err := b.createDockerConfig(ctx, jobName, uri)
	if err != nil {
		return "", types.NewBuildError(types.ErrorStageBuild, err)
	}

	job := b.renderJob(jobName, configMapName, contextURI, uri)
	if _, err = b.clientset.BatchV1().Jobs(b.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		b.cleanup(jobName, configMapName)
		return "", types.NewBuildErrorf(types.ErrorStageBuild, "failed to create build job %s: %v", jobName, err)
	}
	defer b.cleanup(jobName, configMapName)

	b.log.Info("Started kaniko build job %s for image %s.", jobName, uri)
	if err = b.waitForJob(ctx, jobName); err != nil {
		return "", err
	}
	return uri, nil
}

// uploadContext tarballs the staged context and pushes it to the context
// store. Returns the URI kaniko reads the context from.
func (b *KanikoBuilder) uploadContext(ctx context.Context, buildCtx *BuildContext, runID string) (string, error) {
	tarball, err := os.CreateTemp("", "launch-context-*.tgz")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = tarball.Close()
		_ = os.Remove(tarball.Name())
	}()

	if err = buildCtx.Tarball(tarball); err != nil {
		return "", err
	}
	if err = tarball.Sync(); err != nil {
		return "", err
	}

	destination := fmt.Sprintf("%s/%s.tgz", strings.TrimSuffix(b.cfg.BuildContextStore, "/"), runID)
	if err = b.env.UploadFile(ctx, tarball.Name(), destination); err != nil {
		return "", err
	}
	return destination, nil
}

// createDockerConfig materializes registry credentials as a ConfigMap mounted
// at /kaniko/.docker. Returns "" when the registry needs no credentials.
func (b *KanikoBuilder) createDockerConfig(ctx context.Context, jobName string, imageURI string) (string, error) {
	username, password, err := b.registry.GetCredentials(ctx)
	if err != nil {
		return "", err
	}
	if username == "" {
		return "", nil
	}

	host := imageURI
	if idx := strings.Index(imageURI, "/"); idx >= 0 {
		host = imageURI[:idx]
	}
	auth := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	dockerConfig, err := json.Marshal(map[string]interface{}{
		"auths": map[string]interface{}{
			host: map[string]string{"auth": auth},
		},
	})
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("docker-config-%s", jobName)
	configMap := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: b.cfg.Namespace,
			Labels:    map[string]string{"wandb": "launch"},
		},
		Data: map[string]string{"config.json": string(dockerConfig)},
	}
	if _, err = b.clientset.CoreV1().ConfigMaps(b.cfg.Namespace).Create(ctx, configMap, metav1.CreateOptions{}); err != nil {
		return "", err
	}
	return name, nil
}

// renderJob builds the transient kaniko Job spec.
func (b *KanikoBuilder) renderJob(jobName string, configMapName string, contextURI string, imageURI string) *batchv1.Job {
	destination := strings.TrimPrefix(imageURI, "https://")
	cacheRepo := destination
	if idx := strings.LastIndex(cacheRepo, ":"); idx > strings.LastIndex(cacheRepo, "/") {
		cacheRepo = cacheRepo[:idx]
	}

	args := []string{
		"--context=" + contextURI,
		"--dockerfile=" + DockerfileName,
		"--destination=" + destination,
		"--cache=true",
		"--cache-repo=" + cacheRepo,
		"--snapshot-mode=redo",
		"--compressed-caching=false",
	}

	var env []corev1.EnvVar
	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount

	if configMapName != "" {
		volumes = append(volumes, corev1.Volume{
			Name: "docker-config",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: configMapName},
				},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: "docker-config", MountPath: "/kaniko/.docker"})
	}

	if b.cfg.SecretName != "" {
		mountPath, key := b.registrySecretMount()
		if mountPath != "" {
			volumes = append(volumes, corev1.Volume{
				Name: b.cfg.SecretName,
				VolumeSource: corev1.VolumeSource{
					Secret: &corev1.SecretVolumeSource{
						SecretName: b.cfg.SecretName,
						Items:      []corev1.KeyToPath{{Key: b.cfg.SecretKey, Path: key}},
					},
				},
			})
			mounts = append(mounts, corev1.VolumeMount{
				Name:      b.cfg.SecretName,
				MountPath: mountPath,
				ReadOnly:  true,
			})
			if b.registry.Type() == registry.TypeGCR {
				env = append(env, corev1.EnvVar{
					Name:  "GOOGLE_APPLICATION_CREDENTIALS",
					Value: mountPath + "/" + key,
				})
			}
		}
	}

	backoffLimit := int32(0)
	deadline := int64(kanikoDefaultTimeout.Seconds())
	return &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: b.cfg.Namespace,
			Labels:    map[string]string{"wandb": "launch"},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"wandb": "launch"},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:         corev1.RestartPolicyNever,
					ActiveDeadlineSeconds: &deadline,
					ServiceAccountName:    b.cfg.ServiceAccount,
					Containers: []corev1.Container{
						{
							Name:         "wandb-container-build",
							Image:        b.cfg.Image,
							Args:         args,
							Env:          env,
							VolumeMounts: mounts,
						},
					},
					Volumes: volumes,
				},
			},
		},
	}
}

// registrySecretMount maps the registry type to the credential path kaniko
// expects inside the build pod.
func (b *KanikoBuilder) registrySecretMount() (mountPath string, key string) {
	switch b.registry.Type() {
	case registry.TypeECR:
		return "/root/.aws", "credentials"
	case registry.TypeGCR:
		return "/kaniko/.config/gcloud", "config.json"
	default:
		b.log.Warn("Automatic credential handling is not supported for registry type %s.", b.registry.Type())
		return "", ""
	}
}

// waitForJob polls the Job until it succeeds, fails, or overruns the doubled
// build timeout. The pod's own activeDeadlineSeconds bounds the build itself;
// the doubling leaves room for image pull and scheduling delays.
func (b *KanikoBuilder) waitForJob(ctx context.Context, jobName string) error {
	deadline := time.Now().Add(2 * kanikoDefaultTimeout)
	ticker := time.NewTicker(kanikoPollPeriod)
	defer ticker.Stop()

	for {
		job, err := b.clientset.BatchV1().Jobs(b.cfg.Namespace).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil {
			return types.NewBuildErrorf(types.ErrorStageBuild, "failed to poll build job %s: %v", jobName, err)
		}
		if job.Status.Succeeded > 0 {
			b.log.Info("Build job %s succeeded.", jobName)
			b.warnFailedPackages(b.podLogs(ctx, jobName))
			return nil
		}
		if job.Status.Failed > 0 {
			logs := b.podLogs(ctx, jobName)
			b.warnFailedPackages(logs)
			if logs != "" {
				return types.NewBuildErrorf(types.ErrorStageBuild,
					"build job %s failed: %s", jobName, logTail(logs, 2048))
			}
			return types.NewBuildErrorf(types.ErrorStageBuild, "build job %s failed", jobName)
		}
		if time.Now().After(deadline) {
			return types.NewBuildErrorf(types.ErrorStageBuild, "build job %s timed out", jobName)
		}

		select {
		case <-ctx.Done():
			return types.NewBuildError(types.ErrorStageBuild, ctx.Err())
		case <-ticker.C:
		}
	}
}

// podLogs fetches the build pod's container logs. Best effort; an empty
// string means no pod or no logs.
func (b *KanikoBuilder) podLogs(ctx context.Context, jobName string) string {
	pods, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil || len(pods.Items) == 0 {
		return ""
	}
	raw, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).
		GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{}).Do(ctx).Raw()
	if err != nil {
		b.log.Warn("Failed to fetch logs of build pod %s: %v", pods.Items[0].Name, err)
		return ""
	}
	return string(raw)
}

// warnFailedPackages surfaces pip install failures from the build output.
// Requirement lines that fail to install do not fail the image build, so the
// problem would otherwise only show up when the job crashes at runtime.
func (b *KanikoBuilder) warnFailedPackages(logs string) {
	for _, line := range strings.Split(logs, "\n") {
		if strings.Contains(line, "ERROR: Failed to build") ||
			strings.Contains(line, "ERROR: Could not find a version") ||
			strings.Contains(line, "error: subprocess-exited-with-error") {
			b.log.Warn("Package installation problem during build: %s", strings.TrimSpace(line))
		}
	}
}

// logTail keeps the last max bytes of the build log for error messages.
func logTail(logs string, max int) string {
	logs = strings.TrimSpace(logs)
	if len(logs) <= max {
		return logs
	}
	return "..." + logs[len(logs)-max:]
}

// cleanup deletes the transient Job and ConfigMap. Runs regardless of build
// outcome.
func (b *KanikoBuilder) cleanup(jobName string, configMapName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	policy := metav1.DeletePropagationBackground
	if err := b.clientset.BatchV1().Jobs(b.cfg.Namespace).Delete(ctx, jobName, metav1.DeleteOptions{PropagationPolicy: &policy}); err != nil {
		b.log.Warn("Failed to delete build job %s: %v", jobName, err)
	}
	if configMapName != "" {
		if err := b.clientset.CoreV1().ConfigMaps(b.cfg.Namespace).Delete(ctx, configMapName, metav1.DeleteOptions{}); err != nil {
			b.log.Warn("Failed to delete config map %s: %v", configMapName, err)
		}
	}
}

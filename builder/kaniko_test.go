package builder

import (
	"context"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/wandb/launch/common/types"
	"github.com/wandb/launch/environment"
	"github.com/wandb/launch/registry"
)

var _ = Describe("KanikoBuilder", func() {
	kanikoConfig := func() map[string]interface{} {
		return map[string]interface{}{
			"type":                "kaniko",
			"build_context_store": "s3://launch-contexts/builds",
		}
	}

	newBuilder := func(raw map[string]interface{}, reg *fakeRegistry) *KanikoBuilder {
		builder, err := NewKanikoBuilder(raw, k8sfake.NewSimpleClientset(), environment.NewLocalEnvironment(), reg)
		Expect(err).ToNot(HaveOccurred())
		return builder
	}

	It("requires a build context store", func() {
		_, err := NewKanikoBuilder(map[string]interface{}{}, k8sfake.NewSimpleClientset(), environment.NewLocalEnvironment(), &fakeRegistry{})
		Expect(err).To(HaveOccurred())
		Expect(types.IsConfigurationError(err)).To(BeTrue())
	})

	It("requires the credential secret name and key together", func() {
		raw := kanikoConfig()
		raw["secret_name"] = "ecr-creds"
		_, err := NewKanikoBuilder(raw, k8sfake.NewSimpleClientset(), environment.NewLocalEnvironment(), &fakeRegistry{})
		Expect(err).To(HaveOccurred())
	})

	It("fills config defaults", func() {
		builder := newBuilder(kanikoConfig(), &fakeRegistry{typ: registry.TypeECR})
		Expect(builder.cfg.Namespace).To(Equal("default"))
		Expect(builder.cfg.Image).To(Equal(kanikoDefaultImage))
		Expect(builder.cfg.ServiceAccount).To(Equal(kanikoServiceAccount))
	})

	It("verifies against the build namespace", func() {
		builder := newBuilder(kanikoConfig(), &fakeRegistry{typ: registry.TypeECR})
		Expect(builder.Verify(context.Background())).To(Succeed())
	})

	It("materializes registry credentials as a config map", func() {
		reg := &fakeRegistry{typ: registry.TypeECR, username: "AWS", password: "token"}
		builder := newBuilder(kanikoConfig(), reg)

		name, err := builder.createDockerConfig(context.Background(), "launch-build-abcd1234", "registry.example.com/launch:tag")
		Expect(err).ToNot(HaveOccurred())
		Expect(name).To(Equal("docker-config-launch-build-abcd1234"))

		configMap, err := builder.clientset.CoreV1().ConfigMaps("default").Get(context.Background(), name, metav1.GetOptions{})
		Expect(err).ToNot(HaveOccurred())
		Expect(configMap.Data["config.json"]).To(ContainSubstring("registry.example.com"))
		Expect(configMap.Data["config.json"]).To(ContainSubstring("auths"))
	})

	It("skips the config map for anonymous registries", func() {
		builder := newBuilder(kanikoConfig(), &fakeRegistry{typ: registry.TypeLocal})
		name, err := builder.createDockerConfig(context.Background(), "launch-build-abcd1234", "local/launch:tag")
		Expect(err).ToNot(HaveOccurred())
		Expect(name).To(BeEmpty())
	})

	It("renders the build job with an aws credential mount", func() {
		raw := kanikoConfig()
		raw["secret_name"] = "ecr-creds"
		raw["secret_key"] = "aws-credentials"
		builder := newBuilder(raw, &fakeRegistry{typ: registry.TypeECR})

		job := builder.renderJob("launch-build-abcd1234", "docker-config-launch-build-abcd1234",
			"s3://launch-contexts/builds/abcd1234.tgz", "registry.example.com/launch:sometag")

		Expect(job.Name).To(Equal("launch-build-abcd1234"))
		Expect(job.Labels).To(HaveKeyWithValue("wandb", "launch"))
		Expect(*job.Spec.BackoffLimit).To(Equal(int32(0)))
		Expect(*job.Spec.Template.Spec.ActiveDeadlineSeconds).To(Equal(int64(1800)))
		Expect(job.Spec.Template.Spec.RestartPolicy).To(Equal(corev1.RestartPolicyNever))

		container := job.Spec.Template.Spec.Containers[0]
		Expect(container.Args).To(ContainElements(
			"--context=s3://launch-contexts/builds/abcd1234.tgz",
			"--dockerfile="+DockerfileName,
			"--destination=registry.example.com/launch:sometag",
			"--cache=true",
			"--cache-repo=registry.example.com/launch",
			"--snapshot-mode=redo",
		))

		var mountPaths []string
		for _, mount := range container.VolumeMounts {
			mountPaths = append(mountPaths, mount.MountPath)
		}
		Expect(mountPaths).To(ContainElements("/kaniko/.docker", "/root/.aws"))
	})

	It("points kaniko at gcloud credentials for gcr", func() {
		raw := kanikoConfig()
		raw["secret_name"] = "gcr-creds"
		raw["secret_key"] = "service-account.json"
		builder := newBuilder(raw, &fakeRegistry{typ: registry.TypeGCR})

		job := builder.renderJob("launch-build-abcd1234", "", "gs://launch-contexts/abcd1234.tgz",
			"us-central1-docker.pkg.dev/proj/launch:sometag")

		container := job.Spec.Template.Spec.Containers[0]
		var mountPaths []string
		for _, mount := range container.VolumeMounts {
			mountPaths = append(mountPaths, mount.MountPath)
		}
		Expect(mountPaths).To(ContainElement("/kaniko/.config/gcloud"))
		Expect(container.Env).To(ContainElement(corev1.EnvVar{
			Name:  "GOOGLE_APPLICATION_CREDENTIALS",
			Value: "/kaniko/.config/gcloud/config.json",
		}))
	})

	It("includes the build pod's logs when the job fails", func() {
		builder := newBuilder(kanikoConfig(), &fakeRegistry{typ: registry.TypeECR})
		ctx := context.Background()

		job := &batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{Name: "launch-build-abcd1234", Namespace: "default"},
			Status:     batchv1.JobStatus{Failed: 1},
		}
		_, err := builder.clientset.BatchV1().Jobs("default").Create(ctx, job, metav1.CreateOptions{})
		Expect(err).ToNot(HaveOccurred())

		pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
			Name:      "launch-build-abcd1234-x7k2p",
			Namespace: "default",
			Labels:    map[string]string{"job-name": "launch-build-abcd1234"},
		}}
		_, err = builder.clientset.CoreV1().Pods("default").Create(ctx, pod, metav1.CreateOptions{})
		Expect(err).ToNot(HaveOccurred())

		err = builder.waitForJob(ctx, "launch-build-abcd1234")
		var buildErr *types.BuildError
		Expect(errors.As(err, &buildErr)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("launch-build-abcd1234 failed"))
		Expect(err.Error()).To(ContainSubstring("fake logs"))
	})

	It("reports a plain failure when the job left no pod behind", func() {
		builder := newBuilder(kanikoConfig(), &fakeRegistry{typ: registry.TypeECR})
		ctx := context.Background()

		job := &batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{Name: "launch-build-gone", Namespace: "default"},
			Status:     batchv1.JobStatus{Failed: 1},
		}
		_, err := builder.clientset.BatchV1().Jobs("default").Create(ctx, job, metav1.CreateOptions{})
		Expect(err).ToNot(HaveOccurred())

		err = builder.waitForJob(ctx, "launch-build-gone")
		Expect(err).To(MatchError(ContainSubstring("build job launch-build-gone failed")))
	})

	It("keeps only the tail of a long build log", func() {
		logs := strings.Repeat("x", 5000) + "tail end"
		tail := logTail(logs, 100)
		Expect(tail).To(HavePrefix("..."))
		Expect(tail).To(HaveSuffix("tail end"))
		Expect(tail).To(HaveLen(103))
	})
})

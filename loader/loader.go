// Package loader resolves the "type"-tagged environment, registry, builder,
// and runner blocks from agent config into constructed backends. Unknown
// types and incompatible combinations fail fast with ConfigurationError.
package loader

import (
	"context"
	"os"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/wandb/launch/builder"
	"github.com/wandb/launch/common/types"
	"github.com/wandb/launch/environment"
	"github.com/wandb/launch/registry"
	"github.com/wandb/launch/runner"
)

// Loader constructs backends from config blocks. The kubernetes clientset is
// created lazily and shared; tests inject a fake through KubeClientFactory.
type Loader struct {
	Core runner.CoreConfig

	// KubeClientFactory returns the clientset used by kubernetes-backed
	// components. Defaults to in-cluster config with a kubeconfig fallback.
	KubeClientFactory func() (kubernetes.Interface, error)

	kubeClient kubernetes.Interface
}

func New(core runner.CoreConfig) *Loader {
	return &Loader{
		Core:              core,
		KubeClientFactory: defaultKubeClient,
	}
}

func configType(raw map[string]interface{}, fallback string) string {
	if raw == nil {
		return fallback
	}
	if tag, ok := raw["type"].(string); ok && tag != "" {
		return tag
	}
	return fallback
}

// EnvironmentFromConfig builds the Environment. An absent block means the
// local environment.
func (l *Loader) EnvironmentFromConfig(ctx context.Context, raw map[string]interface{}) (environment.Environment, error) {
	switch tag := configType(raw, environment.ProviderLocal); tag {
	case environment.ProviderLocal:
		return environment.NewLocalEnvironment(), nil
	case environment.ProviderAWS:
		return environment.NewAWSEnvironment(ctx, raw)
	case environment.ProviderGCP:
		return environment.NewGCPEnvironment(ctx, raw)
	case environment.ProviderAzure:
		return environment.NewAzureEnvironment(ctx, raw)
	default:
		return nil, types.NewConfigurationErrorf("unknown environment type %q", tag)
	}
}

// RegistryFromConfig builds the Registry and rejects registries whose cloud
// does not match the environment's.
func (l *Loader) RegistryFromConfig(ctx context.Context, raw map[string]interface{}, env environment.Environment) (registry.Registry, error) {
	switch tag := configType(raw, registry.TypeLocal); tag {
	case registry.TypeLocal:
		return registry.NewLocalRegistry(raw)
	case registry.TypeECR:
		if env.Provider() != environment.ProviderAWS {
			return nil, types.NewConfigurationErrorf(
				"ecr registry requires an aws environment, got %q", env.Provider())
		}
		return registry.NewECRRegistry(ctx, raw)
	case registry.TypeGCR:
		if env.Provider() != environment.ProviderGCP {
			return nil, types.NewConfigurationErrorf(
				"gcr registry requires a gcp environment, got %q", env.Provider())
		}
		return registry.NewGCRRegistry(ctx, raw)
	default:
		return nil, types.NewConfigurationErrorf("unknown registry type %q", tag)
	}
}

// BuilderFromConfig builds the Builder. An absent block means the docker
// builder.
func (l *Loader) BuilderFromConfig(raw map[string]interface{}, env environment.Environment, reg registry.Registry) (builder.Builder, error) {
	switch tag := configType(raw, builder.TypeDocker); tag {
	case builder.TypeNoop:
		return builder.NewNoopBuilder(), nil
	case builder.TypeDocker:
		return builder.NewDockerBuilder(raw, reg)
	case builder.TypeKaniko:
		if env.Provider() == environment.ProviderLocal {
			return nil, types.NewConfigurationErrorf(
				"kaniko builder requires a cloud environment to store build contexts")
		}
		clientset, err := l.kube()
		if err != nil {
			return nil, err
		}
		return builder.NewKanikoBuilder(raw, clientset, env, reg)
	default:
		return nil, types.NewConfigurationErrorf("unknown builder type %q", tag)
	}
}

// RunnerFromConfig builds the Runner for a resource name. The config block
// may be nil, in which case the resource name itself selects the backend.
func (l *Loader) RunnerFromConfig(ctx context.Context, resource string, raw map[string]interface{}) (runner.Runner, error) {
	switch tag := configType(raw, resource); tag {
	case runner.BackendLocalProcess:
		return runner.NewLocalProcessRunner(l.Core), nil
	case runner.BackendLocalContainer:
		return runner.NewLocalContainerRunner(raw, l.Core)
	case runner.BackendKubernetes:
		clientset, err := l.kube()
		if err != nil {
			return nil, err
		}
		return runner.NewKubernetesRunner(raw, clientset, l.Core)
	case runner.BackendSageMaker:
		return runner.NewSageMakerRunner(ctx, raw, l.Core)
	case runner.BackendVertex:
		return runner.NewVertexRunner(ctx, raw, l.Core)
	default:
		return nil, types.NewConfigurationErrorf("unknown runner backend %q", tag)
	}
}

func (l *Loader) kube() (kubernetes.Interface, error) {
	if l.kubeClient != nil {
		return l.kubeClient, nil
	}
	clientset, err := l.KubeClientFactory()
	if err != nil {
		return nil, types.NewConfigurationErrorf("failed to create kubernetes client: %v", err)
	}
	l.kubeClient = clientset
	return clientset, nil
}

func defaultKubeClient() (kubernetes.Interface, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home, _ := os.UserHomeDir()
			kubeconfig = home + "/.kube/config"
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, err
		}
	}
	return kubernetes.NewForConfig(restConfig)
}

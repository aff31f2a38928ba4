package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/wandb/launch/common/types"
)

const (
	DefaultMaxJobs        = 1
	DefaultMaxSchedulers  = 1
	DefaultPollIntervalS  = 5
	DefaultStatusPeriodS  = 30
	DefaultMetricsPort    = 0
	DefaultHeartbeatS     = 10
	DefaultSweepWorkers   = 2
	DefaultQueue          = "default"
	DefaultBaseURLEnvVar  = "WANDB_BASE_URL"
	DefaultAPIKeyEnvVar   = "WANDB_API_KEY"
	SchedulerKindSweep    = "sweep"
	SchedulerKindSearch   = "search"
	UnboundedConcurrency  = -1
)

// AgentOptions configures the launch agent binary. Flag and YAML parsing is
// struct-tag driven through config.ValidateOptions; the free-form backend
// blocks have no flag names and are populated from the YAML file only.
type AgentOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	BaseURL       string `name:"base-url" yaml:"base_url" json:"base_url" description:"Backend service base URL. Falls back to WANDB_BASE_URL."`
	APIKey        string `name:"api-key" yaml:"api_key" json:"api_key" description:"Backend API key. Falls back to WANDB_API_KEY."`
	Entity        string `name:"entity" yaml:"entity" json:"entity" description:"Entity whose run queues the agent polls."`
	Project       string `name:"project" yaml:"project" json:"project" description:"Project the agent reports runs under."`
	Queues        string `name:"queues" yaml:"queues" json:"queues" description:"Comma-separated run queue names to poll."`
	MaxJobs       int    `name:"max-jobs" yaml:"max_jobs" json:"max_jobs" description:"Maximum concurrent non-scheduler jobs. -1 for unbounded."`
	MaxSchedulers int    `name:"max-schedulers" yaml:"max_schedulers" json:"max_schedulers" description:"Maximum concurrent scheduler jobs. -1 for unbounded."`
	PollInterval  int    `name:"poll-interval" yaml:"poll_interval" json:"poll_interval" description:"Seconds between empty-queue polls."`
	StatusPeriod  int    `name:"status-period" yaml:"status_period" json:"status_period" description:"Seconds between agent status reports."`
	MetricsPort   int    `name:"metrics-port" yaml:"metrics_port" json:"metrics_port" description:"Port to serve prometheus metrics on. 0 disables the listener."`

	// Backend blocks, YAML only. Each is a "type"-tagged map handed to the
	// loader; Runners maps a resource name to its backend config.
	Environment map[string]interface{}            `yaml:"environment" json:"environment"`
	Registry    map[string]interface{}            `yaml:"registry" json:"registry"`
	Builder     map[string]interface{}            `yaml:"builder" json:"builder"`
	Runners     map[string]map[string]interface{} `yaml:"runners" json:"runners"`
}

func (o *AgentOptions) String() string {
	m, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}
	return string(m)
}

// Validate fills defaults and rejects unusable combinations. It is called
// after flag and YAML parsing, before anything is constructed.
func (o *AgentOptions) Validate() error {
	if o.BaseURL == "" {
		o.BaseURL = os.Getenv(DefaultBaseURLEnvVar)
	}
	if o.APIKey == "" {
		o.APIKey = os.Getenv(DefaultAPIKeyEnvVar)
	}
	if o.BaseURL == "" {
		return types.NewConfigurationErrorf("no base URL configured; set -base-url or %s", DefaultBaseURLEnvVar)
	}
	if o.APIKey == "" {
		return types.NewConfigurationErrorf("no API key configured; set -api-key or %s", DefaultAPIKeyEnvVar)
	}
	if o.Entity == "" {
		return types.NewConfigurationErrorf("no entity configured")
	}
	if o.Queues == "" {
		o.Queues = DefaultQueue
	}
	if o.MaxJobs == 0 {
		o.MaxJobs = DefaultMaxJobs
	}
	if o.MaxJobs < UnboundedConcurrency {
		return types.NewConfigurationErrorf("invalid max_jobs %d", o.MaxJobs)
	}
	if o.MaxSchedulers == 0 {
		o.MaxSchedulers = DefaultMaxSchedulers
	}
	if o.MaxSchedulers < UnboundedConcurrency {
		return types.NewConfigurationErrorf("invalid max_schedulers %d", o.MaxSchedulers)
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollIntervalS
	}
	if o.StatusPeriod <= 0 {
		o.StatusPeriod = DefaultStatusPeriodS
	}
	return nil
}

// QueueNames splits the comma-separated queue list.
func (o *AgentOptions) QueueNames() []string {
	var names []string
	for _, name := range strings.Split(o.Queues, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// SchedulerOptions configures the standalone scheduler binary.
type SchedulerOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	BaseURL   string `name:"base-url" yaml:"base_url" json:"base_url" description:"Backend service base URL. Falls back to WANDB_BASE_URL."`
	APIKey    string `name:"api-key" yaml:"api_key" json:"api_key" description:"Backend API key. Falls back to WANDB_API_KEY."`
	Kind      string `name:"kind" yaml:"kind" json:"kind" description:"Scheduler kind, sweep or search."`
	Entity    string `name:"entity" yaml:"entity" json:"entity" description:"Entity that owns the sweep."`
	Project   string `name:"project" yaml:"project" json:"project" description:"Project that owns the sweep."`
	SweepID   string `name:"sweep-id" yaml:"sweep_id" json:"sweep_id" description:"Sweep to schedule runs for."`
	Queue     string `name:"queue" yaml:"queue" json:"queue" description:"Run queue that scheduled runs are pushed to."`
	Workers   int    `name:"num-workers" yaml:"num_workers" json:"num_workers" description:"Number of concurrent scheduling workers."`
	RunCap    int    `name:"run-cap" yaml:"run_cap" json:"run_cap" description:"Stop after this many runs have been scheduled. 0 for no cap."`
	Heartbeat int    `name:"heartbeat" yaml:"heartbeat" json:"heartbeat" description:"Seconds between heartbeats."`

	// SweepConfig holds the sweep definition, parameter space included. It is
	// populated from the YAML file only.
	SweepConfig map[string]interface{} `yaml:"sweep_config" json:"sweep_config"`
}

func (o *SchedulerOptions) String() string {
	m, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}
	return string(m)
}

func (o *SchedulerOptions) Validate() error {
	if o.BaseURL == "" {
		o.BaseURL = os.Getenv(DefaultBaseURLEnvVar)
	}
	if o.APIKey == "" {
		o.APIKey = os.Getenv(DefaultAPIKeyEnvVar)
	}
	if o.BaseURL == "" {
		return types.NewConfigurationErrorf("no base URL configured; set -base-url or %s", DefaultBaseURLEnvVar)
	}
	if o.APIKey == "" {
		return types.NewConfigurationErrorf("no API key configured; set -api-key or %s", DefaultAPIKeyEnvVar)
	}
	if o.Kind == "" {
		o.Kind = SchedulerKindSweep
	}
	if o.Kind != SchedulerKindSweep && o.Kind != SchedulerKindSearch {
		return types.NewConfigurationErrorf("unknown scheduler kind %q", o.Kind)
	}
	if o.Entity == "" || o.Project == "" {
		return types.NewConfigurationErrorf("scheduler requires an entity and a project")
	}
	if o.Queue == "" {
		o.Queue = DefaultQueue
	}
	if o.Workers <= 0 {
		o.Workers = DefaultSweepWorkers
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeatS
	}
	return nil
}

// LoadYAML merges a YAML file into the given options struct. ValidateOptions
// handles the -yaml flag for flat fields; this is for loading the nested
// backend blocks directly, e.g. in tests.
func LoadYAML(path string, out interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return types.NewConfigurationErrorf("failed to parse config file %s: %v", path, err)
	}
	return nil
}

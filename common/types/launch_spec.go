package types

import (
	"strings"

	"github.com/goccy/go-json"
)

// JobTypeSweepScheduler is the value of the launch spec's job type field that
// identifies a queue item as a sweep scheduler rather than a regular job.
// Scheduler jobs are tracked against their own concurrency ceiling by the agent.
const JobTypeSweepScheduler = "sweep-scheduler"

// Overrides carries the user-requested overrides for a single launch.
type Overrides struct {
	RunConfig map[string]interface{} `json:"run_config,omitempty"`
	Args      []string               `json:"args,omitempty"`
	Artifacts map[string]string      `json:"artifacts,omitempty"`

	// EntryPoint, when set, replaces the job's own entry point.
	EntryPoint []string `json:"entry_point,omitempty"`
}

// LaunchSpec is the JSON description of one job as stored in a run-queue item.
//
// Exactly one of URI, Job, or DockerImage identifies the source of the code to
// run. The backend service owns the canonical copy; the agent only reads the
// spec and, after a build, reports back the filled-in job reference.
type LaunchSpec struct {
	URI         string `json:"uri,omitempty"`
	Job         string `json:"job,omitempty"`
	DockerImage string `json:"docker_image,omitempty"`

	Entity  string `json:"entity,omitempty"`
	Project string `json:"project,omitempty"`

	// Resource names the compute backend this job should be dispatched to,
	// e.g. "kubernetes" or "local-container".
	Resource string `json:"resource,omitempty"`

	// ResourceArgs holds backend-specific overrides keyed by backend name,
	// e.g. resource_args["kubernetes"] may carry pod spec fragments.
	ResourceArgs map[string]interface{} `json:"resource_args,omitempty"`

	EntryPoint []string  `json:"entry_point,omitempty"`
	Overrides  Overrides `json:"overrides,omitempty"`

	Author  string `json:"author,omitempty"`
	SweepID string `json:"sweep_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`

	// Build forces an image build even when a prebuilt image is available.
	Build bool `json:"build,omitempty"`

	// JobType self-identifies special queue items, see JobTypeSweepScheduler.
	JobType string `json:"_wandb_job_type,omitempty"`
}

// ParseLaunchSpec decodes the run_spec payload of a queue item.
func ParseLaunchSpec(raw []byte) (*LaunchSpec, error) {
	var spec LaunchSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, NewConfigurationErrorf("failed to parse launch spec: %v", err)
	}
	return &spec, nil
}

// Marshal serializes the spec back into its wire form.
func (s *LaunchSpec) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// IsScheduler reports whether this spec describes a sweep scheduler job.
// Older backends identify schedulers by entry point rather than job type.
func (s *LaunchSpec) IsScheduler() bool {
	if s.JobType == JobTypeSweepScheduler {
		return true
	}
	return len(s.EntryPoint) >= 2 &&
		strings.HasSuffix(s.EntryPoint[0], "wandb") && s.EntryPoint[1] == "scheduler"
}

// RunQueueItem is the remote queue record popped by the agent. The backend
// service owns the item; the agent pops, acks, and optionally reports an
// updated run spec after a build fills in the job reference.
type RunQueueItem struct {
	ID      string          `json:"runQueueItemId"`
	RunSpec json.RawMessage `json:"runSpec"`
	State   string          `json:"state,omitempty"`
}

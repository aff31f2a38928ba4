// Package api defines the boundary to the backend service that owns run
// queues, agents, sweeps, and run state. The wire protocol itself is not part
// of this module; Client is the abstract surface the agent and schedulers
// program against.
package api

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/wandb/launch/common/types"
)

// Agent statuses reported to the backend.
const (
	AgentStatusPolling = "POLLING"
	AgentStatusRunning = "RUNNING"
	AgentStatusKilled  = "KILLED"
)

// Heartbeat command types issued by the backend to a sweep scheduler.
const (
	CommandRun    = "run"
	CommandResume = "resume"
	CommandStop   = "stop"
	CommandExit   = "exit"
)

// Command is one instruction returned from an agent heartbeat.
type Command struct {
	Type  string                 `json:"type"`
	RunID string                 `json:"run_id,omitempty"`
	Args  map[string]interface{} `json:"args,omitempty"`
}

// RunQueue describes one remote run queue. Config holds queue-level
// resource_args defaults applied to every item popped from the queue.
type RunQueue struct {
	Name    string                 `json:"name"`
	Entity  string                 `json:"entity"`
	Project string                 `json:"projectName"`
	Config  map[string]interface{} `json:"config,omitempty"`
}

// AgentInfo is the backend's view of a registered launch agent.
type AgentInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	StopPolling bool   `json:"stopPolling"`
}

// PushResult is returned when a launch spec is pushed onto a run queue.
type PushResult struct {
	QueueItemID string `json:"runQueueItemId"`
	RunID       string `json:"runId,omitempty"`
}

// Client is the set of backend operations consumed by the agent and the
// schedulers. Implementations must be safe for concurrent use.
type Client interface {
	// RegisterAgent registers a launch agent for the entity and returns its id.
	RegisterAgent(ctx context.Context, entity string, config map[string]interface{}) (*AgentInfo, error)

	// GetRunQueues returns the run queues that exist for the entity/project.
	GetRunQueues(ctx context.Context, entity string, project string) ([]RunQueue, error)

	// PopFromRunQueue pops the next item from the queue, or returns (nil, nil)
	// when the queue is empty.
	PopFromRunQueue(ctx context.Context, queue string, entity string, project string, agentID string) (*types.RunQueueItem, error)

	// AckRunQueueItem acknowledges receipt of a popped item, optionally
	// reporting the run id it resolved to.
	AckRunQueueItem(ctx context.Context, itemID string, runID string) error

	// FailRunQueueItem reports a failed item along with the stage that failed.
	FailRunQueueItem(ctx context.Context, itemID string, message string, stage string) error

	// UpdateRunQueueItem replaces the item's run spec, e.g. after a build has
	// resolved the image the job ran with.
	UpdateRunQueueItem(ctx context.Context, itemID string, runSpec json.RawMessage) error

	// PushToRunQueue pushes a launch spec onto the named queue.
	PushToRunQueue(ctx context.Context, queue string, entity string, spec *types.LaunchSpec) (*PushResult, error)

	// UpdateLaunchAgentStatus reports the agent's current status.
	UpdateLaunchAgentStatus(ctx context.Context, agentID string, status string) error

	// GetLaunchAgent fetches the backend's view of the agent.
	GetLaunchAgent(ctx context.Context, agentID string) (*AgentInfo, error)

	// AgentHeartbeat reports the states of the scheduler's live runs and
	// returns any pending commands.
	AgentHeartbeat(ctx context.Context, agentID string, runStates map[string]string) ([]Command, error)

	// GetRunState returns the remote state string for a run.
	GetRunState(ctx context.Context, entity string, project string, runID string) (string, error)

	// GetRunMetricHistory returns the logged history of a scalar metric.
	GetRunMetricHistory(ctx context.Context, entity string, project string, runID string, metric string) ([]float64, error)

	// StopRun requests that a run be stopped. Best effort.
	StopRun(ctx context.Context, entity string, project string, runID string) error

	// UpsertSweep creates or updates a sweep and returns its id.
	UpsertSweep(ctx context.Context, entity string, project string, sweepID string, config map[string]interface{}) (string, error)
}

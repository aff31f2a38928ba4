package api

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"github.com/wandb/launch/common/types"
)

// FakeClient is a test double for Client. Each method delegates to the
// corresponding function field when set and otherwise returns a zero value.
// Calls is appended to on every invocation so tests can assert ordering.
type FakeClient struct {
	mu    sync.Mutex
	Calls []string

	RegisterAgentFn           func(ctx context.Context, entity string, config map[string]interface{}) (*AgentInfo, error)
	GetRunQueuesFn            func(ctx context.Context, entity string, project string) ([]RunQueue, error)
	PopFromRunQueueFn         func(ctx context.Context, queue string, entity string, project string, agentID string) (*types.RunQueueItem, error)
	AckRunQueueItemFn         func(ctx context.Context, itemID string, runID string) error
	FailRunQueueItemFn        func(ctx context.Context, itemID string, message string, stage string) error
	UpdateRunQueueItemFn      func(ctx context.Context, itemID string, runSpec json.RawMessage) error
	PushToRunQueueFn          func(ctx context.Context, queue string, entity string, spec *types.LaunchSpec) (*PushResult, error)
	UpdateLaunchAgentStatusFn func(ctx context.Context, agentID string, status string) error
	GetLaunchAgentFn          func(ctx context.Context, agentID string) (*AgentInfo, error)
	AgentHeartbeatFn          func(ctx context.Context, agentID string, runStates map[string]string) ([]Command, error)
	GetRunStateFn             func(ctx context.Context, entity string, project string, runID string) (string, error)
	GetRunMetricHistoryFn     func(ctx context.Context, entity string, project string, runID string, metric string) ([]float64, error)
	StopRunFn                 func(ctx context.Context, entity string, project string, runID string) error
	UpsertSweepFn             func(ctx context.Context, entity string, project string, sweepID string, config map[string]interface{}) (string, error)
}

func (f *FakeClient) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, name)
}

// CallCount returns how many times the named method has been invoked.
func (f *FakeClient) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.Calls {
		if call == name {
			n++
		}
	}
	return n
}

func (f *FakeClient) RegisterAgent(ctx context.Context, entity string, config map[string]interface{}) (*AgentInfo, error) {
	f.record("RegisterAgent")
	if f.RegisterAgentFn != nil {
		return f.RegisterAgentFn(ctx, entity, config)
	}
	return &AgentInfo{ID: "fake-agent"}, nil
}

func (f *FakeClient) GetRunQueues(ctx context.Context, entity string, project string) ([]RunQueue, error) {
	f.record("GetRunQueues")
	if f.GetRunQueuesFn != nil {
		return f.GetRunQueuesFn(ctx, entity, project)
	}
	return nil, nil
}

func (f *FakeClient) PopFromRunQueue(ctx context.Context, queue string, entity string, project string, agentID string) (*types.RunQueueItem, error) {
	f.record("PopFromRunQueue")
	if f.PopFromRunQueueFn != nil {
		return f.PopFromRunQueueFn(ctx, queue, entity, project, agentID)
	}
	return nil, nil
}

func (f *FakeClient) AckRunQueueItem(ctx context.Context, itemID string, runID string) error {
	f.record("AckRunQueueItem")
	if f.AckRunQueueItemFn != nil {
		return f.AckRunQueueItemFn(ctx, itemID, runID)
	}
	return nil
}

func (f *FakeClient) FailRunQueueItem(ctx context.Context, itemID string, message string, stage string) error {
	f.record("FailRunQueueItem")
	if f.FailRunQueueItemFn != nil {
		return f.FailRunQueueItemFn(ctx, itemID, message, stage)
	}
	return nil
}

func (f *FakeClient) UpdateRunQueueItem(ctx context.Context, itemID string, runSpec json.RawMessage) error {
	f.record("UpdateRunQueueItem")
	if f.UpdateRunQueueItemFn != nil {
		return f.UpdateRunQueueItemFn(ctx, itemID, runSpec)
	}
	return nil
}

func (f *FakeClient) PushToRunQueue(ctx context.Context, queue string, entity string, spec *types.LaunchSpec) (*PushResult, error) {
	f.record("PushToRunQueue")
	if f.PushToRunQueueFn != nil {
		return f.PushToRunQueueFn(ctx, queue, entity, spec)
	}
	return &PushResult{}, nil
}

func (f *FakeClient) UpdateLaunchAgentStatus(ctx context.Context, agentID string, status string) error {
	f.record("UpdateLaunchAgentStatus")
	if f.UpdateLaunchAgentStatusFn != nil {
		return f.UpdateLaunchAgentStatusFn(ctx, agentID, status)
	}
	return nil
}

func (f *FakeClient) GetLaunchAgent(ctx context.Context, agentID string) (*AgentInfo, error) {
	f.record("GetLaunchAgent")
	if f.GetLaunchAgentFn != nil {
		return f.GetLaunchAgentFn(ctx, agentID)
	}
	return &AgentInfo{ID: agentID}, nil
}

func (f *FakeClient) AgentHeartbeat(ctx context.Context, agentID string, runStates map[string]string) ([]Command, error) {
	f.record("AgentHeartbeat")
	if f.AgentHeartbeatFn != nil {
		return f.AgentHeartbeatFn(ctx, agentID, runStates)
	}
	return nil, nil
}

func (f *FakeClient) GetRunState(ctx context.Context, entity string, project string, runID string) (string, error) {
	f.record("GetRunState")
	if f.GetRunStateFn != nil {
		return f.GetRunStateFn(ctx, entity, project, runID)
	}
	return "running", nil
}

func (f *FakeClient) GetRunMetricHistory(ctx context.Context, entity string, project string, runID string, metric string) ([]float64, error) {
	f.record("GetRunMetricHistory")
	if f.GetRunMetricHistoryFn != nil {
		return f.GetRunMetricHistoryFn(ctx, entity, project, runID, metric)
	}
	return nil, nil
}

func (f *FakeClient) StopRun(ctx context.Context, entity string, project string, runID string) error {
	f.record("StopRun")
	if f.StopRunFn != nil {
		return f.StopRunFn(ctx, entity, project, runID)
	}
	return nil
}

func (f *FakeClient) UpsertSweep(ctx context.Context, entity string, project string, sweepID string, config map[string]interface{}) (string, error) {
	f.record("UpsertSweep")
	if f.UpsertSweepFn != nil {
		return f.UpsertSweepFn(ctx, entity, project, sweepID, config)
	}
	return sweepID, nil
}

var _ Client = (*FakeClient)(nil)

// Package agent implements the long-running launch agent: it polls run
// queues, resolves popped items into launch projects, builds images when
// needed, and dispatches jobs to the configured backends.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/wandb/launch/builder"
	"github.com/wandb/launch/common/api"
	launchconfig "github.com/wandb/launch/common/config"
	"github.com/wandb/launch/common/types"
	"github.com/wandb/launch/environment"
	"github.com/wandb/launch/loader"
	"github.com/wandb/launch/registry"
	"github.com/wandb/launch/runner"
)

// trackedJob is one live dispatched job.
type trackedJob struct {
	Project     *types.LaunchProject
	Run         runner.SubmittedRun
	IsScheduler bool
	StartedAt   time.Time
}

// LaunchAgent polls run queues and dispatches jobs. One agent serves many
// queues; per-queue pops happen round-robin on a single goroutine while each
// dispatched job runs on its own.
type LaunchAgent struct {
	opts    *launchconfig.AgentOptions
	client  api.Client
	loader  *loader.Loader
	env     environment.Environment
	reg     registry.Registry
	builder builder.Builder

	agentID string
	queues  []api.RunQueue

	jobs    cmap.ConcurrentMap[string, *trackedJob]
	runners cmap.ConcurrentMap[string, runner.Runner]

	runningJobs       int64
	runningSchedulers int64

	log logger.Logger
}

// NewLaunchAgent registers the agent, validates its queues, and constructs
// the build stack. Zero valid queues is a fatal configuration error.
func NewLaunchAgent(ctx context.Context, client api.Client, opts *launchconfig.AgentOptions) (*LaunchAgent, error) {
	agent := &LaunchAgent{
		opts:    opts,
		client:  client,
		jobs:    cmap.New[*trackedJob](),
		runners: cmap.New[runner.Runner](),
	}
	config.InitLogger(&agent.log, agent)

	agent.loader = loader.New(runner.CoreConfig{BaseURL: opts.BaseURL, APIKey: opts.APIKey})

	env, err := agent.loader.EnvironmentFromConfig(ctx, opts.Environment)
	if err != nil {
		return nil, err
	}
	reg, err := agent.loader.RegistryFromConfig(ctx, opts.Registry, env)
	if err != nil {
		return nil, err
	}
	bld, err := agent.loader.BuilderFromConfig(opts.Builder, env, reg)
	if err != nil {
		return nil, err
	}
	agent.env, agent.reg, agent.builder = env, reg, bld

	if err = verifyStack(ctx, env, reg, bld); err != nil {
		return nil, err
	}

	if err = agent.resolveQueues(ctx); err != nil {
		return nil, err
	}

	info, err := client.RegisterAgent(ctx, opts.Entity, map[string]interface{}{
		"queues":         opts.QueueNames(),
		"max_jobs":       opts.MaxJobs,
		"max_schedulers": opts.MaxSchedulers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}
	agent.agentID = info.ID
	agent.log.Info("Registered agent %s for entity %s, polling %d queue(s).",
		agent.agentID, opts.Entity, len(agent.queues))

	return agent, nil
}

// verifyStack checks the constructed environment, registry, and builder
// before the agent starts claiming work.
func verifyStack(ctx context.Context, env environment.Environment, reg registry.Registry, bld builder.Builder) error {
	if err := env.Verify(ctx); err != nil {
		return err
	}
	if err := reg.Verify(ctx); err != nil {
		return err
	}
	return bld.Verify(ctx)
}

// resolveQueues matches the configured queue names against the backend's.
func (a *LaunchAgent) resolveQueues(ctx context.Context) error {
	remote, err := a.client.GetRunQueues(ctx, a.opts.Entity, a.opts.Project)
	if err != nil {
		return fmt.Errorf("failed to list run queues: %w", err)
	}

	byName := make(map[string]api.RunQueue, len(remote))
	for _, queue := range remote {
		byName[queue.Name] = queue
	}

	for _, name := range a.opts.QueueNames() {
		queue, ok := byName[name]
		if !ok {
			a.log.Warn("Run queue %q does not exist for entity %s.", name, a.opts.Entity)
			continue
		}
		a.queues = append(a.queues, queue)
	}

	if len(a.queues) == 0 {
		return types.NewConfigurationErrorf(
			"none of the configured queues %v exist for entity %s", a.opts.QueueNames(), a.opts.Entity)
	}
	return nil
}

// AgentID returns the backend-assigned agent id.
func (a *LaunchAgent) AgentID() string { return a.agentID }

// Loop polls until the context is cancelled or the backend tells the agent
// to stop.
func (a *LaunchAgent) Loop(ctx context.Context) error {
	pollInterval := time.Duration(a.opts.PollInterval) * time.Second
	statusPeriod := time.Duration(a.opts.StatusPeriod) * time.Second
	lastStatus := time.Time{}

	for {
		select {
		case <-ctx.Done():
			a.reportStatus(api.AgentStatusKilled)
			return ctx.Err()
		default:
		}

		if time.Since(lastStatus) >= statusPeriod {
			status := api.AgentStatusPolling
			if a.jobs.Count() > 0 {
				status = api.AgentStatusRunning
			}
			a.reportStatus(status)
			if stop := a.checkStopPolling(ctx); stop {
				a.log.Info("Backend requested this agent stop polling.")
				a.reportStatus(api.AgentStatusKilled)
				return nil
			}
			lastStatus = time.Now()
		}

		popped := false
		for _, queue := range a.queues {
			// Popping claims the item, so only pop what a job slot can
			// absorb. Scheduler items are cheap enough to ride along and are
			// checked against their own ceiling before they are acked.
			if !a.slotFree(false) {
				break
			}
			item, err := a.client.PopFromRunQueue(ctx, queue.Name, queue.Entity, queue.Project, a.agentID)
			if err != nil {
				queuePolls.WithLabelValues(queue.Name, "error").Inc()
				a.log.Warn("Failed to pop from queue %s: %v", queue.Name, err)
				continue
			}
			if item == nil {
				queuePolls.WithLabelValues(queue.Name, "empty").Inc()
				continue
			}
			queuePolls.WithLabelValues(queue.Name, "item").Inc()
			popped = true
			go a.process(ctx, queue, item)
		}

		if !popped {
			select {
			case <-ctx.Done():
			case <-time.After(pollInterval):
			}
		}
	}
}

func (a *LaunchAgent) reportStatus(status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.client.UpdateLaunchAgentStatus(ctx, a.agentID, status); err != nil {
		a.log.Warn("Failed to report agent status %s: %v", status, err)
	}
}

func (a *LaunchAgent) checkStopPolling(ctx context.Context) bool {
	info, err := a.client.GetLaunchAgent(ctx, a.agentID)
	if err != nil {
		return false
	}
	return info.StopPolling
}

func (a *LaunchAgent) slotFree(isScheduler bool) bool {
	if isScheduler {
		return a.opts.MaxSchedulers == launchconfig.UnboundedConcurrency ||
			atomic.LoadInt64(&a.runningSchedulers) < int64(a.opts.MaxSchedulers)
	}
	return a.opts.MaxJobs == launchconfig.UnboundedConcurrency ||
		atomic.LoadInt64(&a.runningJobs) < int64(a.opts.MaxJobs)
}

func (a *LaunchAgent) acquireSlot(ctx context.Context, isScheduler bool) error {
	for !a.slotFree(isScheduler) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if isScheduler {
		atomic.AddInt64(&a.runningSchedulers, 1)
	} else {
		atomic.AddInt64(&a.runningJobs, 1)
	}
	return nil
}

func (a *LaunchAgent) releaseSlot(isScheduler bool) {
	if isScheduler {
		atomic.AddInt64(&a.runningSchedulers, -1)
	} else {
		atomic.AddInt64(&a.runningJobs, -1)
	}
}

// process handles one popped queue item end to end. A failure here is
// reported against the item and never takes the agent down.
func (a *LaunchAgent) process(ctx context.Context, queue api.RunQueue, item *types.RunQueueItem) {
	spec, err := types.ParseLaunchSpec(item.RunSpec)
	if err != nil {
		a.failItem(item.ID, err, types.ErrorStageRun)
		return
	}

	if spec.Entity != "" && spec.Entity != queue.Entity {
		a.log.Warn("Queue item %s targets entity %s but came from queue owned by %s; proceeding.",
			item.ID, spec.Entity, queue.Entity)
	}

	mergeQueueConfig(spec, queue.Config)

	project, err := types.NewProjectFromSpec(spec, queue.Name, queue.Entity)
	if err != nil {
		a.failItem(item.ID, err, types.ErrorStageRun)
		return
	}

	isScheduler := spec.IsScheduler()
	if isScheduler && !a.slotFree(true) {
		a.failItem(item.ID, fmt.Errorf(
			"agent is already running its maximum of %d scheduler(s)", a.opts.MaxSchedulers),
			types.ErrorStageRun)
		return
	}

	// The item is only acked once a slot is held; un-acked items are
	// redelivered, so an agent that cannot run the work never claims it.
	if err = a.acquireSlot(ctx, isScheduler); err != nil {
		return
	}
	defer a.releaseSlot(isScheduler)

	if err = a.client.AckRunQueueItem(ctx, item.ID, project.RunID); err != nil {
		a.log.Warn("Failed to ack queue item %s: %v", item.ID, err)
	}

	if project.BuildRequired() {
		buildStart := time.Now()
		uri, err := a.builder.Build(ctx, project)
		if err != nil {
			a.failItem(item.ID, err, types.ErrorStageBuild)
			return
		}
		buildDuration.Observe(time.Since(buildStart).Seconds())
		project.SetImageURI(uri)
		a.reportResolvedSpec(ctx, item.ID, spec, uri)
	}

	backend, err := a.runnerFor(ctx, project.Resource)
	if err != nil {
		a.failItem(item.ID, err, types.ErrorStageRun)
		return
	}

	run, err := backend.Run(ctx, project, project.ImageURI())
	if err != nil {
		a.failItem(item.ID, err, types.ErrorStageRun)
		return
	}

	jobsStarted.Inc()
	jobsRunning.Inc()
	a.jobs.Set(project.RunID, &trackedJob{
		Project:     project,
		Run:         run,
		IsScheduler: isScheduler,
		StartedAt:   time.Now(),
	})
	a.log.Info("Dispatched run %s to %s backend as %s.", project.RunID, backend.Backend(), run.ID())

	status, err := run.Wait(ctx)
	a.jobs.Remove(project.RunID)
	jobsRunning.Dec()
	jobsFinished.Inc()
	if err != nil {
		a.log.Warn("Run %s finished with error: %v", project.RunID, err)
		return
	}
	a.log.Info("Run %s finished with status %s.", project.RunID, status)
}

// reportResolvedSpec writes the image a build resolved to back onto the
// queue item, so the backend's copy of the run spec records what actually
// ran. Best effort.
func (a *LaunchAgent) reportResolvedSpec(ctx context.Context, itemID string, spec *types.LaunchSpec, uri string) {
	spec.DockerImage = uri
	raw, err := spec.Marshal()
	if err != nil {
		a.log.Warn("Failed to encode resolved spec for item %s: %v", itemID, err)
		return
	}
	if err = a.client.UpdateRunQueueItem(ctx, itemID, raw); err != nil {
		a.log.Warn("Failed to report resolved image for item %s: %v", itemID, err)
	}
}

// mergeQueueConfig fills queue-level resource_args defaults into the spec.
// Keys set on the item itself win.
func mergeQueueConfig(spec *types.LaunchSpec, defaults map[string]interface{}) {
	if len(defaults) == 0 {
		return
	}
	if spec.ResourceArgs == nil {
		spec.ResourceArgs = make(map[string]interface{}, len(defaults))
	}
	for key, value := range defaults {
		if _, ok := spec.ResourceArgs[key]; !ok {
			spec.ResourceArgs[key] = value
		}
	}
}

// runnerFor returns the cached runner for a resource, constructing it from
// the matching config block on first use.
func (a *LaunchAgent) runnerFor(ctx context.Context, resource string) (runner.Runner, error) {
	if backend, ok := a.runners.Get(resource); ok {
		return backend, nil
	}
	backend, err := a.loader.RunnerFromConfig(ctx, resource, a.opts.Runners[resource])
	if err != nil {
		return nil, err
	}
	a.runners.Set(resource, backend)
	return backend, nil
}

func (a *LaunchAgent) failItem(itemID string, cause error, defaultStage string) {
	jobsFailed.Inc()
	stage := defaultStage
	var buildErr *types.BuildError
	if errors.As(cause, &buildErr) {
		stage = buildErr.Stage
	}

	a.log.Error("Queue item %s failed during %s: %v", itemID, stage, cause)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.client.FailRunQueueItem(ctx, itemID, cause.Error(), stage); err != nil {
		a.log.Warn("Failed to report failure of queue item %s: %v", itemID, err)
	}
}

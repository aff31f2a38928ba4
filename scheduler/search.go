package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/c-bata/goptuna"
	"github.com/c-bata/goptuna/tpe"
	"golang.org/x/sync/errgroup"

	"github.com/wandb/launch/common/api"
	launchconfig "github.com/wandb/launch/common/config"
	"github.com/wandb/launch/common/queue"
	"github.com/wandb/launch/common/types"
	"github.com/wandb/launch/common/utils"
)

const (
	defaultTrialBudget = 20
	runPollPeriod      = 15 * time.Second
)

// paramSpec is one entry of the sweep config's parameter space.
type paramSpec struct {
	distribution string
	min          float64
	max          float64
	values       []string
}

// metricSpec names the scalar the search optimizes and which way.
type metricSpec struct {
	name     string
	maximize bool
}

// SearchScheduler drives a hyperparameter search: it asks a TPE-sampled
// study for the next trial's parameters, launches a run with them, waits for
// the run to finish, and reports the resulting metric back to the study.
type SearchScheduler struct {
	*Scheduler

	params    map[string]paramSpec
	metric    metricSpec
	trials    int
	study     *goptuna.Study
	scheduled *queue.Bounded[*types.SweepRun]

	// pollPeriod is how often waitForRun checks a trial run's state.
	pollPeriod time.Duration

	hbCancel    context.CancelFunc
	trialCancel context.CancelFunc
	group       *errgroup.Group
	done        chan struct{}
	groupErr    error
}

func NewSearchScheduler(client api.Client, opts *launchconfig.SchedulerOptions) (*SearchScheduler, error) {
	params, metric, err := parseSweepConfig(opts.SweepConfig)
	if err != nil {
		return nil, err
	}

	trials := opts.RunCap
	if trials <= 0 {
		trials = defaultTrialBudget
	}

	return &SearchScheduler{
		Scheduler:  newScheduler(client, opts),
		params:     params,
		metric:     metric,
		trials:     trials,
		scheduled:  queue.NewBounded[*types.SweepRun](workQueueCapacity),
		pollPeriod: runPollPeriod,
		done:       make(chan struct{}),
	}, nil
}

// Run drives the scheduler to a terminal state.
func (s *SearchScheduler) Run(ctx context.Context) error {
	return s.run(ctx, s)
}

func (s *SearchScheduler) start(ctx context.Context) error {
	info, err := s.client.RegisterAgent(ctx, s.opts.Entity, map[string]interface{}{
		"sweep_id": s.opts.SweepID,
		"queue":    s.opts.Queue,
	})
	if err != nil {
		return types.NewSchedulerErrorf("failed to register search scheduler: %v", err)
	}
	s.agentID = info.ID

	sweepID, err := s.client.UpsertSweep(ctx, s.opts.Entity, s.opts.Project, s.opts.SweepID, s.opts.SweepConfig)
	if err != nil {
		return types.NewSchedulerErrorf("failed to upsert sweep: %v", err)
	}
	s.opts.SweepID = sweepID

	direction := goptuna.StudyDirectionMinimize
	if s.metric.maximize {
		direction = goptuna.StudyDirectionMaximize
	}
	study, err := goptuna.CreateStudy(
		fmt.Sprintf("launch-sweep-%s", sweepID),
		goptuna.StudyOptionSampler(tpe.NewSampler()),
		goptuna.StudyOptionDirection(direction),
	)
	if err != nil {
		return types.NewSchedulerErrorf("failed to create study: %v", err)
	}
	s.study = study

	hbCtx, cancel := context.WithCancel(ctx)
	s.hbCancel = cancel
	go s.heartbeat(hbCtx)

	trialCtx, cancelTrials := context.WithCancel(ctx)
	s.trialCancel = cancelTrials
	group, groupCtx := errgroup.WithContext(trialCtx)
	s.group = group
	trialsPerWorker := (s.trials + s.opts.Workers - 1) / s.opts.Workers
	for i := 0; i < s.opts.Workers; i++ {
		group.Go(func() error {
			return study.Optimize(func(trial goptuna.Trial) (float64, error) {
				return s.objective(groupCtx, trial)
			}, trialsPerWorker)
		})
	}
	go func() {
		s.groupErr = group.Wait()
		close(s.done)
	}()

	s.log.Info("Search scheduler for sweep %s started, %d trial(s) across %d worker(s), optimizing %s.",
		sweepID, s.trials, s.opts.Workers, s.metric.name)
	return nil
}

// objective runs one trial: suggest parameters, launch a run with them, wait
// for it to die, and return the last value of the optimization metric.
func (s *SearchScheduler) objective(ctx context.Context, trial goptuna.Trial) (float64, error) {
	args, err := s.suggestArgs(trial)
	if err != nil {
		return 0, err
	}

	runID := utils.GenerateRunID()
	spec := &types.LaunchSpec{
		Entity:  s.opts.Entity,
		Project: s.opts.Project,
		RunID:   runID,
		SweepID: s.opts.SweepID,
		Overrides: types.Overrides{
			RunConfig: args,
		},
	}
	result, err := s.client.PushToRunQueue(ctx, s.opts.Queue, s.opts.Entity, spec)
	if err != nil {
		return 0, fmt.Errorf("failed to push trial run %s: %w", runID, err)
	}

	run := &types.SweepRun{ID: runID, State: types.RunStatePending, Args: args, QueuedRunID: result.QueueItemID}
	if err = s.scheduled.Enqueue(run); err != nil {
		s.log.Warn("Could not record scheduled trial run %s: %v", runID, err)
	}
	s.log.Info("Trial %d launched run %s.", trial.ID, runID)

	if err = s.waitForRun(ctx, runID); err != nil {
		return 0, err
	}

	history, err := s.client.GetRunMetricHistory(ctx, s.opts.Entity, s.opts.Project, runID, s.metric.name)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch metric %s for run %s: %w", s.metric.name, runID, err)
	}
	if len(history) == 0 {
		return 0, fmt.Errorf("run %s logged no values for metric %s", runID, s.metric.name)
	}
	value := history[len(history)-1]
	s.log.Info("Run %s finished, %s=%f.", runID, s.metric.name, value)
	return value, nil
}

func (s *SearchScheduler) suggestArgs(trial goptuna.Trial) (map[string]interface{}, error) {
	args := make(map[string]interface{}, len(s.params))
	for name, spec := range s.params {
		switch spec.distribution {
		case "uniform":
			value, err := trial.SuggestFloat(name, spec.min, spec.max)
			if err != nil {
				return nil, err
			}
			args[name] = value
		case "log_uniform":
			value, err := trial.SuggestLogFloat(name, spec.min, spec.max)
			if err != nil {
				return nil, err
			}
			args[name] = value
		case "int_uniform":
			value, err := trial.SuggestInt(name, int(spec.min), int(spec.max))
			if err != nil {
				return nil, err
			}
			args[name] = value
		case "categorical":
			value, err := trial.SuggestCategorical(name, spec.values)
			if err != nil {
				return nil, err
			}
			args[name] = value
		default:
			return nil, types.NewSchedulerErrorf("unknown distribution %q for parameter %s", spec.distribution, name)
		}
	}
	return args, nil
}

// waitForRun polls until the run reaches a dead state.
func (s *SearchScheduler) waitForRun(ctx context.Context, runID string) error {
	ticker := time.NewTicker(s.pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		remote, err := s.client.GetRunState(ctx, s.opts.Entity, s.opts.Project, runID)
		if err != nil {
			s.log.Warn("Failed to poll run %s: %v", runID, err)
			continue
		}
		if types.RunStateFromRemote(remote) == types.RunStateDead {
			return nil
		}
	}
}

// runOnce tracks newly scheduled runs, reconciles states, handles backend
// commands, and completes once the study is done.
func (s *SearchScheduler) runOnce(ctx context.Context) (bool, error) {
	for {
		run, ok := s.scheduled.TryDequeue()
		if !ok {
			break
		}
		s.trackRun(run)
	}

	s.updateRunStates(ctx)

	if command, ok := s.commands.Dequeue(commandWait); ok {
		switch command.Type {
		case api.CommandExit:
			return false, errStopped
		case api.CommandStop:
			// A stop without a run id stops the whole scheduler.
			if command.RunID == "" {
				s.log.Info("Received stop command from the backend.")
				return false, errStopped
			}
			if err := s.client.StopRun(ctx, s.opts.Entity, s.opts.Project, command.RunID); err != nil {
				s.log.Warn("Failed to stop run %s: %v", command.RunID, err)
			}
			delete(s.runs, command.RunID)
			s.publishSnapshot()
		default:
			s.log.Warn("Ignoring %s command, the search scheduler creates its own runs.", command.Type)
		}
	}

	select {
	case <-s.done:
		if s.groupErr != nil {
			return false, types.NewSchedulerErrorf("search failed: %v", s.groupErr)
		}
		if best, err := s.study.GetBestParams(); err == nil {
			s.log.Info("Search complete. Best parameters: %v", best)
		}
		return true, nil
	default:
		return false, nil
	}
}

func (s *SearchScheduler) exiting() {
	if s.hbCancel != nil {
		s.hbCancel()
	}
	if s.trialCancel != nil {
		s.trialCancel()
	}
	<-s.done
}

// parseSweepConfig extracts the parameter space and metric from the sweep
// config block.
func parseSweepConfig(config map[string]interface{}) (map[string]paramSpec, metricSpec, error) {
	var metric metricSpec
	if raw, ok := config["metric"].(map[string]interface{}); ok {
		metric.name, _ = raw["name"].(string)
		goal, _ := raw["goal"].(string)
		metric.maximize = goal == "maximize"
	}
	if metric.name == "" {
		return nil, metric, types.NewConfigurationErrorf("sweep config requires metric.name")
	}

	rawParams, ok := config["parameters"].(map[string]interface{})
	if !ok || len(rawParams) == 0 {
		return nil, metric, types.NewConfigurationErrorf("sweep config requires a parameters block")
	}

	params := make(map[string]paramSpec, len(rawParams))
	for name, raw := range rawParams {
		block, ok := raw.(map[string]interface{})
		if !ok {
			return nil, metric, types.NewConfigurationErrorf("parameter %s must be a mapping", name)
		}
		spec, err := parseParam(name, block)
		if err != nil {
			return nil, metric, err
		}
		params[name] = spec
	}
	return params, metric, nil
}

func parseParam(name string, block map[string]interface{}) (paramSpec, error) {
	var spec paramSpec

	if rawValues, ok := block["values"].([]interface{}); ok {
		spec.distribution = "categorical"
		for _, v := range rawValues {
			spec.values = append(spec.values, fmt.Sprintf("%v", v))
		}
		if len(spec.values) == 0 {
			return spec, types.NewConfigurationErrorf("parameter %s has an empty values list", name)
		}
		return spec, nil
	}

	min, minOK := toFloat(block["min"])
	max, maxOK := toFloat(block["max"])
	if !minOK || !maxOK {
		return spec, types.NewConfigurationErrorf("parameter %s requires min and max, or values", name)
	}
	if min >= max {
		return spec, types.NewConfigurationErrorf("parameter %s has min >= max", name)
	}
	spec.min, spec.max = min, max

	spec.distribution = "uniform"
	if dist, ok := block["distribution"].(string); ok && dist != "" {
		spec.distribution = dist
	}
	return spec, nil
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

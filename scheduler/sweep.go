package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/wandb/launch/common/api"
	launchconfig "github.com/wandb/launch/common/config"
	"github.com/wandb/launch/common/queue"
	"github.com/wandb/launch/common/types"
)

const (
	workQueueCapacity = 256
	commandWait       = time.Second
)

// SweepScheduler schedules runs for an existing sweep. The backend drives it
// entirely through heartbeat commands: run, resume, stop, and exit.
type SweepScheduler struct {
	*Scheduler

	work      *queue.Bounded[*types.SweepRun]
	scheduled *queue.Bounded[*types.SweepRun]

	workers  sync.WaitGroup
	stop     chan struct{}
	hbCancel context.CancelFunc

	scheduledCount int
}

func NewSweepScheduler(client api.Client, opts *launchconfig.SchedulerOptions) (*SweepScheduler, error) {
	if opts.SweepID == "" {
		return nil, types.NewConfigurationErrorf("sweep scheduler requires a sweep_id")
	}
	return &SweepScheduler{
		Scheduler: newScheduler(client, opts),
		work:      queue.NewBounded[*types.SweepRun](workQueueCapacity),
		scheduled: queue.NewBounded[*types.SweepRun](workQueueCapacity),
		stop:      make(chan struct{}),
	}, nil
}

// Run drives the scheduler to a terminal state.
func (s *SweepScheduler) Run(ctx context.Context) error {
	return s.run(ctx, s)
}

// start registers with the backend, then launches the heartbeat goroutine
// and the worker pool.
func (s *SweepScheduler) start(ctx context.Context) error {
	info, err := s.client.RegisterAgent(ctx, s.opts.Entity, map[string]interface{}{
		"sweep_id": s.opts.SweepID,
		"queue":    s.opts.Queue,
	})
	if err != nil {
		return types.NewSchedulerErrorf("failed to register sweep scheduler: %v", err)
	}
	s.agentID = info.ID

	if _, err = s.client.UpsertSweep(ctx, s.opts.Entity, s.opts.Project, s.opts.SweepID, s.opts.SweepConfig); err != nil {
		return types.NewSchedulerErrorf("failed to upsert sweep %s: %v", s.opts.SweepID, err)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	s.hbCancel = cancel
	go s.heartbeat(hbCtx)

	for i := 0; i < s.opts.Workers; i++ {
		s.workers.Add(1)
		go s.worker(ctx, i)
	}

	s.log.Info("Sweep scheduler for %s started with %d worker(s).", s.opts.SweepID, s.opts.Workers)
	return nil
}

// worker pushes ready sweep runs onto the launch queue.
func (s *SweepScheduler) worker(ctx context.Context, id int) {
	defer s.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		run, ok := s.work.Dequeue(commandWait)
		if !ok {
			continue
		}

		spec := &types.LaunchSpec{
			Entity:  s.opts.Entity,
			Project: s.opts.Project,
			RunID:   run.ID,
			SweepID: s.opts.SweepID,
			Overrides: types.Overrides{
				RunConfig: run.Args,
			},
		}
		result, err := s.client.PushToRunQueue(ctx, s.opts.Queue, s.opts.Entity, spec)
		if err != nil {
			s.log.Error("Worker %d failed to push run %s to queue %s: %v", id, run.ID, s.opts.Queue, err)
			continue
		}
		run.WorkerID = id
		run.State = types.RunStatePending
		run.QueuedRunID = result.QueueItemID
		if err = s.scheduled.Enqueue(run); err != nil {
			s.log.Warn("Worker %d could not record scheduled run %s: %v", id, run.ID, err)
		}
		s.log.Info("Worker %d pushed run %s to queue %s.", id, run.ID, s.opts.Queue)
	}
}

// runOnce drains scheduled runs into the tracked set, reconciles run states,
// then handles at most one backend command.
func (s *SweepScheduler) runOnce(ctx context.Context) (bool, error) {
	for {
		run, ok := s.scheduled.TryDequeue()
		if !ok {
			break
		}
		s.trackRun(run)
		s.scheduledCount++
	}

	if s.opts.RunCap > 0 && s.scheduledCount >= s.opts.RunCap {
		s.log.Info("Run cap of %d reached, completing the sweep.", s.opts.RunCap)
		return true, nil
	}

	s.updateRunStates(ctx)

	command, ok := s.commands.Dequeue(commandWait)
	if !ok {
		return false, nil
	}
	return s.handleCommand(ctx, command)
}

func (s *SweepScheduler) handleCommand(ctx context.Context, command api.Command) (bool, error) {
	switch command.Type {
	case api.CommandRun, api.CommandResume:
		if command.RunID == "" {
			return false, types.NewSchedulerErrorf("No run id in %s command", command.Type)
		}
		run := &types.SweepRun{
			ID:    command.RunID,
			State: types.RunStatePending,
			Args:  command.Args,
		}
		if err := s.work.Enqueue(run); err != nil {
			s.log.Warn("Work queue is full, dropping run %s.", run.ID)
		}
		return false, nil

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
		return false, nil

	case api.CommandExit:
		s.log.Info("Received exit command from the backend.")
		return false, errStopped

	default:
		return false, types.NewSchedulerErrorf("unknown command type %q", command.Type)
	}
}

// exiting winds the heartbeat and worker pool down.
func (s *SweepScheduler) exiting() {
	if s.hbCancel != nil {
		s.hbCancel()
	}
	close(s.stop)
	s.workers.Wait()
	s.work.Close()
}

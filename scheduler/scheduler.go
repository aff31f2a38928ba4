// Package scheduler implements the sweep scheduling state machine. A
// scheduler is itself launched as a job; it receives commands from the
// backend over the agent heartbeat protocol and feeds new runs into a run
// queue for agents to pick up.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/wandb/launch/common/api"
	launchconfig "github.com/wandb/launch/common/config"
	"github.com/wandb/launch/common/queue"
	"github.com/wandb/launch/common/types"
)

// State of a scheduler. Transitions are monotonic: once a terminal state is
// reached the scheduler never leaves it.
type State int32

const (
	StatePending State = iota
	StateStarting
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled || s == StateStopped
}

const commandQueueCapacity = 64

// engine is the behavior a concrete scheduler plugs into the state machine.
type engine interface {
	// start performs one-time setup after the scheduler enters STARTING.
	start(ctx context.Context) error

	// runOnce performs one iteration of work while RUNNING. It returns true
	// when the scheduler's work is complete.
	runOnce(ctx context.Context) (bool, error)

	// exiting is called once, after the loop ends, before runs are stopped.
	exiting()
}

// errStopped signals a remote stop command; it maps to STOPPED, not FAILED.
var errStopped = errors.New("scheduler stopped by backend command")

// Scheduler is the shared state machine. The loop goroutine owns the tracked
// run set; the heartbeat goroutine communicates with it only through the
// bounded command queue and reads run states from a published snapshot.
type Scheduler struct {
	client api.Client
	opts   *launchconfig.SchedulerOptions

	state    int32
	runs     map[string]*types.SweepRun
	snapshot atomic.Value // map[string]string
	commands *queue.Bounded[api.Command]

	agentID string
	log     logger.Logger
}

func newScheduler(client api.Client, opts *launchconfig.SchedulerOptions) *Scheduler {
	s := &Scheduler{
		client:   client,
		opts:     opts,
		state:    int32(StatePending),
		runs:     make(map[string]*types.SweepRun),
		commands: queue.NewBounded[api.Command](commandQueueCapacity),
	}
	s.snapshot.Store(map[string]string{})
	config.InitLogger(&s.log, s)
	return s
}

// State returns the scheduler's current state.
func (s *Scheduler) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// setState advances the state machine. Terminal states are sticky.
func (s *Scheduler) setState(next State) {
	for {
		current := atomic.LoadInt32(&s.state)
		if State(current).Terminal() {
			return
		}
		if atomic.CompareAndSwapInt32(&s.state, current, int32(next)) {
			s.log.Info("Scheduler state is now %s.", next)
			return
		}
	}
}

// run drives the engine through the state machine until completion,
// cancellation, stop, or failure.
func (s *Scheduler) run(ctx context.Context, impl engine) error {
	s.setState(StateStarting)
	if err := impl.start(ctx); err != nil {
		s.fail(impl, err)
		return err
	}

	s.setState(StateRunning)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Context cancelled, shutting the scheduler down.")
			impl.exiting()
			s.stopAllRuns()
			s.setState(StateCancelled)
			return ctx.Err()
		default:
		}

		done, err := impl.runOnce(ctx)
		if errors.Is(err, errStopped) {
			impl.exiting()
			s.stopAllRuns()
			s.setState(StateStopped)
			return nil
		}
		if err != nil {
			s.fail(impl, err)
			return err
		}
		if done {
			impl.exiting()
			s.setState(StateCompleted)
			return nil
		}
	}
}

func (s *Scheduler) fail(impl engine, cause error) {
	s.log.Error("Scheduler failed: %v", cause)
	impl.exiting()
	s.stopAllRuns()
	s.setState(StateFailed)
}

// Exit forces the scheduler into FAILED unless it already completed or was
// cancelled, stopping all tracked runs best-effort.
func (s *Scheduler) Exit() {
	s.stopAllRuns()
	state := s.State()
	if state == StateCompleted || state == StateCancelled {
		return
	}
	atomic.StoreInt32(&s.state, int32(StateFailed))
	s.log.Info("Scheduler state is now %s.", StateFailed)
}

// trackRun adds a run to the tracked set. Loop goroutine only.
func (s *Scheduler) trackRun(run *types.SweepRun) {
	s.runs[run.ID] = run
	s.publishSnapshot()
}

// updateRunStates reconciles every tracked run against the backend. Dead
// runs are removed; a communication failure downgrades the run to UNKNOWN
// instead of removing it.
func (s *Scheduler) updateRunStates(ctx context.Context) {
	for id, run := range s.runs {
		remote, err := s.client.GetRunState(ctx, s.opts.Entity, s.opts.Project, id)
		if err != nil {
			s.log.Warn("Failed to fetch state of run %s: %v", id, err)
			run.State = types.RunStateUnknown
			continue
		}
		state := types.RunStateFromRemote(remote)
		if state == types.RunStateDead {
			s.log.Debug("Run %s is dead (%s), removing it from tracking.", id, remote)
			delete(s.runs, id)
			continue
		}
		run.State = state
	}
	s.publishSnapshot()
}

// publishSnapshot makes the run states visible to the heartbeat goroutine.
func (s *Scheduler) publishSnapshot() {
	snapshot := make(map[string]string, len(s.runs))
	for id, run := range s.runs {
		snapshot[id] = run.State.String()
	}
	s.snapshot.Store(snapshot)
}

func (s *Scheduler) runStates() map[string]string {
	return s.snapshot.Load().(map[string]string)
}

// stopAllRuns asks the backend to stop every run still tracked. Best effort.
func (s *Scheduler) stopAllRuns() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for id := range s.runs {
		if err := s.client.StopRun(ctx, s.opts.Entity, s.opts.Project, id); err != nil {
			s.log.Warn("Failed to stop run %s: %v", id, err)
		}
	}
}

// heartbeat reports tracked run states and forwards backend commands onto
// the command queue. It never touches the run set directly.
func (s *Scheduler) heartbeat(ctx context.Context) {
	period := time.Duration(s.opts.Heartbeat) * time.Second
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.State().Terminal() {
			return
		}

		commands, err := s.client.AgentHeartbeat(ctx, s.agentID, s.runStates())
		if err != nil {
			s.log.Warn("Heartbeat failed: %v", err)
			continue
		}
		for _, command := range commands {
			if err := s.commands.Enqueue(command); err != nil {
				s.log.Warn("Dropping %s command, the command queue is full.", command.Type)
			}
		}
	}
}

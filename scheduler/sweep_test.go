package scheduler

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wandb/launch/common/api"
	launchconfig "github.com/wandb/launch/common/config"
	"github.com/wandb/launch/common/types"
)

func sweepOptions() *launchconfig.SchedulerOptions {
	return &launchconfig.SchedulerOptions{
		Kind:      launchconfig.SchedulerKindSweep,
		Entity:    "team",
		Project:   "demo",
		SweepID:   "sweep1",
		Queue:     "default",
		Workers:   2,
		Heartbeat: 1,
	}
}

var _ = Describe("Scheduler state machine", func() {
	It("requires a sweep id", func() {
		opts := sweepOptions()
		opts.SweepID = ""
		_, err := NewSweepScheduler(&api.FakeClient{}, opts)
		Expect(err).To(HaveOccurred())
		Expect(types.IsConfigurationError(err)).To(BeTrue())
	})

	It("keeps terminal states sticky", func() {
		s := newScheduler(&api.FakeClient{}, sweepOptions())
		s.setState(StateRunning)
		s.setState(StateCompleted)
		s.setState(StateFailed)
		Expect(s.State()).To(Equal(StateCompleted))

		s.Exit()
		Expect(s.State()).To(Equal(StateCompleted))
	})

	It("forces FAILED on Exit before completion", func() {
		s := newScheduler(&api.FakeClient{}, sweepOptions())
		s.setState(StateRunning)
		s.Exit()
		Expect(s.State()).To(Equal(StateFailed))
	})

	It("reconciles tracked run states against the backend", func() {
		fake := &api.FakeClient{
			GetRunStateFn: func(ctx context.Context, entity, project, runID string) (string, error) {
				switch runID {
				case "run1":
					return "crashed", nil
				case "run5":
					return "running", nil
				default:
					return "", fmt.Errorf("api unavailable")
				}
			},
		}
		s := newScheduler(fake, sweepOptions())
		s.trackRun(&types.SweepRun{ID: "run1", State: types.RunStatePending})
		s.trackRun(&types.SweepRun{ID: "run5", State: types.RunStatePending})
		s.trackRun(&types.SweepRun{ID: "run9", State: types.RunStatePending})

		s.updateRunStates(context.Background())

		Expect(s.runs).ToNot(HaveKey("run1"))
		Expect(s.runs["run5"].State).To(Equal(types.RunStateAlive))
		Expect(s.runs["run9"].State).To(Equal(types.RunStateUnknown))

		snapshot := s.runStates()
		Expect(snapshot).To(HaveKeyWithValue("run5", "ALIVE"))
		Expect(snapshot).To(HaveKeyWithValue("run9", "UNKNOWN"))
		Expect(snapshot).ToNot(HaveKey("run1"))
	})

	It("forwards heartbeat commands onto the command queue", func() {
		var seenStates map[string]string
		fake := &api.FakeClient{
			AgentHeartbeatFn: func(ctx context.Context, agentID string, runStates map[string]string) ([]api.Command, error) {
				seenStates = runStates
				return []api.Command{{Type: api.CommandStop, RunID: "run5"}}, nil
			},
		}
		s := newScheduler(fake, sweepOptions())
		s.agentID = "agent1"
		s.trackRun(&types.SweepRun{ID: "run5", State: types.RunStateRunning})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go s.heartbeat(ctx)

		Eventually(func() bool {
			command, ok := s.commands.TryDequeue()
			return ok && command.Type == api.CommandStop && command.RunID == "run5"
		}, "5s", "100ms").Should(BeTrue())
		Expect(seenStates).To(HaveKeyWithValue("run5", "RUNNING"))
	})
})

var _ = Describe("SweepScheduler", func() {
	var fake *api.FakeClient

	BeforeEach(func() {
		fake = &api.FakeClient{}
	})

	runScheduler := func(s *SweepScheduler, ctx context.Context) chan error {
		errs := make(chan error, 1)
		go func() { errs <- s.Run(ctx) }()
		return errs
	}

	It("stops cleanly on an exit command", func() {
		s, err := NewSweepScheduler(fake, sweepOptions())
		Expect(err).ToNot(HaveOccurred())
		Expect(s.commands.Enqueue(api.Command{Type: api.CommandExit})).To(Succeed())

		errs := runScheduler(s, context.Background())
		Eventually(errs, "10s", "100ms").Should(Receive(BeNil()))
		Expect(s.State()).To(Equal(StateStopped))
	})

	It("stops the whole sweep on a stop command without a run id", func() {
		s, err := NewSweepScheduler(fake, sweepOptions())
		Expect(err).ToNot(HaveOccurred())
		Expect(s.commands.Enqueue(api.Command{Type: api.CommandStop})).To(Succeed())

		errs := runScheduler(s, context.Background())
		Eventually(errs, "10s", "100ms").Should(Receive(BeNil()))
		Expect(s.State()).To(Equal(StateStopped))
	})

	It("fails on a run command without a run id", func() {
		s, err := NewSweepScheduler(fake, sweepOptions())
		Expect(err).ToNot(HaveOccurred())
		Expect(s.commands.Enqueue(api.Command{Type: api.CommandRun})).To(Succeed())

		errs := runScheduler(s, context.Background())
		var runErr error
		Eventually(errs, "10s", "100ms").Should(Receive(&runErr))
		Expect(runErr).To(MatchError(ContainSubstring("No run id")))
		Expect(s.State()).To(Equal(StateFailed))
	})

	It("is cancelled when the context ends", func() {
		s, err := NewSweepScheduler(fake, sweepOptions())
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		errs := runScheduler(s, ctx)
		Eventually(s.State, "10s", "100ms").Should(Equal(StateRunning))
		cancel()

		Eventually(errs, "10s", "100ms").Should(Receive(MatchError(context.Canceled)))
		Expect(s.State()).To(Equal(StateCancelled))
	})

	It("pushes commanded runs and completes at the run cap", func() {
		opts := sweepOptions()
		opts.RunCap = 1
		var pushed *types.LaunchSpec
		fake.PushToRunQueueFn = func(ctx context.Context, queue, entity string, spec *types.LaunchSpec) (*api.PushResult, error) {
			pushed = spec
			return &api.PushResult{QueueItemID: "item1"}, nil
		}

		s, err := NewSweepScheduler(fake, opts)
		Expect(err).ToNot(HaveOccurred())
		Expect(s.commands.Enqueue(api.Command{
			Type:  api.CommandRun,
			RunID: "trial1",
			Args:  map[string]interface{}{"lr": 0.1},
		})).To(Succeed())

		errs := runScheduler(s, context.Background())
		Eventually(errs, "15s", "100ms").Should(Receive(BeNil()))
		Expect(s.State()).To(Equal(StateCompleted))

		Expect(pushed).ToNot(BeNil())
		Expect(pushed.RunID).To(Equal("trial1"))
		Expect(pushed.SweepID).To(Equal("sweep1"))
		Expect(pushed.Overrides.RunConfig).To(HaveKeyWithValue("lr", 0.1))
		Expect(fake.CallCount("UpsertSweep")).To(Equal(1))
	})

	It("stops a run on a stop command", func() {
		var stopped []string
		fake.StopRunFn = func(ctx context.Context, entity, project, runID string) error {
			stopped = append(stopped, runID)
			return nil
		}
		s, err := NewSweepScheduler(fake, sweepOptions())
		Expect(err).ToNot(HaveOccurred())
		s.trackRun(&types.SweepRun{ID: "trial1", State: types.RunStateRunning})

		done, handleErr := s.handleCommand(context.Background(), api.Command{Type: api.CommandStop, RunID: "trial1"})
		Expect(handleErr).ToNot(HaveOccurred())
		Expect(done).To(BeFalse())
		Expect(stopped).To(ConsistOf("trial1"))
		Expect(s.runs).ToNot(HaveKey("trial1"))
	})

	It("rejects unknown command types", func() {
		s, err := NewSweepScheduler(fake, sweepOptions())
		Expect(err).ToNot(HaveOccurred())

		_, handleErr := s.handleCommand(context.Background(), api.Command{Type: "explode"})
		Expect(handleErr).To(HaveOccurred())
	})
})

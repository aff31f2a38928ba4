package agent

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/goccy/go-json"

	"github.com/wandb/launch/builder"
	"github.com/wandb/launch/common/api"
	launchconfig "github.com/wandb/launch/common/config"
	"github.com/wandb/launch/common/types"
	"github.com/wandb/launch/environment"
	"github.com/wandb/launch/registry"
)

type stubEnvironment struct{ err error }

func (e stubEnvironment) Provider() string                              { return "stub" }
func (e stubEnvironment) Verify(context.Context) error                  { return e.err }
func (e stubEnvironment) UploadFile(context.Context, string, string) error { return nil }
func (e stubEnvironment) UploadDir(context.Context, string, string) error  { return nil }

type stubRegistry struct{ err error }

func (r stubRegistry) Type() string                                       { return "stub" }
func (r stubRegistry) Verify(context.Context) error                       { return r.err }
func (r stubRegistry) GetRepoURI(context.Context) (string, error)         { return "", nil }
func (r stubRegistry) GetCredentials(context.Context) (string, string, error) { return "", "", nil }
func (r stubRegistry) CheckImageExists(context.Context, string) (bool, error) { return false, nil }

type stubBuilder struct {
	uri       string
	verifyErr error
}

func (b *stubBuilder) Type() string                 { return "stub" }
func (b *stubBuilder) Verify(context.Context) error { return b.verifyErr }
func (b *stubBuilder) Build(context.Context, *types.LaunchProject) (string, error) {
	return b.uri, nil
}

var (
	_ environment.Environment = stubEnvironment{}
	_ registry.Registry       = stubRegistry{}
	_ builder.Builder         = (*stubBuilder)(nil)
)

func agentOptions() *launchconfig.AgentOptions {
	return &launchconfig.AgentOptions{
		BaseURL:       "https://api.example.com",
		APIKey:        "secret",
		Entity:        "team",
		Project:       "demo",
		Queues:        "default",
		MaxJobs:       1,
		MaxSchedulers: 1,
		PollInterval:  1,
		StatusPeriod:  30,
		Builder:       map[string]interface{}{"type": "noop"},
	}
}

func defaultQueues(_ context.Context, entity string, _ string) ([]api.RunQueue, error) {
	return []api.RunQueue{{Name: "default", Entity: entity, Project: "demo"}}, nil
}

func queueItem(spec *types.LaunchSpec) *types.RunQueueItem {
	raw, err := json.Marshal(spec)
	Expect(err).ToNot(HaveOccurred())
	return &types.RunQueueItem{ID: "item1", RunSpec: raw}
}

var _ = Describe("LaunchAgent", func() {
	var fake *api.FakeClient

	BeforeEach(func() {
		fake = &api.FakeClient{GetRunQueuesFn: defaultQueues}
	})

	newAgent := func(opts *launchconfig.AgentOptions) *LaunchAgent {
		agent, err := NewLaunchAgent(context.Background(), fake, opts)
		Expect(err).ToNot(HaveOccurred())
		return agent
	}

	Describe("construction", func() {
		It("registers after resolving queues", func() {
			agent := newAgent(agentOptions())
			Expect(agent.AgentID()).To(Equal("fake-agent"))
			Expect(fake.Calls).To(Equal([]string{"GetRunQueues", "RegisterAgent"}))
		})

		It("fails when none of the configured queues exist", func() {
			fake.GetRunQueuesFn = func(_ context.Context, _ string, _ string) ([]api.RunQueue, error) {
				return nil, nil
			}
			_, err := NewLaunchAgent(context.Background(), fake, agentOptions())
			Expect(err).To(HaveOccurred())
			Expect(types.IsConfigurationError(err)).To(BeTrue())
		})

		It("polls queues that do exist even when others are missing", func() {
			opts := agentOptions()
			opts.Queues = "default, missing"
			agent := newAgent(opts)
			Expect(agent.queues).To(HaveLen(1))
			Expect(agent.queues[0].Name).To(Equal("default"))
		})
	})

	Describe("slot accounting", func() {
		It("enforces independent job and scheduler ceilings", func() {
			agent := newAgent(agentOptions())

			Expect(agent.slotFree(false)).To(BeTrue())
			Expect(agent.acquireSlot(context.Background(), false)).To(Succeed())
			Expect(agent.slotFree(false)).To(BeFalse())
			Expect(agent.slotFree(true)).To(BeTrue())

			Expect(agent.acquireSlot(context.Background(), true)).To(Succeed())
			Expect(agent.slotFree(true)).To(BeFalse())

			agent.releaseSlot(false)
			Expect(agent.slotFree(false)).To(BeTrue())
			agent.releaseSlot(true)
		})

		It("treats -1 as unbounded", func() {
			opts := agentOptions()
			opts.MaxJobs = launchconfig.UnboundedConcurrency
			agent := newAgent(opts)

			for i := 0; i < 10; i++ {
				Expect(agent.acquireSlot(context.Background(), false)).To(Succeed())
			}
			Expect(agent.slotFree(false)).To(BeTrue())
		})

		It("gives up waiting for a slot when the context ends", func() {
			agent := newAgent(agentOptions())
			Expect(agent.acquireSlot(context.Background(), false)).To(Succeed())

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			Expect(agent.acquireSlot(ctx, false)).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("processing queue items", func() {
		It("acks and runs an image-sourced job to completion", func() {
			agent := newAgent(agentOptions())
			item := queueItem(&types.LaunchSpec{
				DockerImage: "busybox",
				Entity:      "team",
				Project:     "demo",
				Resource:    "local-process",
				EntryPoint:  []string{"sh", "-c", "exit 0"},
				RunID:       "abcd1234",
			})

			agent.process(context.Background(), agent.queues[0], item)

			Expect(fake.CallCount("AckRunQueueItem")).To(Equal(1))
			Expect(fake.CallCount("FailRunQueueItem")).To(BeZero())
			Expect(agent.jobs.Count()).To(BeZero())
			Expect(atomic.LoadInt64(&agent.runningJobs)).To(BeZero())
		})

		It("reports an unresolvable spec against the item only", func() {
			var failedStage string
			fake.FailRunQueueItemFn = func(_ context.Context, _ string, _ string, stage string) error {
				failedStage = stage
				return nil
			}
			agent := newAgent(agentOptions())

			agent.process(context.Background(), agent.queues[0], queueItem(&types.LaunchSpec{
				Entity: "team",
			}))

			Expect(fake.CallCount("FailRunQueueItem")).To(Equal(1))
			Expect(failedStage).To(Equal(types.ErrorStageRun))
		})

		It("reports build failures with the build stage", func() {
			var failedStage string
			fake.FailRunQueueItemFn = func(_ context.Context, _ string, _ string, stage string) error {
				failedStage = stage
				return nil
			}
			opts := agentOptions()
			opts.Builder = map[string]interface{}{"type": "noop"}
			agent := newAgent(opts)

			dir, err := os.MkdirTemp("", "launch-agent-test-")
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(func() { _ = os.RemoveAll(dir) })

			agent.process(context.Background(), agent.queues[0], queueItem(&types.LaunchSpec{
				URI:        dir,
				Entity:     "team",
				Project:    "demo",
				Resource:   "local-process",
				EntryPoint: []string{"python", "main.py"},
			}))

			Expect(fake.CallCount("FailRunQueueItem")).To(Equal(1))
			Expect(failedStage).To(Equal(types.ErrorStageBuild))
		})

		It("does not ack an item it cannot take a slot for", func() {
			agent := newAgent(agentOptions())
			Expect(agent.acquireSlot(context.Background(), false)).To(Succeed())
			defer agent.releaseSlot(false)

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			agent.process(ctx, agent.queues[0], queueItem(&types.LaunchSpec{
				DockerImage: "busybox",
				Entity:      "team",
				Resource:    "local-process",
				EntryPoint:  []string{"sh", "-c", "exit 0"},
			}))

			Expect(fake.CallCount("AckRunQueueItem")).To(BeZero())
			Expect(fake.CallCount("FailRunQueueItem")).To(BeZero())
		})

		It("fails scheduler items once the scheduler ceiling is reached", func() {
			var message string
			fake.FailRunQueueItemFn = func(_ context.Context, _ string, msg string, _ string) error {
				message = msg
				return nil
			}
			agent := newAgent(agentOptions())
			Expect(agent.acquireSlot(context.Background(), true)).To(Succeed())
			defer agent.releaseSlot(true)

			agent.process(context.Background(), agent.queues[0], queueItem(&types.LaunchSpec{
				DockerImage: "busybox",
				Entity:      "team",
				Resource:    "local-process",
				EntryPoint:  []string{"sh", "-c", "exit 0"},
				JobType:     types.JobTypeSweepScheduler,
			}))

			Expect(fake.CallCount("AckRunQueueItem")).To(BeZero())
			Expect(fake.CallCount("FailRunQueueItem")).To(Equal(1))
			Expect(message).To(ContainSubstring("maximum of 1 scheduler"))
		})

		It("reports the resolved image back to the backend after a build", func() {
			var updatedSpec *types.LaunchSpec
			fake.UpdateRunQueueItemFn = func(_ context.Context, itemID string, raw json.RawMessage) error {
				Expect(itemID).To(Equal("item1"))
				spec, err := types.ParseLaunchSpec(raw)
				Expect(err).ToNot(HaveOccurred())
				updatedSpec = spec
				return nil
			}
			agent := newAgent(agentOptions())
			agent.builder = &stubBuilder{uri: "registry.example.com/launch:abc123"}

			dir, err := os.MkdirTemp("", "launch-agent-test-")
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(func() { _ = os.RemoveAll(dir) })

			agent.process(context.Background(), agent.queues[0], queueItem(&types.LaunchSpec{
				URI:        dir,
				Entity:     "team",
				Project:    "demo",
				Resource:   "local-process",
				EntryPoint: []string{"sh", "-c", "exit 0"},
			}))

			Expect(fake.CallCount("UpdateRunQueueItem")).To(Equal(1))
			Expect(updatedSpec).ToNot(BeNil())
			Expect(updatedSpec.DockerImage).To(Equal("registry.example.com/launch:abc123"))
		})

		It("tracks scheduler items against the scheduler ceiling", func() {
			agent := newAgent(agentOptions())
			Expect(agent.acquireSlot(context.Background(), false)).To(Succeed())
			defer agent.releaseSlot(false)

			// The job slot is taken, but a scheduler item still dispatches.
			agent.process(context.Background(), agent.queues[0], queueItem(&types.LaunchSpec{
				DockerImage: "busybox",
				Entity:      "team",
				Resource:    "local-process",
				EntryPoint:  []string{"sh", "-c", "exit 0"},
				JobType:     types.JobTypeSweepScheduler,
			}))

			Expect(fake.CallCount("FailRunQueueItem")).To(BeZero())
			Expect(atomic.LoadInt64(&agent.runningSchedulers)).To(BeZero())
		})

		It("applies queue defaults under item overrides", func() {
			spec := &types.LaunchSpec{
				ResourceArgs: map[string]interface{}{
					"kubernetes": map[string]interface{}{"namespace": "jobs"},
				},
			}
			mergeQueueConfig(spec, map[string]interface{}{
				"kubernetes": map[string]interface{}{"namespace": "queue-default"},
				"sagemaker":  map[string]interface{}{"instance_type": "ml.m4.xlarge"},
			})

			Expect(spec.ResourceArgs["kubernetes"]).To(HaveKeyWithValue("namespace", "jobs"))
			Expect(spec.ResourceArgs["sagemaker"]).To(HaveKeyWithValue("instance_type", "ml.m4.xlarge"))
		})

		It("caches one runner per resource", func() {
			agent := newAgent(agentOptions())

			first, err := agent.runnerFor(context.Background(), "local-process")
			Expect(err).ToNot(HaveOccurred())
			second, err := agent.runnerFor(context.Background(), "local-process")
			Expect(err).ToNot(HaveOccurred())
			Expect(first).To(BeIdenticalTo(second))
		})
	})

	Describe("startup verification", func() {
		It("verifies the environment, registry, and builder in order", func() {
			ctx := context.Background()
			Expect(verifyStack(ctx, stubEnvironment{}, stubRegistry{}, &stubBuilder{})).To(Succeed())

			boom := errors.New("bad credentials")
			Expect(verifyStack(ctx, stubEnvironment{err: boom}, stubRegistry{}, &stubBuilder{})).To(MatchError(boom))
			Expect(verifyStack(ctx, stubEnvironment{}, stubRegistry{err: boom}, &stubBuilder{})).To(MatchError(boom))
			Expect(verifyStack(ctx, stubEnvironment{}, stubRegistry{}, &stubBuilder{verifyErr: boom})).To(MatchError(boom))
		})
	})

	Describe("polling loop", func() {
		It("stops when the backend clears the poll flag", func() {
			fake.GetLaunchAgentFn = func(_ context.Context, agentID string) (*api.AgentInfo, error) {
				return &api.AgentInfo{ID: agentID, StopPolling: true}, nil
			}
			agent := newAgent(agentOptions())

			Expect(agent.Loop(context.Background())).To(Succeed())
			Expect(fake.CallCount("UpdateLaunchAgentStatus")).To(BeNumerically(">=", 2))
		})

		It("returns the context error on cancellation", func() {
			agent := newAgent(agentOptions())

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			Expect(agent.Loop(ctx)).To(MatchError(context.Canceled))
		})

		It("stops popping while its job ceiling is saturated", func() {
			item := queueItem(&types.LaunchSpec{
				DockerImage: "busybox",
				Entity:      "team",
				Resource:    "local-process",
				EntryPoint:  []string{"sh", "-c", "exit 0"},
			})
			fake.PopFromRunQueueFn = func(_ context.Context, _ string, _ string, _ string, _ string) (*types.RunQueueItem, error) {
				return item, nil
			}
			agent := newAgent(agentOptions())
			Expect(agent.acquireSlot(context.Background(), false)).To(Succeed())
			defer agent.releaseSlot(false)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- agent.Loop(ctx) }()

			Consistently(func() int { return fake.CallCount("PopFromRunQueue") }, "700ms", "100ms").Should(BeZero())
			Expect(fake.CallCount("AckRunQueueItem")).To(BeZero())
			cancel()
			Eventually(done, "5s", "100ms").Should(Receive(MatchError(context.Canceled)))
		})

		It("dispatches popped items", func() {
			items := []*types.RunQueueItem{queueItem(&types.LaunchSpec{
				DockerImage: "busybox",
				Entity:      "team",
				Resource:    "local-process",
				EntryPoint:  []string{"sh", "-c", "exit 0"},
			})}
			fake.PopFromRunQueueFn = func(_ context.Context, _ string, _ string, _ string, _ string) (*types.RunQueueItem, error) {
				if len(items) == 0 {
					return nil, nil
				}
				item := items[0]
				items = items[:0]
				return item, nil
			}
			agent := newAgent(agentOptions())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- agent.Loop(ctx) }()

			Eventually(func() int { return fake.CallCount("AckRunQueueItem") }, "10s", "100ms").Should(Equal(1))
			cancel()
			Eventually(done, "5s", "100ms").Should(Receive(MatchError(context.Canceled)))
		})
	})
})

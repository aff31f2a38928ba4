package scheduler

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wandb/launch/common/api"
	launchconfig "github.com/wandb/launch/common/config"
	"github.com/wandb/launch/common/types"
)

func searchOptions(sweepConfig map[string]interface{}) *launchconfig.SchedulerOptions {
	return &launchconfig.SchedulerOptions{
		Kind:        launchconfig.SchedulerKindSearch,
		Entity:      "team",
		Project:     "demo",
		Queue:       "default",
		Workers:     2,
		Heartbeat:   1,
		SweepConfig: sweepConfig,
	}
}

func validSweepConfig() map[string]interface{} {
	return map[string]interface{}{
		"metric": map[string]interface{}{"name": "val_loss", "goal": "minimize"},
		"parameters": map[string]interface{}{
			"lr":         map[string]interface{}{"min": 0.0001, "max": 0.1, "distribution": "log_uniform"},
			"batch_size": map[string]interface{}{"values": []interface{}{16, 32, 64}},
			"layers":     map[string]interface{}{"min": 1, "max": 8, "distribution": "int_uniform"},
			"dropout":    map[string]interface{}{"min": 0.0, "max": 0.5},
		},
	}
}

var _ = Describe("SearchScheduler configuration", func() {
	It("parses a full sweep config", func() {
		params, metric, err := parseSweepConfig(validSweepConfig())
		Expect(err).ToNot(HaveOccurred())
		Expect(metric.name).To(Equal("val_loss"))
		Expect(metric.maximize).To(BeFalse())

		Expect(params).To(HaveLen(4))
		Expect(params["lr"].distribution).To(Equal("log_uniform"))
		Expect(params["batch_size"].distribution).To(Equal("categorical"))
		Expect(params["batch_size"].values).To(Equal([]string{"16", "32", "64"}))
		Expect(params["layers"].distribution).To(Equal("int_uniform"))
		Expect(params["dropout"].distribution).To(Equal("uniform"))
		Expect(params["dropout"].min).To(Equal(0.0))
		Expect(params["dropout"].max).To(Equal(0.5))
	})

	It("requires a metric name", func() {
		config := validSweepConfig()
		delete(config, "metric")
		_, _, err := parseSweepConfig(config)
		Expect(err).To(MatchError(ContainSubstring("metric.name")))
	})

	It("requires a parameters block", func() {
		config := validSweepConfig()
		delete(config, "parameters")
		_, _, err := parseSweepConfig(config)
		Expect(err).To(MatchError(ContainSubstring("parameters")))
	})

	It("rejects a range parameter without bounds", func() {
		_, err := parseParam("lr", map[string]interface{}{"distribution": "uniform"})
		Expect(err).To(HaveOccurred())
	})

	It("rejects min >= max", func() {
		_, err := parseParam("lr", map[string]interface{}{"min": 1.0, "max": 0.5})
		Expect(err).To(MatchError(ContainSubstring("min >= max")))
	})

	It("rejects an empty values list", func() {
		_, err := parseParam("batch_size", map[string]interface{}{"values": []interface{}{}})
		Expect(err).To(HaveOccurred())
	})

	It("honors a maximize goal", func() {
		config := validSweepConfig()
		config["metric"] = map[string]interface{}{"name": "accuracy", "goal": "maximize"}
		_, metric, err := parseSweepConfig(config)
		Expect(err).ToNot(HaveOccurred())
		Expect(metric.maximize).To(BeTrue())
	})

	It("defaults the trial budget from the run cap", func() {
		opts := searchOptions(validSweepConfig())
		s, err := NewSearchScheduler(&api.FakeClient{}, opts)
		Expect(err).ToNot(HaveOccurred())
		Expect(s.trials).To(Equal(defaultTrialBudget))

		opts = searchOptions(validSweepConfig())
		opts.RunCap = 7
		s, err = NewSearchScheduler(&api.FakeClient{}, opts)
		Expect(err).ToNot(HaveOccurred())
		Expect(s.trials).To(Equal(7))
	})

	It("rejects an invalid sweep config at construction", func() {
		_, err := NewSearchScheduler(&api.FakeClient{}, searchOptions(map[string]interface{}{}))
		Expect(err).To(HaveOccurred())
		Expect(types.IsConfigurationError(err)).To(BeTrue())
	})
})

var _ = Describe("SearchScheduler", func() {
	var fake *api.FakeClient

	BeforeEach(func() {
		fake = &api.FakeClient{}
	})

	newSearch := func(opts *launchconfig.SchedulerOptions) *SearchScheduler {
		s, err := NewSearchScheduler(fake, opts)
		Expect(err).ToNot(HaveOccurred())
		s.pollPeriod = 10 * time.Millisecond
		return s
	}

	It("completes once the trial budget is exhausted", func() {
		fake.GetRunStateFn = func(ctx context.Context, entity, project, runID string) (string, error) {
			return "finished", nil
		}
		fake.GetRunMetricHistoryFn = func(ctx context.Context, entity, project, runID, metric string) ([]float64, error) {
			return []float64{0.9, 0.42}, nil
		}

		opts := searchOptions(validSweepConfig())
		opts.RunCap = 2
		opts.Workers = 1
		s := newSearch(opts)

		errs := make(chan error, 1)
		go func() { errs <- s.Run(context.Background()) }()

		Eventually(errs, "30s", "200ms").Should(Receive(BeNil()))
		Expect(s.State()).To(Equal(StateCompleted))
		Expect(fake.CallCount("PushToRunQueue")).To(Equal(2))
		Expect(fake.CallCount("GetRunMetricHistory")).To(Equal(2))
	})

	It("stops the whole search on a stop command without a run id", func() {
		opts := searchOptions(validSweepConfig())
		opts.Workers = 1
		s := newSearch(opts)
		Expect(s.commands.Enqueue(api.Command{Type: api.CommandStop})).To(Succeed())

		errs := make(chan error, 1)
		go func() { errs <- s.Run(context.Background()) }()

		Eventually(errs, "30s", "200ms").Should(Receive(BeNil()))
		Expect(s.State()).To(Equal(StateStopped))
	})
})

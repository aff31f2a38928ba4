package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Scusemua/go-utils/config"

	"github.com/wandb/launch/common/api"
	launchconfig "github.com/wandb/launch/common/config"
	"github.com/wandb/launch/common/types"
	"github.com/wandb/launch/scheduler"
)

var (
	options = launchconfig.SchedulerOptions{}
	logger  = config.GetLogger("")
	sig     = make(chan os.Signal, 1)
)

func init() {
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	flags, err := config.ValidateOptions(&options)
	if err == config.ErrPrintUsage {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}

	if err = options.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Starting %s scheduler with options: %v", options.Kind, options.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sig
		logger.Info("Shutting down...")
		cancel()
	}()

	client := api.NewHTTPClient(options.BaseURL, options.APIKey)

	var runErr error
	switch options.Kind {
	case launchconfig.SchedulerKindSweep:
		sweep, err := scheduler.NewSweepScheduler(client, &options)
		if err != nil {
			exitConfig(err)
		}
		runErr = sweep.Run(ctx)
	case launchconfig.SchedulerKindSearch:
		search, err := scheduler.NewSearchScheduler(client, &options)
		if err != nil {
			exitConfig(err)
		}
		runErr = search.Run(ctx)
	}

	if runErr != nil && runErr != context.Canceled {
		log.Fatalf("Scheduler failed: %v", runErr)
	}
}

func exitConfig(err error) {
	if types.IsConfigurationError(err) {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log.Fatalf("Failed to create scheduler: %v", err)
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Scusemua/go-utils/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wandb/launch/agent"
	"github.com/wandb/launch/common/api"
	launchconfig "github.com/wandb/launch/common/config"
	"github.com/wandb/launch/common/types"
)

var (
	options = launchconfig.AgentOptions{}
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

	logger.Info("Starting launch agent with options: %v", options.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sig
		logger.Info("Shutting down...")
		cancel()
	}()

	if options.MetricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", options.MetricsPort)
			logger.Info("Serving metrics at %s/metrics", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics listener failed: %v", err)
			}
		}()
	}

	client := api.NewHTTPClient(options.BaseURL, options.APIKey)
	launchAgent, err := agent.NewLaunchAgent(ctx, client, &options)
	if err != nil {
		if types.IsConfigurationError(err) {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
			os.Exit(1)
		}
		log.Fatalf("Failed to start agent: %v", err)
	}

	if err = launchAgent.Loop(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Agent loop failed: %v", err)
	}
}

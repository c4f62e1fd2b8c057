// Package main runs a query runner: it consumes local task messages from
// the broker, executes them against their data sources and publishes
// completion signals.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"

	"github.com/relaymesh/relay/pkg/db"
	"github.com/relaymesh/relay/pkg/dispatch"
	"github.com/relaymesh/relay/pkg/execute"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/relayconf"
	"github.com/relaymesh/relay/pkg/tasks"
)

func main() {
	flag.Parse()
	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := relayconf.Load()
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Dispatch.Broker == dispatch.BrokerMemory {
		glog.Fatalf("query-runner needs a shared broker: set RELAY_BROKER to redis or kafka")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gdb, err := db.Open(cfg.Database)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}
	blobs, err := cfg.OpenResultStore()
	if err != nil {
		glog.Fatalf("Failed to open result store: %v", err)
	}
	broker, err := dispatch.NewBroker(ctx, cfg.Dispatch, logger)
	if err != nil {
		glog.Fatalf("Failed to connect to broker: %v", err)
	}
	defer broker.Close()

	taskStore := tasks.NewStore(gdb)
	engines := execute.NewRegistry(logger)
	defer engines.Close()
	executor := dispatch.NewExecutor(taskStore, registry.NewStore(gdb), engines, blobs, cfg.Dispatch.ResultPrefix, logger)

	logger.Info("query runner started",
		"relay", cfg.Name,
		"broker", cfg.Dispatch.Broker,
		"group", cfg.Dispatch.Group,
		"concurrency", cfg.Dispatch.Concurrency)
	dispatch.NewWorkerPool(broker, executor, taskStore, cfg.Dispatch, logger).Run(ctx)
	logger.Info("query runner stopped")
}

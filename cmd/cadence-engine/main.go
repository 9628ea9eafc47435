package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/cadencehq/cadence/pkg/cmd"
	"github.com/cadencehq/cadence/pkg/collaborators/crm"
	"github.com/cadencehq/cadence/pkg/condition"
	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/log"
	trc "github.com/cadencehq/cadence/pkg/tracer"
	"github.com/cadencehq/cadence/pkg/triggers/schedule"
	"github.com/cadencehq/cadence/pkg/workflow"
)

func main() {
	command := &cli.Command{
		Name:                  "cadence-engine",
		Usage:                 "Start the workflow engine: trigger listener, run coordinator, schedule source",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus transport (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:     "gateway-url",
				Usage:    "CRM gateway base URL (templates, delivery, tasks, records)",
				Required: true,
				Sources:  cli.EnvVars("GATEWAY_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for cross-instance enrollment dedup (in-memory when empty)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:    "tick-interval",
				Usage:   "How often active runs are scanned for due steps",
				Value:   5 * time.Second,
				Sources: cli.EnvVars("TICK_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Setup(command.String("log-level"))
	logger := log.WithModule("cadence-engine")

	tracerProvider, err := trc.InitTracer(ctx, "cadence-engine")
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	defer func() {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			slog.Error("Failed to shutdown tracer provider", "error", err)
		}
	}()

	logger.Info("Initializing Cadence engine")

	store := cmd.NewPersistence(command.String("database-url"))
	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.Error("Failed to close persistence", "error", err)
		}
	}()

	eventBus := cmd.NewEventBus(command.String("event-bus"), "cadence-engine", logger)
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}
	}()

	index := cmd.NewDedupIndex(ctx, command.String("redis-url"))
	defer func() {
		if err := index.Close(ctx); err != nil {
			logger.Error("Failed to close dedup index", "error", err)
		}
	}()

	gateway := crm.NewClient(command.String("gateway-url"), logger)
	conditions := condition.NewEngine()
	registry := workflow.NewRegistry(store, conditions, logger)

	dispatcher := engine.NewDispatcher(gateway, gateway, gateway, gateway, logger)
	branches := engine.NewBranchResolver(conditions, gateway, logger)

	config := engine.DefaultConfig()
	config.TickInterval = command.Duration("tick-interval")

	coordinator := engine.NewCoordinator(store, index, branches, dispatcher, eventBus, logger, config)
	listener := engine.NewTriggerListener(registry, coordinator, eventBus, logger)
	scheduleSource := schedule.NewSource(store, gateway, eventBus, logger)

	errCh := make(chan error, 3)

	go func() { errCh <- listener.Start(ctx) }()
	go func() { errCh <- coordinator.Start(ctx) }()
	go func() { errCh <- scheduleSource.Start(ctx) }()

	logger.Info("Cadence engine started")

	err = <-errCh
	if err != nil && ctx.Err() == nil {
		return err
	}

	return nil
}

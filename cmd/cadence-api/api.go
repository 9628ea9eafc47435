// Package main provides the Cadence API server.
package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/cadencehq/cadence/pkg/collaborators/crm"
	"github.com/cadencehq/cadence/pkg/condition"
	"github.com/cadencehq/cadence/pkg/dedup"
	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/eventbus"
	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/cadencehq/cadence/pkg/web"
	"github.com/cadencehq/cadence/pkg/workflow"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	index       dedup.Index
	gatewayURL  string
}

func NewAPI(
	logger *slog.Logger,
	store persistence.Persistence,
	eventBus eventbus.EventBus,
	index dedup.Index,
	gatewayURL string,
) *API {
	return &API{
		logger:      logger,
		persistence: store,
		eventBus:    eventBus,
		index:       index,
		gatewayURL:  gatewayURL,
	}
}

func (a *API) App() *fiber.App {
	gateway := crm.NewClient(a.gatewayURL, a.logger)
	conditions := condition.NewEngine()
	registry := workflow.NewRegistry(a.persistence, conditions, a.logger)

	dispatcher := engine.NewDispatcher(gateway, gateway, gateway, gateway, a.logger)
	branches := engine.NewBranchResolver(conditions, gateway, a.logger)
	coordinator := engine.NewCoordinator(
		a.persistence, a.index, branches, dispatcher, a.eventBus, a.logger, engine.DefaultConfig())

	handlers := web.NewAPIHandlers(registry, coordinator, a.persistence)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	a.logger.Info("Starting Cadence API", "port", port)

	if err := app.Listen(":" + strconv.Itoa(port)); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

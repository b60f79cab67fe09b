package main

import (
	"strconv"

	"github.com/dukex/conduit/pkg/credentials"
	"github.com/dukex/conduit/pkg/dispatcher"
	"github.com/dukex/conduit/pkg/engine"
	"github.com/dukex/conduit/pkg/notifier"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/registry"
	"github.com/dukex/conduit/pkg/services"
	"github.com/dukex/conduit/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/sirupsen/logrus"
)

// API wires the services onto the HTTP surface.
type API struct {
	logger      *logrus.Entry
	persistence persistence.Persistence
	registry    *registry.Registry
	engine      *engine.Engine
	dispatcher  *dispatcher.Dispatcher
	notifier    *notifier.Notifier
	vault       *credentials.Vault
	validate    *validator.Validate
}

func NewAPI(
	logger *logrus.Entry,
	persistence persistence.Persistence,
	registry *registry.Registry,
	engine *engine.Engine,
	dispatcher *dispatcher.Dispatcher,
	notifier *notifier.Notifier,
	vault *credentials.Vault,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		registry:    registry,
		engine:      engine,
		dispatcher:  dispatcher,
		notifier:    notifier,
		vault:       vault,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		services.NewWorkflow(a.persistence, a.dispatcher, a.engine),
		services.NewExecution(a.engine, a.dispatcher, a.persistence, a.persistence, a.notifier),
		services.NewCredential(a.vault),
		services.NewNodeTypes(a.registry),
		a.validate,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Conduit API")
	})

	handlers.Register(app)

	return app
}

func (a *API) Start(app *fiber.App, port int) error {
	a.logger.WithField("port", port).Info("API listening")

	return app.Listen(":" + strconv.Itoa(port))
}

// Package main provides the approvals API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"

	"github.com/keramy/formulapm-approvals/pkg/approval"
	"github.com/keramy/formulapm-approvals/pkg/directory"
	"github.com/keramy/formulapm-approvals/pkg/escalation"
	"github.com/keramy/formulapm-approvals/pkg/eventbus"
	"github.com/keramy/formulapm-approvals/pkg/persistence"
	"github.com/keramy/formulapm-approvals/pkg/services"
	"github.com/keramy/formulapm-approvals/pkg/supersession"
	"github.com/keramy/formulapm-approvals/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	directory   directory.ApproverDirectory
	eventBus    eventbus.EventBus
	tracer      trace.Tracer
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	dir directory.ApproverDirectory,
	eventBus eventbus.EventBus,
	tracer trace.Tracer,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		directory:   dir,
		eventBus:    eventBus,
		tracer:      tracer,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	manager := approval.NewManager(a.persistence, a.directory, a.eventBus, a.logger, a.tracer)
	controller := supersession.NewController(a.persistence, manager, a.eventBus, a.logger)
	scheduler := escalation.NewScheduler(a.persistence, a.directory, a.eventBus, a.logger)
	templateService := services.NewTemplate(a.persistence)

	handlers := web.NewAPIHandlers(manager, controller, scheduler, templateService, a.directory, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("FormulaPM Approvals API")
	})

	i := app.Group("/instances")
	i.Post("/", handlers.CreateInstance)
	i.Get("/:id", handlers.GetInstance)
	i.Post("/:id/decisions", handlers.RecordDecision)
	i.Post("/:id/client-decisions", handlers.RecordClientDecision)
	i.Post("/:id/advance", handlers.AdvanceInstance)
	i.Post("/:id/cancel", handlers.CancelInstance)

	app.Post("/documents/:documentId/versions", handlers.ReportNewVersion)

	app.Get("/approvals/overdue", handlers.GetOverdueApprovals)
	app.Post("/approvals/sweep", handlers.RunEscalationSweep)

	t := app.Group("/templates")
	t.Get("/", handlers.GetTemplates)
	t.Post("/", handlers.CreateTemplate)
	t.Get("/:id", handlers.GetTemplate)
	t.Put("/:id", handlers.UpdateTemplate)
	t.Post("/:id/deactivate", handlers.DeactivateTemplate)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}

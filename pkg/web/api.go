package web

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API is the admin HTTP server of a flowd process. executions and backfiller are nil
// when the process does not run a coordinator or a scheduler; their routes are
// not mounted then.
type API struct {
	logger     *slog.Logger
	store      HealthChecker
	queue      QueueController
	executions ExecutionController
	backfiller Backfiller
	gatherer   prometheus.Gatherer
	validate   *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	store HealthChecker,
	queue QueueController,
	executions ExecutionController,
	backfiller Backfiller,
	gatherer prometheus.Gatherer,
) *API {
	return &API{
		logger:     logger.With("module", "api"),
		store:      store,
		queue:      queue,
		executions: executions,
		backfiller: backfiller,
		gatherer:   gatherer,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := NewAPIHandlers(a.store, a.queue, a.executions, a.backfiller, a.validate)

	app := fiber.New()
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/health", handlers.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))

	q := app.Group("/queue")
	q.Post("/pause", handlers.PauseQueue)
	q.Post("/resume", handlers.ResumeQueue)

	if a.executions != nil {
		app.Delete("/executions/:id", handlers.KillExecution)
		app.Post("/executions/:id/resume/:taskRunId", handlers.ResumeTaskRun)
	}

	if a.backfiller != nil {
		t := app.Group("/triggers/:namespace/:flowId/:triggerId")
		t.Post("/backfill", handlers.Backfill)
		t.Post("/backfill/pause", handlers.PauseBackfill)
		t.Post("/backfill/resume", handlers.ResumeBackfill)
	}

	return app
}

// Start serves the API until ctx is done.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	go func() {
		<-ctx.Done()

		err := app.Shutdown()
		if err != nil {
			a.logger.Error("Failed to shut down admin API", "error", err)
		}
	}()

	a.logger.InfoContext(ctx, "Starting admin API", "port", port)

	return app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
}

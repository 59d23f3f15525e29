package web

import (
	"errors"

	"github.com/dukex/flowd/pkg/executor"
	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
	"github.com/dukex/flowd/pkg/scheduler"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleError maps engine errors to problem responses.
func handleError(c fiber.Ctx, err error) error {
	switch {
	case persistence.IsExecutionNotFound(err):
		return problem(c, fiber.StatusNotFound, "execution_not_found", "execution not found")
	case persistence.IsFlowNotFound(err):
		return problem(c, fiber.StatusNotFound, "flow_not_found", "flow not found")
	case errors.Is(err, models.ErrTaskRunNotFound):
		return problem(c, fiber.StatusNotFound, "task_run_not_found", err.Error())
	case errors.Is(err, executor.ErrTaskRunNotPaused):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())
	case persistence.IsTriggerNotFound(err):
		return problem(c, fiber.StatusNotFound, "trigger_not_found", "trigger not found")
	case errors.Is(err, scheduler.ErrBackfillNotSupported), errors.Is(err, scheduler.ErrInvalidBackfill):
		return badRequest(c, err.Error())
	case errors.Is(err, scheduler.ErrNoBackfill):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())
	case persistence.IsLockTimeout(err):
		return problem(c, fiber.StatusServiceUnavailable, "lock_timeout", err.Error())
	default:
		return internalError(c, err)
	}
}

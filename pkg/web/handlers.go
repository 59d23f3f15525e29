package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/flowd/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// ExecutionController kills executions and resumes their paused task runs.
type ExecutionController interface {
	Kill(ctx context.Context, executionID string, cascade bool) error
	Resume(ctx context.Context, executionID, taskRunID string) error
}

// Backfiller starts and pauses trigger backfills.
type Backfiller interface {
	Backfill(ctx context.Context, tenantID, namespace, flowID, triggerID string, start time.Time, end *time.Time, inputs map[string]any, labels []models.Label) error
	PauseBackfill(ctx context.Context, uid string, paused bool) error
}

// QueueController pauses the queue consumers of this process.
type QueueController interface {
	Pause()
	Resume()
	IsPaused() bool
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type APIHandlers struct {
	store      HealthChecker
	queue      QueueController
	executions ExecutionController
	backfiller Backfiller
	validator  *validator.Validate
}

func NewAPIHandlers(store HealthChecker, queue QueueController, executions ExecutionController, backfiller Backfiller, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		store:      store,
		queue:      queue,
		executions: executions,
		backfiller: backfiller,
		validator:  validator,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	checkers := map[string]string{"repository": "ok", "queue": "polling"}
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.HealthCheck(c.Context()); err != nil {
		checkers["repository"] = err.Error()
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	if h.queue.IsPaused() {
		checkers["queue"] = "paused"
	}

	return c.Status(httpStatus).JSON(HealthResponse{
		Status:    status,
		Checkers:  checkers,
		Timestamp: time.Now().UTC(),
	})
}

// KillExecution requests the kill of an execution; ?cascade=true also kills its subflows.
func (h *APIHandlers) KillExecution(c fiber.Ctx) error {
	id := c.Params("id")

	cascade := false

	if value := c.Query("cascade"); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return badRequest(c, "Invalid cascade parameter: "+err.Error())
		}

		cascade = parsed
	}

	err := h.executions.Kill(c.Context(), id, cascade)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(KillResponse{ExecutionID: id, Cascade: cascade})
}

// ResumeTaskRun ends a paused task run and lets its execution run on.
func (h *APIHandlers) ResumeTaskRun(c fiber.Ctx) error {
	id := c.Params("id")
	taskRunID := c.Params("taskRunId")

	err := h.executions.Resume(c.Context(), id, taskRunID)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(ResumeResponse{ExecutionID: id, TaskRunID: taskRunID})
}

func (h *APIHandlers) PauseQueue(c fiber.Ctx) error {
	h.queue.Pause()

	return c.JSON(QueueStatus{Paused: h.queue.IsPaused()})
}

func (h *APIHandlers) ResumeQueue(c fiber.Ctx) error {
	h.queue.Resume()

	return c.JSON(QueueStatus{Paused: h.queue.IsPaused()})
}

func (h *APIHandlers) Backfill(c fiber.Ctx) error {
	var req BackfillRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, "Validation failed: "+err.Error())
	}

	err := h.backfiller.Backfill(c.Context(), req.TenantID,
		c.Params("namespace"), c.Params("flowId"), c.Params("triggerId"),
		*req.Start, req.End, req.Inputs, req.Labels)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(req)
}

func (h *APIHandlers) PauseBackfill(c fiber.Ctx) error {
	return h.pauseBackfill(c, true)
}

func (h *APIHandlers) ResumeBackfill(c fiber.Ctx) error {
	return h.pauseBackfill(c, false)
}

func (h *APIHandlers) pauseBackfill(c fiber.Ctx, paused bool) error {
	uid := models.TriggerUID(c.Query("tenant"), c.Params("namespace"), c.Params("flowId"), c.Params("triggerId"))

	err := h.backfiller.PauseBackfill(c.Context(), uid, paused)
	if err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

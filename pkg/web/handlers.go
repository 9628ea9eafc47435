// Package web provides HTTP handlers and REST API endpoints for workflow and
// run management.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/events"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/cadencehq/cadence/pkg/workflow"
)

type APIHandlers struct {
	registry    *workflow.Registry
	coordinator *engine.Coordinator
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(
	registry *workflow.Registry,
	coordinator *engine.Coordinator,
	store persistence.Persistence,
) *APIHandlers {
	return &APIHandlers{
		registry:    registry,
		coordinator: coordinator,
		persistence: store,
		validator:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register mounts every route on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Get("/workflows", h.GetWorkflows)
	app.Post("/workflows", h.CreateWorkflow)
	app.Get("/workflows/:id", h.GetWorkflow)
	app.Put("/workflows/:id", h.UpdateWorkflow)
	app.Delete("/workflows/:id", h.DeleteWorkflow)
	app.Patch("/workflows/:id/lifecycle", h.SetLifecycle)
	app.Get("/workflows/:id/runs", h.GetRuns)
	app.Post("/workflows/:id/enrollments", h.EnrollRecord)

	app.Get("/runs/:id", h.GetRun)
	app.Post("/runs/:id/cancel", h.CancelRun)
	app.Post("/runs/:id/task-completions", h.CompleteTask)
	app.Post("/runs/:id/call-attempts", h.LogCallAttempt)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.registry.FetchAll(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"workflows": workflows})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	definition, err := h.registry.FetchByID(c.Context(), id)
	if err != nil {
		return handleRegistryError(c, err)
	}

	return c.JSON(definition)
}

// CreateWorkflow validates the raw definition document against the JSON
// schema before decoding, so malformed documents fail with a field-level
// message instead of a decode error.
func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	definition, err := h.decodeDefinition(c)
	if err != nil {
		return handleRegistryError(c, err)
	}

	created, err := h.registry.Create(c.Context(), definition)
	if err != nil {
		return handleRegistryError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	definition, err := h.decodeDefinition(c)
	if err != nil {
		return handleRegistryError(c, err)
	}

	updated, err := h.registry.Update(c.Context(), id, definition)
	if err != nil {
		return handleRegistryError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) decodeDefinition(c fiber.Ctx) (*models.WorkflowDefinition, error) {
	body := c.Body()

	if err := workflow.ValidateDefinitionDocument(body); err != nil {
		return nil, err
	}

	var definition models.WorkflowDefinition
	if err := c.Bind().JSON(&definition); err != nil {
		return nil, err
	}

	return &definition, nil
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	if err := h.registry.Delete(c.Context(), id); err != nil {
		return handleRegistryError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) SetLifecycle(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req SetLifecycleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.registry.SetLifecycleState(c.Context(), id, req.Status)
	if err != nil {
		return handleRegistryError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	opts, err := parseListRunsOptions(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if _, err := h.registry.FetchByID(c.Context(), id); err != nil {
		return handleRegistryError(c, err)
	}

	result, err := h.persistence.Runs(c.Context(), id, *opts)
	if err != nil {
		return internalError(c, err)
	}

	runs := make([]RunResponse, 0, len(result.Runs))
	for _, run := range result.Runs {
		runs = append(runs, TransformRunResponse(run))
	}

	return c.JSON(fiber.Map{
		"runs":          runs,
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  opts.Limit,
			"offset": opts.Offset,
		},
	})
}

func parseListRunsOptions(c fiber.Ctx) (*persistence.ListRunsOptions, error) {
	opts := &persistence.ListRunsOptions{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		opts.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		opts.Offset = offset
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.RunStatus(statusStr)
		opts.Status = &status
	}

	return opts, nil
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.persistence.RunByID(c.Context(), id)
	if err != nil {
		if persistence.IsRunNotFound(err) {
			return notFound(c, "Run not found")
		}

		return internalError(c, err)
	}

	return c.JSON(TransformRunResponse(run))
}

// EnrollRecord enrolls a record immediately, bypassing trigger matching. The
// workflow must be active.
func (h *APIHandlers) EnrollRecord(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req EnrollRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	definition, err := h.registry.FetchByID(c.Context(), id)
	if err != nil {
		return handleRegistryError(c, err)
	}

	if definition.Status != models.DefinitionStatusActive {
		problem := badRequest(c, "Only active workflows accept enrollments")

		return problem
	}

	run, err := h.coordinator.Enroll(c.Context(), definition, events.LeadEvent{
		EventID:    uuid.NewString(),
		Type:       definition.Trigger.Type,
		RecordID:   req.RecordID,
		Payload:    req.Payload,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return internalError(c, err)
	}

	if run == nil {
		return conflict(c, "Record already has an active run in this workflow")
	}

	return c.Status(fiber.StatusCreated).JSON(TransformRunResponse(run))
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	var req CancelRunRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.coordinator.Cancel(c.Context(), id, req.Reason); err != nil {
		return handleRegistryError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) CompleteTask(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	var req TaskCompletedRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.coordinator.CompleteTask(c.Context(), id, req.TaskID); err != nil {
		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) LogCallAttempt(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	var req CallAttemptRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.coordinator.LogCallAttempt(c.Context(), id, req.CallSlotID); err != nil {
		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/pkg/condition"
	"github.com/cadencehq/cadence/pkg/dedup"
	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/cadencehq/cadence/pkg/persistence/file"
	"github.com/cadencehq/cadence/pkg/protocol"
	"github.com/cadencehq/cadence/pkg/web"
	"github.com/cadencehq/cadence/pkg/workflow"
)

type stubTemplates struct{}

func (stubTemplates) Render(context.Context, string, map[string]any) (*protocol.RenderedTemplate, error) {
	return &protocol.RenderedTemplate{Subject: "subject", Body: "body"}, nil
}

type stubDelivery struct{ sent atomic.Int64 }

func (d *stubDelivery) SendEmail(context.Context, string, string, string, string, []string, []string) (*protocol.SendResult, error) {
	n := d.sent.Add(1)

	return &protocol.SendResult{MessageID: fmt.Sprintf("msg-%d", n), ThreadID: fmt.Sprintf("thread-%d", n)}, nil
}

func (d *stubDelivery) SendSMS(context.Context, string, string) (*protocol.SendResult, error) {
	n := d.sent.Add(1)

	return &protocol.SendResult{MessageID: fmt.Sprintf("sms-%d", n)}, nil
}

type stubTracker struct{ created atomic.Int64 }

func (s *stubTracker) CreateTask(context.Context, string, time.Time, bool) (string, error) {
	return fmt.Sprintf("task-%d", s.created.Add(1)), nil
}

func (s *stubTracker) CreateCallSlot(context.Context) (string, error) {
	return fmt.Sprintf("slot-%d", s.created.Add(1)), nil
}

type stubRecords struct{}

func (stubRecords) Get(context.Context, string) (map[string]any, error) {
	return map[string]any{"email": "lead@example.com", "value": 42}, nil
}

type testAPI struct {
	app         *fiber.App
	registry    *workflow.Registry
	coordinator *engine.Coordinator
	persistence persistence.Persistence
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := file.NewPersistence(t.TempDir())
	conditions := condition.NewEngine()
	registry := workflow.NewRegistry(store, conditions, logger)
	records := stubRecords{}

	dispatcher := engine.NewDispatcher(stubTemplates{}, &stubDelivery{}, &stubTracker{}, records, logger)
	branches := engine.NewBranchResolver(conditions, records, logger)
	coordinator := engine.NewCoordinator(store, dedup.NewMemoryIndex(), branches, dispatcher, nil, logger, engine.DefaultConfig())

	handlers := web.NewAPIHandlers(registry, coordinator, store)
	app := fiber.New()
	handlers.Register(app)

	return &testAPI{app: app, registry: registry, coordinator: coordinator, persistence: store}
}

func (a *testAPI) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var value T

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&value))

	return value
}

func definitionDocument() map[string]any {
	return map[string]any{
		"name": "Welcome sequence",
		"trigger": map[string]any{
			"type":   "record_created",
			"filter": map[string]any{"stage": "qualified"},
		},
		"tree": map[string]any{
			"root": []string{"email-1"},
			"steps": map[string]any{
				"email-1": map[string]any{
					"id":    "email-1",
					"type":  "email",
					"order": 0,
					"email": map[string]any{
						"template_id": "tpl-welcome",
						"thread_mode": "new_thread",
					},
				},
			},
		},
	}
}

func (a *testAPI) createActiveWorkflow(t *testing.T) string {
	t.Helper()

	resp := a.request(t, http.MethodPost, "/workflows", definitionDocument())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeBody[models.WorkflowDefinition](t, resp)

	resp = a.request(t, http.MethodPatch, "/workflows/"+created.ID+"/lifecycle",
		map[string]any{"status": "active"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return created.ID
}

func TestCreateWorkflow(t *testing.T) {
	api := newTestAPI(t)

	resp := api.request(t, http.MethodPost, "/workflows", definitionDocument())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeBody[models.WorkflowDefinition](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.DefinitionStatusDraft, created.Status)
}

func TestCreateWorkflowRejectsSchemaViolations(t *testing.T) {
	api := newTestAPI(t)

	document := definitionDocument()
	delete(document, "name")

	resp := api.request(t, http.MethodPost, "/workflows", document)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateWorkflowRejectsBrokenThreadReference(t *testing.T) {
	api := newTestAPI(t)

	document := definitionDocument()
	steps := document["tree"].(map[string]any)["steps"].(map[string]any)
	steps["email-1"].(map[string]any)["email"] = map[string]any{
		"template_id": "tpl-welcome",
		"thread_mode": "old_thread",
		"thread_from": "email-0",
	}

	resp := api.request(t, http.MethodPost, "/workflows", document)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetWorkflowNotFound(t *testing.T) {
	api := newTestAPI(t)

	resp := api.request(t, http.MethodGet, "/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLifecycleTransitions(t *testing.T) {
	api := newTestAPI(t)

	resp := api.request(t, http.MethodPost, "/workflows", definitionDocument())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[models.WorkflowDefinition](t, resp)

	// draft -> paused is not a legal transition.
	resp = api.request(t, http.MethodPatch, "/workflows/"+created.ID+"/lifecycle",
		map[string]any{"status": "paused"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = api.request(t, http.MethodPatch, "/workflows/"+created.ID+"/lifecycle",
		map[string]any{"status": "active"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	updated := decodeBody[models.WorkflowDefinition](t, resp)
	assert.Equal(t, models.DefinitionStatusActive, updated.Status)
}

func TestEnrollRecord(t *testing.T) {
	api := newTestAPI(t)
	id := api.createActiveWorkflow(t)

	resp := api.request(t, http.MethodPost, "/workflows/"+id+"/enrollments",
		map[string]any{"record_id": "lead-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	run := decodeBody[web.RunResponse](t, resp)
	assert.Equal(t, "lead-1", run.RecordID)
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Equal(t, "email-1", run.CurrentStepID)
	assert.Equal(t, models.StepTypeEmail, run.CurrentStepType)

	// The same record cannot enroll twice while the first run is active.
	resp = api.request(t, http.MethodPost, "/workflows/"+id+"/enrollments",
		map[string]any{"record_id": "lead-1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEnrollRecordRequiresActiveWorkflow(t *testing.T) {
	api := newTestAPI(t)

	resp := api.request(t, http.MethodPost, "/workflows", definitionDocument())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[models.WorkflowDefinition](t, resp)

	resp = api.request(t, http.MethodPost, "/workflows/"+created.ID+"/enrollments",
		map[string]any{"record_id": "lead-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRunsPagination(t *testing.T) {
	api := newTestAPI(t)
	id := api.createActiveWorkflow(t)

	resp := api.request(t, http.MethodPost, "/workflows/"+id+"/enrollments",
		map[string]any{"record_id": "lead-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = api.request(t, http.MethodGet, "/workflows/"+id+"/runs?limit=10&status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	listing := decodeBody[map[string]any](t, resp)
	assert.EqualValues(t, 1, listing["total_count"])
	assert.Equal(t, false, listing["has_next_page"])

	resp = api.request(t, http.MethodGet, "/workflows/missing/runs", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	api := newTestAPI(t)
	id := api.createActiveWorkflow(t)

	resp := api.request(t, http.MethodPost, "/workflows/"+id+"/enrollments",
		map[string]any{"record_id": "lead-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decodeBody[web.RunResponse](t, resp)

	resp = api.request(t, http.MethodPost, "/runs/"+run.ID+"/cancel",
		map[string]any{"reason": "unsubscribed"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = api.request(t, http.MethodGet, "/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored := decodeBody[web.RunResponse](t, resp)
	assert.Equal(t, models.RunStatusCancelled, stored.Status)
	assert.Empty(t, stored.CurrentStepID)
}

func TestTaskCompletionSignalAccepted(t *testing.T) {
	api := newTestAPI(t)
	id := api.createActiveWorkflow(t)

	resp := api.request(t, http.MethodPost, "/workflows/"+id+"/enrollments",
		map[string]any{"record_id": "lead-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decodeBody[web.RunResponse](t, resp)

	// Signals for runs not waiting on anything are acknowledged and ignored.
	resp = api.request(t, http.MethodPost, "/runs/"+run.ID+"/task-completions",
		map[string]any{"task_id": "task-1"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = api.request(t, http.MethodPost, "/runs/"+run.ID+"/call-attempts",
		map[string]any{"call_slot_id": "slot-1"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestDeleteWorkflowCancelsRuns(t *testing.T) {
	api := newTestAPI(t)
	id := api.createActiveWorkflow(t)

	resp := api.request(t, http.MethodPost, "/workflows/"+id+"/enrollments",
		map[string]any{"record_id": "lead-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decodeBody[web.RunResponse](t, resp)

	resp = api.request(t, http.MethodDelete, "/workflows/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = api.request(t, http.MethodGet, "/workflows/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Run history survives the soft delete, but the run is cancelled.
	resp = api.request(t, http.MethodGet, "/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored := decodeBody[web.RunResponse](t, resp)
	assert.Equal(t, models.RunStatusCancelled, stored.Status)
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t)

	resp := api.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

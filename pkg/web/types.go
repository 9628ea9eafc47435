// Package web provides HTTP request and response types for the workflow API.
package web

import (
	"time"

	"github.com/cadencehq/cadence/pkg/models"
)

// SetLifecycleRequest moves a workflow definition between lifecycle states.
type SetLifecycleRequest struct {
	Status models.DefinitionStatus `json:"status" validate:"required,oneof=draft active paused"`
}

// EnrollRequest enrolls a record immediately, outside any trigger event.
type EnrollRequest struct {
	RecordID string         `json:"record_id" validate:"required"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// CancelRunRequest optionally carries a reason for audit purposes.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TaskCompletedRequest signals an externally-tracked required task finished.
type TaskCompletedRequest struct {
	TaskID string `json:"task_id" validate:"required"`
}

// CallAttemptRequest signals a call attempt was logged against an open slot.
type CallAttemptRequest struct {
	CallSlotID string `json:"call_slot_id" validate:"required"`
}

// RunResponse is the filtered view of a run: the tree snapshot is omitted from
// listings to keep payloads small.
type RunResponse struct {
	ID              string              `json:"id"`
	WorkflowID      string              `json:"workflow_id"`
	RecordID        string              `json:"record_id"`
	Status          models.RunStatus    `json:"status"`
	CurrentStepID   string              `json:"current_step_id,omitempty"`
	CurrentStepType models.StepType     `json:"current_step_type,omitempty"`
	Wait            *models.WaitState   `json:"wait,omitempty"`
	EnrolledAt      time.Time           `json:"enrolled_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	Log             []models.StepResult `json:"log"`
}

// TransformRunResponse builds the API view of a run. The current step is
// derived from the cursor; terminal runs and runs past the end of their tree
// carry none.
func TransformRunResponse(run *models.WorkflowRun) RunResponse {
	response := RunResponse{
		ID:          run.ID,
		WorkflowID:  run.WorkflowID,
		RecordID:    run.RecordID,
		Status:      run.Status,
		Wait:        run.Wait,
		EnrolledAt:  run.EnrolledAt,
		CompletedAt: run.CompletedAt,
		Log:         run.Log,
	}

	if step := run.CurrentStep(); step != nil && !run.Status.Terminal() {
		response.CurrentStepID = step.ID
		response.CurrentStepType = step.Type
	}

	return response
}

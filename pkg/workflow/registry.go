package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cadencehq/cadence/pkg/condition"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/google/uuid"
)

// Registry owns workflow definitions and their lifecycle. The builder always
// submits the complete step tree; Create and Update are full replaces.
// Definition edits never touch in-flight runs, which execute against their own
// enrollment-time snapshots.
type Registry struct {
	persistence persistence.Persistence
	validator   *Validator
	logger      *slog.Logger
}

// NewRegistry creates a registry backed by the given persistence.
func NewRegistry(p persistence.Persistence, conditions *condition.Engine, logger *slog.Logger) *Registry {
	return &Registry{
		persistence: p,
		validator:   NewValidator(conditions),
		logger:      logger.With("module", "workflow_registry"),
	}
}

// Create validates and persists a new definition. Unset step orders are
// re-derived from list positions before validation. New definitions start as
// drafts unless a status is provided.
func (r *Registry) Create(ctx context.Context, workflow *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if workflow == nil {
		return nil, newValidationError("", ErrWorkflowNil)
	}

	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}

	if workflow.Status == "" {
		workflow.Status = models.DefinitionStatusDraft
	}

	workflow.Tree.NormalizeOrder()

	if err := r.validator.ValidateDefinition(workflow); err != nil {
		return nil, err
	}

	now := time.Now()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	if err := r.persistence.SaveWorkflow(ctx, workflow); err != nil {
		return nil, err
	}

	r.logger.Info("Created workflow definition",
		"workflow_id", workflow.ID,
		"name", workflow.Name,
		"trigger", workflow.Trigger.Type)

	return workflow, nil
}

// Update replaces the definition's name, trigger, and full step tree. Status
// and creation time are preserved; lifecycle changes go through
// SetLifecycleState.
func (r *Registry) Update(ctx context.Context, id string, workflow *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if workflow == nil {
		return nil, newValidationError("", ErrWorkflowNil)
	}

	existing, err := r.persistence.WorkflowByID(ctx, id)
	if err != nil {
		return nil, err
	}

	workflow.ID = id
	workflow.Status = existing.Status
	workflow.CreatedAt = existing.CreatedAt

	workflow.Tree.NormalizeOrder()

	if err := r.validator.ValidateDefinition(workflow); err != nil {
		return nil, err
	}

	workflow.UpdatedAt = time.Now()

	if err := r.persistence.SaveWorkflow(ctx, workflow); err != nil {
		return nil, err
	}

	r.logger.Info("Replaced workflow definition", "workflow_id", id)

	return workflow, nil
}

// FetchAll returns every non-deleted definition.
func (r *Registry) FetchAll(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return r.persistence.Workflows(ctx)
}

// FetchByID returns one definition.
func (r *Registry) FetchByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return r.persistence.WorkflowByID(ctx, id)
}

// SetLifecycleState transitions the definition. Legal transitions are
// draft to active, active to paused, and paused to active. Activation
// requires a non-empty step tree. Pausing only gates new enrollments:
// existing runs are never touched.
func (r *Registry) SetLifecycleState(ctx context.Context, id string, status models.DefinitionStatus) (*models.WorkflowDefinition, error) {
	workflow, err := r.persistence.WorkflowByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if workflow.Status == status {
		return workflow, nil
	}

	if !transitionAllowed(workflow.Status, status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, workflow.Status, status)
	}

	if status == models.DefinitionStatusActive && workflow.Tree.Empty() {
		return nil, ErrActivateEmpty
	}

	workflow.Status = status
	workflow.UpdatedAt = time.Now()

	if err := r.persistence.SaveWorkflow(ctx, workflow); err != nil {
		return nil, err
	}

	r.logger.Info("Workflow lifecycle transition", "workflow_id", id, "status", status)

	return workflow, nil
}

func transitionAllowed(from, to models.DefinitionStatus) bool {
	switch from {
	case models.DefinitionStatusDraft:
		return to == models.DefinitionStatusActive
	case models.DefinitionStatusActive:
		return to == models.DefinitionStatusPaused
	case models.DefinitionStatusPaused:
		return to == models.DefinitionStatusActive
	default:
		return false
	}
}

// Delete soft-deletes the definition and cancels its non-terminal runs. Run
// history is preserved for the Runs view.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.persistence.WorkflowByID(ctx, id); err != nil {
		return err
	}

	active, err := r.persistence.ActiveRuns(ctx)
	if err != nil {
		return err
	}

	now := time.Now()

	for _, run := range active {
		if run.WorkflowID != id {
			continue
		}

		run.Status = models.RunStatusCancelled
		run.AdvancedAt = now
		run.CompletedAt = &now

		if err := r.persistence.SaveRun(ctx, run, run.Version); err != nil {
			// A concurrent advance will observe the deleted definition on its
			// next tick; log and move on.
			r.logger.Warn("Failed to cancel run during workflow deletion",
				"workflow_id", id, "run_id", run.ID, "error", err)
		}
	}

	if err := r.persistence.DeleteWorkflow(ctx, id); err != nil {
		return err
	}

	r.logger.Info("Deleted workflow definition", "workflow_id", id)

	return nil
}

// FindActiveByTrigger returns every active definition whose trigger matches
// the event type and payload. Paused and draft workflows never match.
func (r *Registry) FindActiveByTrigger(ctx context.Context, eventType models.TriggerType, payload map[string]any) ([]*models.WorkflowDefinition, error) {
	workflows, err := r.persistence.Workflows(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]*models.WorkflowDefinition, 0)

	for _, workflow := range workflows {
		if workflow.Status != models.DefinitionStatusActive {
			continue
		}

		if workflow.Matches(eventType, payload) {
			matched = append(matched, workflow)
		}
	}

	return matched, nil
}

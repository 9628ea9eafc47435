// Package persistence provides the data storage abstraction for workflow
// definitions and runs.
package persistence

import (
	"context"

	"github.com/cadencehq/cadence/pkg/models"
)

// ListRunsOptions narrows and paginates a runs listing.
type ListRunsOptions struct {
	Status *models.RunStatus
	Limit  int
	Offset int
}

// RunListResult carries one page of runs plus paging metadata.
type RunListResult struct {
	Runs        []*models.WorkflowRun `json:"runs"`
	TotalCount  int                   `json:"total_count"`
	HasNextPage bool                  `json:"has_next_page"`
}

type Persistence interface {
	Workflows(ctx context.Context) ([]*models.WorkflowDefinition, error)
	WorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error
	// DeleteWorkflow soft-deletes the definition, preserving run history.
	DeleteWorkflow(ctx context.Context, id string) error

	Runs(ctx context.Context, workflowID string, opts ListRunsOptions) (*RunListResult, error)
	RunByID(ctx context.Context, id string) (*models.WorkflowRun, error)
	// ActiveRuns returns every run in a non-terminal status across all workflows.
	ActiveRuns(ctx context.Context) ([]*models.WorkflowRun, error)
	// ActiveRunForRecord returns the non-terminal run enrolling the record in
	// the workflow, or nil when none exists.
	ActiveRunForRecord(ctx context.Context, workflowID, recordID string) (*models.WorkflowRun, error)
	CreateRun(ctx context.Context, run *models.WorkflowRun) error
	// SaveRun persists the run only when the stored version still equals
	// expectedVersion, then bumps the version. A mismatch returns
	// ErrRunVersionConflict and leaves the stored run untouched.
	SaveRun(ctx context.Context, run *models.WorkflowRun, expectedVersion int64) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

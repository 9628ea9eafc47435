package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cadencehq/cadence/pkg/condition"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/protocol"
)

// BranchResolver evaluates a condition step against the enrolled record's
// current attributes and selects a branch. Decisions are point-in-time: the
// coordinator resolves each condition exactly once, the moment it becomes the
// active cursor, and records the outcome on the run's cursor frame.
type BranchResolver struct {
	conditions *condition.Engine
	records    protocol.RecordSource
	logger     *slog.Logger
}

// NewBranchResolver creates a branch resolver.
func NewBranchResolver(conditions *condition.Engine, records protocol.RecordSource, logger *slog.Logger) *BranchResolver {
	return &BranchResolver{
		conditions: conditions,
		records:    records,
		logger:     logger.With("module", "branch_resolver"),
	}
}

// Resolve fetches the record and evaluates the condition predicate. Errors
// are terminal for the run: a predicate that cannot be evaluated cannot pick
// a branch.
func (b *BranchResolver) Resolve(ctx context.Context, run *models.WorkflowRun, step *models.Step) (models.BranchName, error) {
	if step.Condition == nil {
		return "", fmt.Errorf("step %s is not a condition", step.ID)
	}

	attrs, err := b.records.Get(ctx, run.RecordID)
	if err != nil {
		return "", fmt.Errorf("failed to read record %s: %w", run.RecordID, err)
	}

	result, err := b.conditions.EvalBool(ctx, step.Condition.Predicate, attrs)
	if err != nil {
		return "", err
	}

	branch := models.BranchElse
	if result {
		branch = models.BranchIf
	}

	b.logger.Debug("Resolved condition branch",
		"run_id", run.ID,
		"step_id", step.ID,
		"predicate", step.Condition.Predicate,
		"branch", branch)

	return branch, nil
}

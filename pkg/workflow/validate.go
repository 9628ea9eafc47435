package workflow

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/cadencehq/cadence/pkg/condition"
	"github.com/cadencehq/cadence/pkg/models"
)

// Validator checks a complete definition before it is persisted. Struct-level
// constraints come from validator tags; tree structure, step ordering, thread
// references, and predicates are checked by walking every list.
type Validator struct {
	validate   *validator.Validate
	conditions *condition.Engine
}

// NewValidator creates a definition validator sharing the engine's predicate
// compiler so definition-time and run-time predicate handling agree.
func NewValidator(conditions *condition.Engine) *Validator {
	return &Validator{
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		conditions: conditions,
	}
}

// ValidateDefinition checks the full definition. Side-effect-free: the
// definition is never mutated, and nothing is persisted on failure.
func (v *Validator) ValidateDefinition(workflow *models.WorkflowDefinition) error {
	if workflow == nil {
		return newValidationError("", ErrWorkflowNil)
	}

	if err := v.validate.Struct(workflow); err != nil {
		return newValidationError("", err)
	}

	if err := v.checkTrigger(workflow.Trigger); err != nil {
		return err
	}

	tree := workflow.Tree

	if err := v.checkReferences(tree); err != nil {
		return err
	}

	if err := v.checkOrderDense(tree); err != nil {
		return err
	}

	return v.walkList(tree, tree.Root, map[string]bool{})
}

// checkTrigger verifies schedule triggers carry a parseable cron expression.
func (v *Validator) checkTrigger(trigger models.TriggerDescriptor) error {
	if trigger.Type != models.TriggerSchedule {
		return nil
	}

	if trigger.Cron == "" {
		return newValidationError("", ErrMissingCron)
	}

	if _, err := cron.ParseStandard(trigger.Cron); err != nil {
		return newValidationError("", fmt.Errorf("%w: %w", ErrInvalidCron, err))
	}

	return nil
}

// checkReferences verifies every listed ID resolves in the arena, every arena
// step is reachable, and no step sits in two lists. The step tree is a tree,
// never a graph.
func (v *Validator) checkReferences(tree models.StepTree) error {
	seen := make(map[string]bool, len(tree.Steps))

	for _, list := range tree.Lists() {
		for _, id := range list {
			step := tree.StepByID(id)
			if step == nil {
				return newValidationError(id, ErrUnknownStep)
			}

			if seen[id] {
				return newValidationError(id, ErrDuplicateStepRef)
			}

			seen[id] = true
		}
	}

	for id := range tree.Steps {
		if !seen[id] {
			return newValidationError(id, ErrUnreachableStep)
		}
	}

	return nil
}

// checkOrderDense verifies each list's Order values are exactly 0..n-1 in
// array position. Mutating paths re-derive orders before validation, so a
// violation here means a caller bypassed normalization.
func (v *Validator) checkOrderDense(tree models.StepTree) error {
	for _, list := range tree.Lists() {
		for position, id := range list {
			step := tree.StepByID(id)
			if step != nil && step.Order != position {
				return newValidationError(id, ErrOrderNotDense)
			}
		}
	}

	return nil
}

// walkList validates one ordered list. earlierEmails carries the email steps
// that precede the list on its ancestry path; branch walks receive a copy so
// emails inside one branch never satisfy thread references outside it.
func (v *Validator) walkList(tree models.StepTree, list []string, earlierEmails map[string]bool) error {
	local := make(map[string]bool, len(earlierEmails))
	for id := range earlierEmails {
		local[id] = true
	}

	for _, id := range list {
		step := tree.StepByID(id)
		if step == nil {
			return newValidationError(id, ErrUnknownStep)
		}

		if err := v.checkStep(tree, step, local); err != nil {
			return err
		}

		if step.Type == models.StepTypeEmail {
			local[id] = true
		}
	}

	return nil
}

func (v *Validator) checkStep(tree models.StepTree, step *models.Step, earlierEmails map[string]bool) error {
	if err := v.checkConfig(step); err != nil {
		return err
	}

	switch step.Type {
	case models.StepTypeEmail:
		if step.Email.ThreadMode == models.ThreadModeOld && !earlierEmails[step.Email.ThreadFrom] {
			return newValidationError(step.ID, ErrThreadRefInvalid)
		}
	case models.StepTypeTask:
		if step.Task.Required && step.Task.Description == "" {
			return newValidationError(step.ID, ErrRequiredTaskDescription)
		}
	case models.StepTypeCondition:
		if err := v.conditions.Validate(step.Condition.Predicate); err != nil {
			return newValidationError(step.ID, fmt.Errorf("%w: %w", ErrInvalidPredicate, err))
		}

		if err := v.walkList(tree, step.Condition.IfBranch, earlierEmails); err != nil {
			return err
		}

		if err := v.walkList(tree, step.Condition.ElseBranch, earlierEmails); err != nil {
			return err
		}
	}

	return nil
}

// checkConfig verifies exactly the config matching the step type is present.
func (v *Validator) checkConfig(step *models.Step) error {
	var hasConfig bool

	switch step.Type {
	case models.StepTypeEmail:
		hasConfig = step.Email != nil
	case models.StepTypeSMS:
		hasConfig = step.SMS != nil
	case models.StepTypeCall:
		hasConfig = step.Call != nil
	case models.StepTypeTask:
		hasConfig = step.Task != nil
	case models.StepTypeCondition:
		hasConfig = step.Condition != nil
	default:
		return newValidationError(step.ID, ErrConfigMismatch)
	}

	if !hasConfig {
		return newValidationError(step.ID, ErrConfigMismatch)
	}

	if err := v.validate.Struct(step); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return newValidationError(step.ID, err)
		}

		return newValidationError(step.ID, fmt.Errorf("%w: %w", ErrConfigMismatch, err))
	}

	return nil
}

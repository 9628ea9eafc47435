// Package workflow owns workflow definitions: full-tree replacement,
// structural validation, lifecycle transitions, and trigger matching.
package workflow

import (
	"errors"
	"fmt"
)

// Validation errors. All are rejected before persistence, side-effect-free.
var (
	ErrWorkflowNil             = errors.New("workflow cannot be nil")
	ErrEmptyWorkflow           = errors.New("workflow has no steps")
	ErrUnknownStep             = errors.New("step list references unknown step")
	ErrUnreachableStep         = errors.New("step is not referenced by any list")
	ErrDuplicateStepRef        = errors.New("step referenced by more than one list position")
	ErrOrderNotDense           = errors.New("step order is not a contiguous 0..n-1 sequence")
	ErrConfigMismatch          = errors.New("step config does not match step type")
	ErrThreadRefInvalid        = errors.New("old_thread must reference an earlier email step in the same or an enclosing list")
	ErrRequiredTaskDescription = errors.New("required task steps must carry a description")
	ErrInvalidPredicate        = errors.New("condition predicate does not compile")
	ErrMissingCron             = errors.New("schedule trigger requires a cron expression")
	ErrInvalidCron             = errors.New("schedule trigger cron expression is invalid")

	// Lifecycle errors.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrActivateEmpty     = errors.New("only non-empty workflows may activate")
)

// ValidationError wraps a structural defect with the offending step for the
// editing caller.
type ValidationError struct {
	StepID string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("invalid workflow definition: %v", e.Err)
	}

	return fmt.Sprintf("invalid workflow definition: step %s: %v", e.StepID, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(stepID string, err error) *ValidationError {
	return &ValidationError{StepID: stepID, Err: err}
}

// IsValidationError checks whether an error came from definition validation.
func IsValidationError(err error) bool {
	var validationErr *ValidationError

	return errors.As(err, &validationErr)
}

// IsLifecycleError checks whether an error came from an illegal lifecycle
// transition.
func IsLifecycleError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrActivateEmpty)
}

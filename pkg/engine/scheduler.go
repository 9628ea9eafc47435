package engine

import (
	"time"

	"github.com/cadencehq/cadence/pkg/models"
)

// Eligibility is the scheduler's verdict for one run at one instant.
type Eligibility struct {
	// Step is the step due to execute, nil when the run is complete, blocked,
	// or waiting out a bounded call.
	Step *models.Step
	// EligibleAt is when the step (or wait finalization) becomes due. Clamped
	// to now when the theoretical instant is already past.
	EligibleAt time.Time
	// Blocked means the run must not advance regardless of elapsed time; only
	// an external completion signal releases it.
	Blocked bool
	// Complete means the cursor walked past the final step.
	Complete bool
	// FinalizeWait means a bounded call wait expires at EligibleAt and the
	// call step should be finalized without an attempt.
	FinalizeWait bool
}

// Due reports whether the verdict calls for action at the given instant.
func (e Eligibility) Due(now time.Time) bool {
	if e.Blocked || e.Complete {
		return false
	}

	return !e.EligibleAt.After(now)
}

// Scheduler computes when the next pending step of a run becomes eligible:
// the previous step's completion plus its declared delay, with blocking gates
// and bounded call timeouts layered on top. Purely a function of run state.
type Scheduler struct{}

// NewScheduler creates a scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// NextEligible computes the run's next actionable moment.
func (s *Scheduler) NextEligible(run *models.WorkflowRun, now time.Time) Eligibility {
	if run.Status.Terminal() {
		return Eligibility{Complete: run.Status == models.RunStatusCompleted}
	}

	if run.Wait != nil {
		// A blocking gate never advances on time alone. An unbounded call
		// wait by design has no timeout; only a logged attempt or external
		// cancellation releases it.
		if run.Wait.Blocking || run.Wait.Deadline == nil {
			return Eligibility{Blocked: true}
		}

		return Eligibility{
			EligibleAt:   clamp(*run.Wait.Deadline, now),
			FinalizeWait: true,
		}
	}

	step := run.CurrentStep()
	if step == nil {
		return Eligibility{Complete: true}
	}

	eligibleAt := run.LastCompletion().Add(step.Delay.Std())

	// A pending retry pushes eligibility out to its backoff instant.
	if run.RetryAt != nil && run.RetryAt.After(eligibleAt) {
		eligibleAt = *run.RetryAt
	}

	return Eligibility{
		Step:       step,
		EligibleAt: clamp(eligibleAt, now),
	}
}

func clamp(at, now time.Time) time.Time {
	if at.Before(now) {
		return now
	}

	return at
}

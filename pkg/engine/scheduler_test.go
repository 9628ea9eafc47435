package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/pkg/models"
)

func schedulerRun(delay time.Duration) *models.WorkflowRun {
	return &models.WorkflowRun{
		ID:     "run-1",
		Status: models.RunStatusPending,
		Tree: models.StepTree{
			Root: []string{"email-1"},
			Steps: map[string]*models.Step{
				"email-1": {
					ID: "email-1", Type: models.StepTypeEmail,
					Delay: models.Duration(delay),
					Email: &models.EmailConfig{TemplateID: "tpl", ThreadMode: models.ThreadModeNew},
				},
			},
		},
		Cursor:     models.NewCursor(),
		EnrolledAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestSchedulerDelayFromEnrollment(t *testing.T) {
	s := NewScheduler()
	run := schedulerRun(time.Hour)
	now := run.EnrolledAt

	verdict := s.NextEligible(run, now)
	require.NotNil(t, verdict.Step)
	assert.Equal(t, "email-1", verdict.Step.ID)
	assert.Equal(t, run.EnrolledAt.Add(time.Hour), verdict.EligibleAt)
	assert.False(t, verdict.Due(now))
	assert.True(t, verdict.Due(now.Add(time.Hour)))
}

func TestSchedulerClampsOverdueToNow(t *testing.T) {
	s := NewScheduler()
	run := schedulerRun(0)
	now := run.EnrolledAt.Add(6 * time.Hour)

	verdict := s.NextEligible(run, now)
	assert.Equal(t, now, verdict.EligibleAt)
	assert.True(t, verdict.Due(now))
}

func TestSchedulerRetryPushesEligibility(t *testing.T) {
	s := NewScheduler()
	run := schedulerRun(0)
	retryAt := run.EnrolledAt.Add(30 * time.Second)
	run.RetryAt = &retryAt

	verdict := s.NextEligible(run, run.EnrolledAt)
	assert.Equal(t, retryAt, verdict.EligibleAt)
	assert.False(t, verdict.Due(run.EnrolledAt))
}

func TestSchedulerBlockingWait(t *testing.T) {
	s := NewScheduler()
	run := schedulerRun(0)
	run.Status = models.RunStatusBlocked
	run.Wait = &models.WaitState{
		StepID:   "email-1",
		Kind:     models.WaitKindTask,
		Blocking: true,
		Since:    run.EnrolledAt,
	}

	verdict := s.NextEligible(run, run.EnrolledAt.Add(time.Hour))
	assert.True(t, verdict.Blocked)
	assert.False(t, verdict.Due(run.EnrolledAt.Add(1000*time.Hour)))
}

func TestSchedulerBoundedWaitFinalizesAtDeadline(t *testing.T) {
	s := NewScheduler()
	run := schedulerRun(0)
	deadline := run.EnrolledAt.Add(4 * time.Hour)
	run.Status = models.RunStatusRunning
	run.Wait = &models.WaitState{
		StepID:   "email-1",
		Kind:     models.WaitKindCall,
		Deadline: &deadline,
		Since:    run.EnrolledAt,
	}

	verdict := s.NextEligible(run, run.EnrolledAt)
	assert.True(t, verdict.FinalizeWait)
	assert.Equal(t, deadline, verdict.EligibleAt)
	assert.False(t, verdict.Due(run.EnrolledAt))
	assert.True(t, verdict.Due(deadline))
}

func TestSchedulerTerminalAndExhaustedRuns(t *testing.T) {
	s := NewScheduler()

	run := schedulerRun(0)
	run.Status = models.RunStatusCancelled
	assert.False(t, s.NextEligible(run, time.Now()).Due(time.Now()))

	run = schedulerRun(0)
	run.Status = models.RunStatusRunning
	require.True(t, run.Advance())
	verdict := s.NextEligible(run, time.Now())
	assert.True(t, verdict.Complete)
}

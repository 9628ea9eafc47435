// Package engine drives workflow runs: enrollment, timer-based advancement,
// condition branching, step dispatch, and external completion signals.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cadencehq/cadence/pkg/dedup"
	"github.com/cadencehq/cadence/pkg/eventbus"
	"github.com/cadencehq/cadence/pkg/events"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/cadencehq/cadence/pkg/tracer"
)

// Config tunes the coordinator's advancement loop.
type Config struct {
	// TickInterval is how often the coordinator scans active runs for due work.
	TickInterval time.Duration
	// MaxAttempts bounds dispatch attempts per step before the run fails.
	MaxAttempts int
	// RetryBackoffBase is the first retry delay; each further attempt doubles it.
	RetryBackoffBase time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:     5 * time.Second,
		MaxAttempts:      3,
		RetryBackoffBase: 30 * time.Second,
	}
}

// Coordinator owns the full lifecycle of workflow runs. It enrolls records
// when triggers match, walks each run's cursor through its step tree snapshot
// on a timer, and applies external completion signals. Every mutation is
// persisted with a version check so concurrent workers never double-execute
// a step.
type Coordinator struct {
	persistence persistence.Persistence
	dedup       dedup.Index
	scheduler   *Scheduler
	branches    *BranchResolver
	dispatcher  *Dispatcher
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	logger      *slog.Logger
	config      Config
	now         func() time.Time
}

// NewCoordinator creates a coordinator. The publisher may be nil when run
// lifecycle notifications are not needed.
func NewCoordinator(
	store persistence.Persistence,
	index dedup.Index,
	branches *BranchResolver,
	dispatcher *Dispatcher,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
	config Config,
) *Coordinator {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultConfig().TickInterval
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}

	if config.RetryBackoffBase <= 0 {
		config.RetryBackoffBase = DefaultConfig().RetryBackoffBase
	}

	return &Coordinator{
		persistence: store,
		dedup:       index,
		scheduler:   NewScheduler(),
		branches:    branches,
		dispatcher:  dispatcher,
		publisher:   publisher,
		tracer:      otel.Tracer("cadence.engine.coordinator"),
		logger:      logger.With("module", "run_coordinator"),
		config:      config,
		now:         time.Now,
	}
}

// Enroll creates a run for the record in the workflow, triggered by the given
// event. Redelivered events and records already enrolled in an active run are
// skipped without error; the returned run is nil in both cases.
func (c *Coordinator) Enroll(ctx context.Context, workflow *models.WorkflowDefinition, event events.LeadEvent) (*models.WorkflowRun, error) {
	ctx, span := c.tracer.Start(ctx, "enroll", trace.WithAttributes(
		attribute.String(tracer.WorkflowIDKey, workflow.ID),
		attribute.String(tracer.RecordIDKey, event.RecordID),
		attribute.String(tracer.EventIDKey, event.EventID),
		attribute.String(tracer.TriggerTypeKey, string(event.Type)),
	))
	defer span.End()

	claimed, err := c.dedup.Claim(ctx, workflow.ID, event.RecordID, event.EventID)
	if err != nil {
		tracer.SetError(span, err)

		return nil, fmt.Errorf("failed to claim enrollment: %w", err)
	}

	if !claimed {
		c.logger.Debug("Skipping redelivered event",
			"workflow_id", workflow.ID,
			"record_id", event.RecordID,
			"event_id", event.EventID)

		return nil, nil
	}

	existing, err := c.persistence.ActiveRunForRecord(ctx, workflow.ID, event.RecordID)
	if err != nil {
		tracer.SetError(span, err)
		c.releaseClaim(ctx, workflow.ID, event)

		return nil, fmt.Errorf("failed to check active runs: %w", err)
	}

	if existing != nil {
		c.logger.Info("Record already enrolled, skipping",
			"workflow_id", workflow.ID,
			"record_id", event.RecordID,
			"run_id", existing.ID)

		return nil, nil
	}

	now := c.now()
	run := &models.WorkflowRun{
		ID:         uuid.NewString(),
		WorkflowID: workflow.ID,
		RecordID:   event.RecordID,
		EventID:    event.EventID,
		Tree:       workflow.Tree.Clone(),
		Cursor:     models.NewCursor(),
		Status:     models.RunStatusPending,
		EnrolledAt: now,
		AdvancedAt: now,
	}

	if err := c.persistence.CreateRun(ctx, run); err != nil {
		tracer.SetError(span, err)
		c.releaseClaim(ctx, workflow.ID, event)

		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	c.logger.Info("Enrolled record",
		"workflow_id", workflow.ID,
		"record_id", event.RecordID,
		"run_id", run.ID)

	c.publish(ctx, run, events.RunCreated{
		BaseEvent: c.baseEvent(events.RunCreatedEvent, run),
		RecordID:  run.RecordID,
		EventID:   run.EventID,
	})

	return run, nil
}

// releaseClaim returns a consumed dedup claim after a failed enrollment so
// the broker's redelivery of the same event can still enroll the record.
func (c *Coordinator) releaseClaim(ctx context.Context, workflowID string, event events.LeadEvent) {
	if err := c.dedup.Release(ctx, workflowID, event.RecordID, event.EventID); err != nil {
		c.logger.Warn("Failed to release enrollment claim",
			"workflow_id", workflowID,
			"record_id", event.RecordID,
			"event_id", event.EventID,
			"error", err)
	}
}

// Start runs the advancement loop until the context is cancelled. Each tick
// scans active runs and advances every run with due work concurrently.
func (c *Coordinator) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	c.logger.Info("Run coordinator started", "tick_interval", c.config.TickInterval)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Run coordinator stopping")

			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick advances every active run whose next step is due. Exported so tests
// and embedders can drive the loop without the ticker.
func (c *Coordinator) Tick(ctx context.Context) {
	runs, err := c.persistence.ActiveRuns(ctx)
	if err != nil {
		c.logger.Error("Failed to list active runs", "error", err)

		return
	}

	now := c.now()

	var wg sync.WaitGroup

	for _, run := range runs {
		if !c.scheduler.NextEligible(run, now).Due(now) {
			continue
		}

		wg.Add(1)

		go func(run *models.WorkflowRun) {
			defer wg.Done()
			c.advanceRun(ctx, run)
		}(run)
	}

	wg.Wait()
}

// advanceRun executes every consecutively due step of the run: conditions are
// resolved and entered, leaf steps dispatched, waits installed. The loop stops
// at the first step still in the future, at a blocking gate, or when the run
// reaches a terminal status.
func (c *Coordinator) advanceRun(ctx context.Context, run *models.WorkflowRun) {
	for {
		now := c.now()
		verdict := c.scheduler.NextEligible(run, now)

		if run.Status.Terminal() {
			return
		}

		if verdict.Complete {
			c.completeRun(ctx, run)

			return
		}

		if verdict.Blocked {
			if run.Status != models.RunStatusBlocked {
				run.Status = models.RunStatusBlocked
				c.saveRun(ctx, run)
			}

			return
		}

		if !verdict.Due(now) {
			if run.Status == models.RunStatusPending {
				run.Status = models.RunStatusRunning
				c.saveRun(ctx, run)
			}

			return
		}

		if verdict.FinalizeWait {
			if !c.finalizeCallWait(ctx, run, "no call attempt before deadline") {
				return
			}

			continue
		}

		step := verdict.Step

		if step.Type == models.StepTypeCondition {
			if !c.resolveCondition(ctx, run, step) {
				return
			}

			continue
		}

		if !c.dispatchStep(ctx, run, step) {
			return
		}
	}
}

// resolveCondition picks a branch and descends into it. Returns false when the
// run reached a terminal status or persistence rejected the advance.
func (c *Coordinator) resolveCondition(ctx context.Context, run *models.WorkflowRun, step *models.Step) bool {
	now := c.now()

	branch, err := c.branches.Resolve(ctx, run, step)
	if err != nil {
		c.failRun(ctx, run, step, err)

		return false
	}

	run.Log = append(run.Log, models.StepResult{
		StepID:     step.ID,
		Type:       step.Type,
		Status:     models.StepStatusSuccess,
		Branch:     branch,
		StartedAt:  now,
		FinishedAt: c.now(),
	})

	complete := run.EnterBranch(step.ID, branch)
	run.Status = models.RunStatusRunning
	run.AdvancedAt = c.now()

	if complete {
		c.completeRun(ctx, run)

		return false
	}

	return c.saveRun(ctx, run)
}

// dispatchStep executes a leaf step and applies the outcome: advance past a
// completed step, install a wait, schedule a retry, or fail the run. Returns
// false when the loop must stop.
func (c *Coordinator) dispatchStep(ctx context.Context, run *models.WorkflowRun, step *models.Step) bool {
	// Take the version token before the send. A concurrent advancer holding
	// the same run snapshot fails this save and never reaches Execute, so
	// the step's side effect happens at most once per token.
	run.Status = models.RunStatusRunning
	if !c.saveRun(ctx, run) {
		return false
	}

	outcome, err := c.dispatcher.Execute(ctx, run, step)
	if err != nil {
		attempt := run.Attempts + 1

		if Retryable(err) && attempt < c.config.MaxAttempts {
			retryAt := c.now().Add(c.backoff(attempt))
			run.Attempts = attempt
			run.RetryAt = &retryAt
			run.Status = models.RunStatusRunning

			c.logger.Warn("Step dispatch failed, will retry",
				"run_id", run.ID,
				"step_id", step.ID,
				"attempt", attempt,
				"retry_at", retryAt,
				"error", err)

			c.saveRun(ctx, run)

			return false
		}

		c.failRun(ctx, run, step, err)

		return false
	}

	attempts := run.Attempts + 1
	run.Attempts = 0
	run.RetryAt = nil
	run.AdvancedAt = c.now()

	if outcome.Wait != nil {
		run.Wait = outcome.Wait

		if outcome.Wait.Blocking {
			run.Status = models.RunStatusBlocked
		} else {
			run.Status = models.RunStatusRunning
		}

		c.saveRun(ctx, run)

		return false
	}

	result := outcome.Result
	result.Attempts = attempts
	run.Log = append(run.Log, result)
	run.Status = models.RunStatusRunning

	c.publish(ctx, run, events.StepCompleted{
		BaseEvent: c.baseEvent(events.StepCompletedEvent, run),
		StepID:    step.ID,
		StepType:  step.Type,
		Status:    result.Status,
		Detail:    result.Detail,
	})

	if run.Advance() {
		if !c.completeRun(ctx, run) {
			c.recordLateResult(ctx, run.ID, result)
		}

		return false
	}

	if !c.saveRun(ctx, run) {
		c.recordLateResult(ctx, run.ID, result)

		return false
	}

	return true
}

// recordLateResult appends a dispatch result to a run cancelled while the
// dispatch was in flight. The send already happened, so the log keeps it;
// status, cursor, and wait state of the stored run stay untouched.
func (c *Coordinator) recordLateResult(ctx context.Context, runID string, result models.StepResult) {
	stored, err := c.persistence.RunByID(ctx, runID)
	if err != nil {
		c.logger.Error("Failed to load run for late result", "run_id", runID, "error", err)

		return
	}

	if stored.Status != models.RunStatusCancelled {
		return
	}

	stored.Log = append(stored.Log, result)

	if err := c.persistence.SaveRun(ctx, stored, stored.Version); err != nil {
		c.logger.Warn("Failed to record late step result", "run_id", runID, "error", err)

		return
	}

	c.logger.Info("Recorded step result on cancelled run",
		"run_id", runID, "step_id", result.StepID)
}

// finalizeCallWait closes the pending call wait, logs its outcome, and moves
// the cursor past the call step.
func (c *Coordinator) finalizeCallWait(ctx context.Context, run *models.WorkflowRun, detail string) bool {
	wait := run.Wait
	run.Log = append(run.Log, models.StepResult{
		StepID:     wait.StepID,
		Type:       models.StepTypeCall,
		Status:     models.StepStatusSuccess,
		CallSlotID: wait.CallSlotID,
		Detail:     detail,
		StartedAt:  wait.Since,
		FinishedAt: c.now(),
	})
	run.Wait = nil
	run.Status = models.RunStatusRunning
	run.AdvancedAt = c.now()

	if run.Advance() {
		c.completeRun(ctx, run)

		return false
	}

	return c.saveRun(ctx, run)
}

// CompleteTask releases a run blocked on a required task. Unknown runs,
// terminal runs, and mismatched task IDs are ignored, which makes redelivered
// completion signals harmless.
func (c *Coordinator) CompleteTask(ctx context.Context, runID, taskID string) error {
	run, err := c.persistence.RunByID(ctx, runID)
	if err != nil {
		if persistence.IsRunNotFound(err) {
			return nil
		}

		return err
	}

	if run.Status.Terminal() || run.Wait == nil ||
		run.Wait.Kind != models.WaitKindTask || run.Wait.TaskID != taskID {
		return nil
	}

	wait := run.Wait
	run.Log = append(run.Log, models.StepResult{
		StepID:     wait.StepID,
		Type:       models.StepTypeTask,
		Status:     models.StepStatusSuccess,
		TaskID:     wait.TaskID,
		Detail:     "task completed",
		StartedAt:  wait.Since,
		FinishedAt: c.now(),
	})
	run.Wait = nil
	run.Status = models.RunStatusRunning
	run.AdvancedAt = c.now()

	c.logger.Info("Task completed, run released",
		"run_id", run.ID,
		"step_id", wait.StepID,
		"task_id", taskID)

	if run.Advance() {
		c.completeRun(ctx, run)

		return nil
	}

	if c.saveRun(ctx, run) {
		c.advanceRun(ctx, run)
	}

	return nil
}

// LogCallAttempt records a call attempt against a run's open call slot,
// releasing both unbounded waits and bounded waits still inside their window.
// Mismatched or stale signals are ignored.
func (c *Coordinator) LogCallAttempt(ctx context.Context, runID, callSlotID string) error {
	run, err := c.persistence.RunByID(ctx, runID)
	if err != nil {
		if persistence.IsRunNotFound(err) {
			return nil
		}

		return err
	}

	if run.Status.Terminal() || run.Wait == nil ||
		run.Wait.Kind != models.WaitKindCall || run.Wait.CallSlotID != callSlotID {
		return nil
	}

	c.logger.Info("Call attempt logged, run released",
		"run_id", run.ID,
		"step_id", run.Wait.StepID,
		"call_slot_id", callSlotID)

	if c.finalizeCallWait(ctx, run, "call attempt logged") {
		c.advanceRun(ctx, run)
	}

	return nil
}

// Cancel moves a run to cancelled. Terminal runs are left untouched, so
// cancelling twice is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, runID, reason string) error {
	run, err := c.persistence.RunByID(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.Terminal() {
		return nil
	}

	now := c.now()
	run.Status = models.RunStatusCancelled
	run.Wait = nil
	run.RetryAt = nil
	run.CompletedAt = &now

	if err := c.persistence.SaveRun(ctx, run, run.Version); err != nil {
		return fmt.Errorf("failed to cancel run %s: %w", runID, err)
	}

	c.logger.Info("Run cancelled", "run_id", run.ID, "reason", reason)

	c.publish(ctx, run, events.RunCancelled{
		BaseEvent: c.baseEvent(events.RunCancelledEvent, run),
		Reason:    reason,
	})

	return nil
}

func (c *Coordinator) completeRun(ctx context.Context, run *models.WorkflowRun) bool {
	now := c.now()
	run.Status = models.RunStatusCompleted
	run.Wait = nil
	run.RetryAt = nil
	run.CompletedAt = &now
	run.AdvancedAt = now

	if !c.saveRun(ctx, run) {
		return false
	}

	c.logger.Info("Run completed",
		"run_id", run.ID,
		"workflow_id", run.WorkflowID,
		"duration", now.Sub(run.EnrolledAt))

	c.publish(ctx, run, events.RunCompleted{
		BaseEvent: c.baseEvent(events.RunCompletedEvent, run),
		Duration:  now.Sub(run.EnrolledAt),
	})

	return true
}

func (c *Coordinator) failRun(ctx context.Context, run *models.WorkflowRun, step *models.Step, cause error) {
	now := c.now()
	run.Log = append(run.Log, models.StepResult{
		StepID:     step.ID,
		Type:       step.Type,
		Status:     models.StepStatusFailure,
		Attempts:   run.Attempts + 1,
		Error:      cause.Error(),
		StartedAt:  now,
		FinishedAt: now,
	})
	run.Status = models.RunStatusFailed
	run.Wait = nil
	run.RetryAt = nil
	run.CompletedAt = &now
	run.AdvancedAt = now

	if !c.saveRun(ctx, run) {
		return
	}

	c.logger.Error("Run failed",
		"run_id", run.ID,
		"workflow_id", run.WorkflowID,
		"step_id", step.ID,
		"error", cause)

	c.publish(ctx, run, events.RunFailed{
		BaseEvent: c.baseEvent(events.RunFailedEvent, run),
		StepID:    step.ID,
		Error:     cause.Error(),
	})
}

// saveRun persists the run against its current version. A version conflict
// means another worker advanced the same run first; this worker's changes are
// discarded and the loop stops.
func (c *Coordinator) saveRun(ctx context.Context, run *models.WorkflowRun) bool {
	if err := c.persistence.SaveRun(ctx, run, run.Version); err != nil {
		if persistence.IsVersionConflict(err) {
			c.logger.Warn("Concurrent advance detected, yielding",
				"run_id", run.ID,
				"version", run.Version)
		} else {
			c.logger.Error("Failed to save run", "run_id", run.ID, "error", err)
		}

		return false
	}

	return true
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.config.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}

	return d
}

func (c *Coordinator) baseEvent(eventType events.EventType, run *models.WorkflowRun) events.BaseEvent {
	return events.BaseEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		Timestamp:  c.now(),
		WorkflowID: run.WorkflowID,
		RunID:      run.ID,
	}
}

func (c *Coordinator) publish(ctx context.Context, run *models.WorkflowRun, event eventbus.Event) {
	if c.publisher == nil {
		return
	}

	if err := c.publisher.Publish(ctx, run.WorkflowID, event); err != nil {
		c.logger.Warn("Failed to publish run event",
			"run_id", run.ID,
			"event_type", event.GetType(),
			"error", err)
	}
}

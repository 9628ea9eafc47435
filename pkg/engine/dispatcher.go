package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/protocol"
	"github.com/cadencehq/cadence/pkg/tracer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DispatchOutcome is the result of executing one leaf step. Wait is non-nil
// for call and task steps that complete asynchronously via external signal.
type DispatchOutcome struct {
	Result models.StepResult
	Wait   *models.WaitState
}

// Dispatcher executes one concrete step: rendering and delivery for email and
// SMS, work item creation for call and task. It never advances the run; the
// coordinator owns all run mutation.
type Dispatcher struct {
	templates protocol.TemplateResolver
	delivery  protocol.ChannelDelivery
	tasks     protocol.TaskTracker
	records   protocol.RecordSource
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher over the collaborator interfaces.
func NewDispatcher(
	templates protocol.TemplateResolver,
	delivery protocol.ChannelDelivery,
	tasks protocol.TaskTracker,
	records protocol.RecordSource,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		templates: templates,
		delivery:  delivery,
		tasks:     tasks,
		records:   records,
		tracer:    otel.Tracer("cadence.engine.dispatcher"),
		logger:    logger.With("module", "action_dispatcher"),
		now:       time.Now,
	}
}

// Execute runs the step. Returned errors are classified by the coordinator:
// protocol.ErrDelivery is retried with backoff, anything else fails the run.
func (d *Dispatcher) Execute(ctx context.Context, run *models.WorkflowRun, step *models.Step) (*DispatchOutcome, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch."+string(step.Type), trace.WithAttributes(
		attribute.String(tracer.RunIDKey, run.ID),
		attribute.String(tracer.WorkflowIDKey, run.WorkflowID),
		attribute.String(tracer.StepIDKey, step.ID),
		attribute.String(tracer.StepTypeKey, string(step.Type)),
	))
	defer span.End()

	var (
		outcome *DispatchOutcome
		err     error
	)

	switch step.Type {
	case models.StepTypeEmail:
		outcome, err = d.sendEmail(ctx, run, step)
	case models.StepTypeSMS:
		outcome, err = d.sendSMS(ctx, run, step)
	case models.StepTypeCall:
		outcome, err = d.createCallSlot(ctx, run, step)
	case models.StepTypeTask:
		outcome, err = d.createTask(ctx, run, step)
	default:
		err = fmt.Errorf("step %s has non-dispatchable type %s", step.ID, step.Type)
	}

	if err != nil {
		tracer.SetError(span, err)

		return nil, err
	}

	return outcome, nil
}

func (d *Dispatcher) recordContext(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) {
	attrs, err := d.records.Get(ctx, run.RecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", run.RecordID, err)
	}

	return attrs, nil
}

func (d *Dispatcher) sendEmail(ctx context.Context, run *models.WorkflowRun, step *models.Step) (*DispatchOutcome, error) {
	started := d.now()
	cfg := step.Email

	attrs, err := d.recordContext(ctx, run)
	if err != nil {
		return nil, err
	}

	rendered, err := d.templates.Render(ctx, cfg.TemplateID, attrs)
	if err != nil {
		return nil, err
	}

	to, _ := attrs["email"].(string)

	threadID := ""
	if cfg.ThreadMode == models.ThreadModeOld {
		threadID = run.ThreadIDFor(cfg.ThreadFrom)
	}

	sent, err := d.delivery.SendEmail(ctx, to, rendered.Subject, rendered.Body, threadID, cfg.CC, cfg.BCC)
	if err != nil {
		return nil, err
	}

	d.logger.Info("Sent email step",
		"run_id", run.ID,
		"step_id", step.ID,
		"template_id", cfg.TemplateID,
		"message_id", sent.MessageID)

	return &DispatchOutcome{
		Result: models.StepResult{
			StepID:     step.ID,
			Type:       step.Type,
			Status:     models.StepStatusSuccess,
			MessageID:  sent.MessageID,
			ThreadID:   sent.ThreadID,
			StartedAt:  started,
			FinishedAt: d.now(),
		},
	}, nil
}

func (d *Dispatcher) sendSMS(ctx context.Context, run *models.WorkflowRun, step *models.Step) (*DispatchOutcome, error) {
	started := d.now()

	attrs, err := d.recordContext(ctx, run)
	if err != nil {
		return nil, err
	}

	rendered, err := d.templates.Render(ctx, step.SMS.TemplateID, attrs)
	if err != nil {
		return nil, err
	}

	to, _ := attrs["phone"].(string)

	sent, err := d.delivery.SendSMS(ctx, to, rendered.Body)
	if err != nil {
		return nil, err
	}

	d.logger.Info("Sent SMS step",
		"run_id", run.ID,
		"step_id", step.ID,
		"template_id", step.SMS.TemplateID,
		"message_id", sent.MessageID)

	return &DispatchOutcome{
		Result: models.StepResult{
			StepID:     step.ID,
			Type:       step.Type,
			Status:     models.StepStatusSuccess,
			MessageID:  sent.MessageID,
			StartedAt:  started,
			FinishedAt: d.now(),
		},
	}, nil
}

// createTask creates the external work item. Optional tasks complete
// immediately; required tasks return a blocking wait released only by an
// external completion signal.
func (d *Dispatcher) createTask(ctx context.Context, run *models.WorkflowRun, step *models.Step) (*DispatchOutcome, error) {
	started := d.now()
	cfg := step.Task

	dueDate := started.Add(cfg.DueIn.Std())

	taskID, err := d.tasks.CreateTask(ctx, cfg.Description, dueDate, cfg.Required)
	if err != nil {
		return nil, err
	}

	d.logger.Info("Created task step",
		"run_id", run.ID,
		"step_id", step.ID,
		"task_id", taskID,
		"required", cfg.Required)

	if !cfg.Required {
		return &DispatchOutcome{
			Result: models.StepResult{
				StepID:     step.ID,
				Type:       step.Type,
				Status:     models.StepStatusSuccess,
				TaskID:     taskID,
				Detail:     "optional task created",
				StartedAt:  started,
				FinishedAt: d.now(),
			},
		}, nil
	}

	return &DispatchOutcome{
		Wait: &models.WaitState{
			StepID:   step.ID,
			Kind:     models.WaitKindTask,
			TaskID:   taskID,
			Blocking: true,
			Since:    started,
		},
	}, nil
}

// createCallSlot opens a call attempt slot. An unbounded wait blocks until an
// attempt is logged; a bounded wait carries a deadline after which the run
// advances whether or not an attempt occurred.
func (d *Dispatcher) createCallSlot(ctx context.Context, run *models.WorkflowRun, step *models.Step) (*DispatchOutcome, error) {
	started := d.now()
	cfg := step.Call

	slotID, err := d.tasks.CreateCallSlot(ctx)
	if err != nil {
		return nil, err
	}

	d.logger.Info("Created call slot",
		"run_id", run.ID,
		"step_id", step.ID,
		"call_slot_id", slotID,
		"wait_forever", cfg.WaitForever)

	wait := &models.WaitState{
		StepID:     step.ID,
		Kind:       models.WaitKindCall,
		CallSlotID: slotID,
		Blocking:   cfg.WaitForever,
		Since:      started,
	}

	if !cfg.WaitForever {
		deadline := started.Add(cfg.Wait.Std())
		wait.Deadline = &deadline
	}

	return &DispatchOutcome{Wait: wait}, nil
}

// Retryable reports whether a dispatch error is a transient delivery failure.
// Template resolution failures cannot self-heal and are never retried.
func Retryable(err error) bool {
	if errors.Is(err, protocol.ErrTemplateNotFound) {
		return false
	}

	return errors.Is(err, protocol.ErrDelivery)
}

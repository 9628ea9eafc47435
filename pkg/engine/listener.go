package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cadencehq/cadence/pkg/eventbus"
	"github.com/cadencehq/cadence/pkg/events"
	"github.com/cadencehq/cadence/pkg/workflow"
)

// TriggerListener subscribes to inbound domain events and enrolls the event's
// record into every active workflow whose trigger matches.
type TriggerListener struct {
	registry    *workflow.Registry
	coordinator *Coordinator
	bus         eventbus.EventBus
	logger      *slog.Logger
}

// NewTriggerListener creates a listener wired to the bus.
func NewTriggerListener(
	registry *workflow.Registry,
	coordinator *Coordinator,
	bus eventbus.EventBus,
	logger *slog.Logger,
) *TriggerListener {
	return &TriggerListener{
		registry:    registry,
		coordinator: coordinator,
		bus:         bus,
		logger:      logger.With("module", "trigger_listener"),
	}
}

// Start registers the handler and begins consuming, then blocks until the
// context is cancelled.
func (l *TriggerListener) Start(ctx context.Context) error {
	if err := l.bus.Handle(events.LeadEventType, l.handleLeadEvent); err != nil {
		return fmt.Errorf("failed to register lead event handler: %w", err)
	}

	if err := l.bus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	l.logger.Info("Trigger listener started")

	<-ctx.Done()

	return ctx.Err()
}

func (l *TriggerListener) handleLeadEvent(ctx context.Context, raw any) error {
	event, ok := raw.(*events.LeadEvent)
	if !ok {
		return fmt.Errorf("unexpected event payload type %T", raw)
	}

	if err := event.Validate(); err != nil {
		// A malformed event will never become valid; drop it instead of
		// forcing the broker to redeliver forever.
		l.logger.Warn("Dropping invalid lead event",
			"event_id", event.EventID,
			"error", err)

		return nil
	}

	matches, err := l.registry.FindActiveByTrigger(ctx, event.Type, event.Payload)
	if err != nil {
		return fmt.Errorf("failed to match workflows: %w", err)
	}

	l.logger.Debug("Matched workflows for event",
		"event_id", event.EventID,
		"event_type", event.Type,
		"record_id", event.RecordID,
		"matches", len(matches))

	for _, definition := range matches {
		if _, err := l.coordinator.Enroll(ctx, definition, *event); err != nil {
			return fmt.Errorf("failed to enroll record %s in workflow %s: %w",
				event.RecordID, definition.ID, err)
		}
	}

	return nil
}

// Package schedule turns workflows with schedule triggers into a cron-driven
// enrollment source. Each firing lists the records the trigger's filter
// matches and publishes one lead event per record; the enrollment dedup index
// keeps multi-instance deployments from double-enrolling on the same firing.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cadencehq/cadence/pkg/eventbus"
	"github.com/cadencehq/cadence/pkg/events"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/cadencehq/cadence/pkg/protocol"
)

var ErrMissingCron = errors.New("schedule trigger requires a cron expression")

// ResyncInterval is how often the source reconciles cron entries against the
// stored workflow definitions.
const ResyncInterval = time.Minute

type Source struct {
	persistence persistence.Persistence
	records     protocol.RecordLister
	publisher   eventbus.EventPublisher
	logger      *slog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]scheduledEntry
}

type scheduledEntry struct {
	id   cron.EntryID
	expr string
}

// NewSource creates a schedule source.
func NewSource(
	store persistence.Persistence,
	records protocol.RecordLister,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
) *Source {
	return &Source{
		persistence: store,
		records:     records,
		publisher:   publisher,
		logger:      logger.With("module", "schedule_source"),
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
			cron.Recover(cron.DiscardLogger),
		)),
		entries: make(map[string]scheduledEntry),
	}
}

// ValidateCron checks a schedule trigger's cron expression.
func ValidateCron(expr string) error {
	if expr == "" {
		return ErrMissingCron
	}

	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	return nil
}

// Start syncs entries, runs the cron, and keeps reconciling until the context
// is cancelled.
func (s *Source) Start(ctx context.Context) error {
	if err := s.Resync(ctx); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("Schedule source started")

	ticker := time.NewTicker(ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-s.cron.Stop().Done()
			s.logger.Info("Schedule source stopped")

			return ctx.Err()
		case <-ticker.C:
			if err := s.Resync(ctx); err != nil {
				s.logger.Error("Failed to resync schedules", "error", err)
			}
		}
	}
}

// Resync reconciles cron entries with the active schedule-triggered workflows:
// new workflows gain entries, deactivated ones lose theirs, changed cron
// expressions are replaced.
func (s *Source) Resync(ctx context.Context) error {
	workflows, err := s.persistence.Workflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]string)

	for _, definition := range workflows {
		if definition.Status != models.DefinitionStatusActive ||
			definition.Trigger.Type != models.TriggerSchedule {
			continue
		}

		if err := ValidateCron(definition.Trigger.Cron); err != nil {
			s.logger.Warn("Skipping workflow with invalid cron",
				"workflow_id", definition.ID,
				"error", err)

			continue
		}

		wanted[definition.ID] = definition.Trigger.Cron
	}

	for workflowID, entry := range s.entries {
		if expr, ok := wanted[workflowID]; !ok || expr != entry.expr {
			s.cron.Remove(entry.id)
			delete(s.entries, workflowID)
		}
	}

	for _, definition := range workflows {
		expr, ok := wanted[definition.ID]
		if !ok {
			continue
		}

		if _, exists := s.entries[definition.ID]; exists {
			continue
		}

		workflowID := definition.ID
		filter := definition.Trigger.Filter

		id, err := s.cron.AddFunc(expr, func() {
			s.fire(context.Background(), workflowID, filter)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule workflow %s: %w", workflowID, err)
		}

		s.entries[workflowID] = scheduledEntry{id: id, expr: expr}
		s.logger.Info("Scheduled workflow", "workflow_id", workflowID, "cron", expr)
	}

	return nil
}

// fire publishes one lead event per matched record. Event IDs are derived from
// the firing minute, so a firing observed by several instances dedups to a
// single enrollment per record.
func (s *Source) fire(ctx context.Context, workflowID string, filter map[string]any) {
	firedAt := time.Now().UTC().Truncate(time.Minute)

	recordIDs, err := s.records.List(ctx, filter)
	if err != nil {
		s.logger.Error("Failed to list records for schedule firing",
			"workflow_id", workflowID,
			"error", err)

		return
	}

	s.logger.Info("Schedule fired",
		"workflow_id", workflowID,
		"records", len(recordIDs))

	for _, recordID := range recordIDs {
		event := events.LeadEvent{
			EventID:    fmt.Sprintf("sched-%s-%s-%d", workflowID, recordID, firedAt.Unix()),
			Type:       models.TriggerSchedule,
			RecordID:   recordID,
			Payload:    filter,
			OccurredAt: firedAt,
		}

		if err := s.publisher.Publish(ctx, recordID, event); err != nil {
			s.logger.Error("Failed to publish schedule event",
				"workflow_id", workflowID,
				"record_id", recordID,
				"error", err)
		}
	}
}

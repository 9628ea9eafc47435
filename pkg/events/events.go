// Package events defines the typed events flowing through the engine: inbound
// domain events that enroll records, and run lifecycle notifications emitted
// while runs advance.
package events

import (
	"errors"
	"time"

	"github.com/cadencehq/cadence/pkg/models"
)

type EventType string

// Topic carries every cadence event; consumers filter on event type metadata.
const Topic = "cadence.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Inbound domain events.
	LeadEventType EventType = "lead.event"

	// Run lifecycle events.
	RunCreatedEvent    EventType = "run.created"
	RunCompletedEvent  EventType = "run.completed"
	RunFailedEvent     EventType = "run.failed"
	RunCancelledEvent  EventType = "run.cancelled"
	StepCompletedEvent EventType = "run.step.completed"
)

var (
	ErrMissingEventID  = errors.New("event id is required")
	ErrMissingRecordID = errors.New("record id is required")
	ErrMissingType     = errors.New("trigger type is required")
)

// LeadEvent is the envelope for a domain event about one business record:
// record created, record updated, stage changed, or a schedule firing.
// Delivery is at least once; EventID anchors enrollment deduplication.
type LeadEvent struct {
	EventID    string             `json:"event_id"`
	Type       models.TriggerType `json:"type"`
	RecordID   string             `json:"record_id"`
	Payload    map[string]any     `json:"payload,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

func (e LeadEvent) GetType() EventType {
	return LeadEventType
}

// Validate checks the envelope carries everything enrollment needs.
func (e LeadEvent) Validate() error {
	if e.EventID == "" {
		return ErrMissingEventID
	}

	if e.RecordID == "" {
		return ErrMissingRecordID
	}

	if e.Type == "" {
		return ErrMissingType
	}

	return nil
}

type BaseEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id"`
}

type RunCreated struct {
	BaseEvent

	RecordID string `json:"record_id"`
	EventID  string `json:"event_id,omitempty"`
}

func (e RunCreated) GetType() EventType {
	return RunCreatedEvent
}

type RunCompleted struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type RunFailed struct {
	BaseEvent

	StepID string `json:"step_id"`
	Error  string `json:"error"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

type RunCancelled struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

func (e RunCancelled) GetType() EventType {
	return RunCancelledEvent
}

type StepCompleted struct {
	BaseEvent

	StepID   string            `json:"step_id"`
	StepType models.StepType   `json:"step_type"`
	Status   models.StepStatus `json:"status"`
	Detail   string            `json:"detail,omitempty"`
}

func (e StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

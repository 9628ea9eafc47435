// Package models defines the core domain models for the outreach workflow engine.
package models

import "time"

// DefinitionStatus represents the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft  DefinitionStatus = "draft"  // Editable, never activated or explicitly demoted
	DefinitionStatusActive DefinitionStatus = "active" // Enrolling and executing
	DefinitionStatusPaused DefinitionStatus = "paused" // Existing runs continue, no new enrollments
)

// TriggerType identifies the domain event class that enrolls records.
type TriggerType string

const (
	TriggerRecordCreated TriggerType = "record_created"
	TriggerRecordUpdated TriggerType = "record_updated"
	TriggerStageChanged  TriggerType = "stage_changed"
	TriggerSchedule      TriggerType = "schedule"
)

// TriggerDescriptor declares which domain events enroll records into a workflow.
// Filter is an optional attribute equality filter applied to the event payload;
// every key present must match for the trigger to fire.
type TriggerDescriptor struct {
	Type   TriggerType    `json:"type"             validate:"required,oneof=record_created record_updated stage_changed schedule"`
	Filter map[string]any `json:"filter,omitempty"`
	// Cron is only meaningful for schedule triggers.
	Cron string `json:"cron,omitempty"`
}

// WorkflowDefinition is the owning container for one workflow's step tree.
// The builder always submits the complete tree; updates are full replaces.
type WorkflowDefinition struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"    validate:"required,min=3"`
	Trigger   TriggerDescriptor `json:"trigger" validate:"required"`
	Tree      StepTree          `json:"tree"`
	Status    DefinitionStatus  `json:"status"  validate:"required,oneof=draft active paused"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the definition has been soft-deleted.
func (w *WorkflowDefinition) IsDeleted() bool {
	return w.DeletedAt != nil
}

// Matches reports whether a domain event of the given type and payload should
// enroll a record into this workflow. The filter requires equality on every
// configured key.
func (w *WorkflowDefinition) Matches(eventType TriggerType, payload map[string]any) bool {
	if w.Trigger.Type != eventType {
		return false
	}

	for key, expected := range w.Trigger.Filter {
		actual, ok := payload[key]
		if !ok {
			return false
		}

		if !looseEqual(actual, expected) {
			return false
		}
	}

	return true
}

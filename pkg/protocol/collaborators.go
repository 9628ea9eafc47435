// Package protocol defines the contracts between the engine and its external
// collaborators: template rendering, channel delivery, task and call tracking,
// and record storage. The engine consumes these interfaces; it never
// implements them.
package protocol

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTemplateNotFound is terminal for the run: a missing template cannot
	// self-heal, so the dispatcher fails immediately instead of retrying.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrDelivery marks a transient channel failure eligible for retry.
	ErrDelivery = errors.New("delivery failed")

	// ErrRecordNotFound indicates the enrolled record no longer exists.
	ErrRecordNotFound = errors.New("record not found")
)

// RenderedTemplate is the output of template resolution. Subject is empty for
// SMS templates.
type RenderedTemplate struct {
	Subject string
	Body    string
}

// TemplateResolver renders a template against a record's merge context.
type TemplateResolver interface {
	Render(ctx context.Context, templateID string, recordContext map[string]any) (*RenderedTemplate, error)
}

// SendResult identifies a delivered message and its conversation thread.
type SendResult struct {
	MessageID string
	ThreadID  string
}

// ChannelDelivery hands rendered content to the outbound transport. A
// non-empty threadID continues an existing conversation thread.
type ChannelDelivery interface {
	SendEmail(ctx context.Context, to, subject, body, threadID string, cc, bcc []string) (*SendResult, error)
	SendSMS(ctx context.Context, to, body string) (*SendResult, error)
}

// TaskTracker creates externally-tracked work items. Completion arrives
// asynchronously through the engine's signal path, never through these return
// values.
type TaskTracker interface {
	CreateTask(ctx context.Context, description string, dueDate time.Time, required bool) (taskID string, err error)
	CreateCallSlot(ctx context.Context) (callSlotID string, err error)
}

// RecordSource reads the enrolled record's current attributes. Branch
// predicates evaluate against this point-in-time state.
type RecordSource interface {
	Get(ctx context.Context, recordID string) (map[string]any, error)
}

// RecordLister selects the record IDs a filter currently matches. Schedule
// triggers use it to decide which records each firing enrolls.
type RecordLister interface {
	List(ctx context.Context, filter map[string]any) ([]string, error)
}

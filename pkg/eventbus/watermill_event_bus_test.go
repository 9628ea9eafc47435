package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/cadencehq/cadence/pkg/channels/gochannel"
	"github.com/cadencehq/cadence/pkg/events"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub)

	received := make(chan *events.LeadEvent, 1)

	err = bus.Handle(events.LeadEventType, func(_ context.Context, event any) error {
		lead, ok := event.(*events.LeadEvent)
		require.True(t, ok)
		received <- lead

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Subscribe(t.Context()))

	event := events.LeadEvent{
		EventID:    "evt-1",
		Type:       models.TriggerRecordCreated,
		RecordID:   "lead-1",
		Payload:    map[string]any{"value": float64(15000)},
		OccurredAt: time.Now().UTC(),
	}

	require.NoError(t, bus.Publish(t.Context(), "lead-1", event))

	select {
	case got := <-received:
		assert.Equal(t, "evt-1", got.EventID)
		assert.Equal(t, models.TriggerRecordCreated, got.Type)
		assert.Equal(t, "lead-1", got.RecordID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBus_UnhandledTypeIsAcked(t *testing.T) {
	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub)
	require.NoError(t, bus.Subscribe(t.Context()))

	// No handler registered; publish must not wedge the subscriber.
	require.NoError(t, bus.Publish(t.Context(), "run-1", events.RunCompleted{
		BaseEvent: events.BaseEvent{ID: "e-1", Type: events.RunCompletedEvent},
	}))
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub)

	assert.NotEmpty(t, bus.GenerateID())
	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}

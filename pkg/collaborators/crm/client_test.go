package crm

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/pkg/protocol"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(server.URL, slog.New(slog.DiscardHandler))
}

func TestRender(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/templates/tpl-1/render", r.URL.Path)

		var req renderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Ada", req.RecordContext["first_name"])

		json.NewEncoder(w).Encode(renderResponse{Subject: "Hi Ada", Body: "welcome"})
	})

	rendered, err := client.Render(t.Context(), "tpl-1", map[string]any{"first_name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada", rendered.Subject)
	assert.Equal(t, "welcome", rendered.Body)
}

func TestRenderMissingTemplate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.Render(t.Context(), "tpl-unknown", nil)
	assert.ErrorIs(t, err, protocol.ErrTemplateNotFound)
}

func TestSendEmailGatewayOutage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.SendEmail(t.Context(), "a@example.com", "s", "b", "", nil, nil)
	assert.ErrorIs(t, err, protocol.ErrDelivery)
}

func TestSendEmailThreading(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req emailRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "thread-9", req.ThreadID)

		json.NewEncoder(w).Encode(sendResponse{MessageID: "msg-1", ThreadID: req.ThreadID})
	})

	sent, err := client.SendEmail(t.Context(), "a@example.com", "s", "b", "thread-9", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", sent.MessageID)
	assert.Equal(t, "thread-9", sent.ThreadID)
}

func TestCreateTaskAndCallSlot(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tasks":
			json.NewEncoder(w).Encode(taskResponse{TaskID: "task-1"})
		case "/call-slots":
			json.NewEncoder(w).Encode(callSlotResponse{CallSlotID: "slot-1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	taskID, err := client.CreateTask(t.Context(), "Call the VIP", time.Now().Add(48*time.Hour), true)
	require.NoError(t, err)
	assert.Equal(t, "task-1", taskID)

	slotID, err := client.CreateCallSlot(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "slot-1", slotID)
}

func TestGetRecord(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/records/lead-1" {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		json.NewEncoder(w).Encode(map[string]any{"email": "ada@example.com"})
	})

	attrs, err := client.Get(t.Context(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", attrs["email"])

	_, err = client.Get(t.Context(), "lead-unknown")
	assert.ErrorIs(t, err, protocol.ErrRecordNotFound)
}

func TestListRecords(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nurture", req.Filter["stage"])

		json.NewEncoder(w).Encode(searchResponse{RecordIDs: []string{"lead-1", "lead-2"}})
	})

	ids, err := client.List(t.Context(), map[string]any{"stage": "nurture"})
	require.NoError(t, err)
	assert.Equal(t, []string{"lead-1", "lead-2"}, ids)
}

func TestCreateTaskGone404IsNotTemplateError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.CreateTask(t.Context(), "Call the VIP", time.Now().Add(48*time.Hour), true)
	require.Error(t, err)
	assert.NotErrorIs(t, err, protocol.ErrTemplateNotFound)
	assert.NotErrorIs(t, err, protocol.ErrDelivery)
	assert.Contains(t, err.Error(), "gateway returned 404")
}

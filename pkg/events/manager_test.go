package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/models"
	"github.com/seekerlab/seeker/pkg/services"
	testdb "github.com/seekerlab/seeker/test/database"
)

type managerHarness struct {
	manager  *ConnectionManager
	server   *httptest.Server
	eventSvc *services.EventService
	jobID    string
}

func setupManagerTest(t *testing.T) *managerHarness {
	t.Helper()
	client := testdb.NewTestClient(t)
	jobs := services.NewJobService(client, config.DefaultIdempotencyConfig())
	eventSvc := services.NewEventService(client)
	streamer := NewStreamer(eventSvc, jobs, 20*time.Millisecond)
	manager := NewConnectionManager(NewEventServiceAdapter(eventSvc), streamer, 5*time.Second)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)

	out, err := jobs.Enqueue(context.Background(), services.EnqueueInput{
		Params: json.RawMessage(`{"query":"delivery test"}`),
	})
	require.NoError(t, err)

	return &managerHarness{manager: manager, server: server, eventSvc: eventSvc, jobID: out.Job.ID}
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeClientMessage(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

// expectSilence asserts nothing arrives on the connection for a short
// window.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err, "expected no delivery")
}

func TestConnection_MarkDelivered(t *testing.T) {
	c := &Connection{delivered: make(map[string]int64)}

	assert.True(t, c.markDelivered("job:a", 5))
	assert.False(t, c.markDelivered("job:a", 5), "same id twice")
	assert.False(t, c.markDelivered("job:a", 3), "older id after newer")
	assert.True(t, c.markDelivered("job:a", 6))

	// Channels have independent cursors.
	assert.True(t, c.markDelivered("job:b", 5))

	c.clearDelivered("job:a")
	assert.True(t, c.markDelivered("job:a", 1), "cursor resets after clear")
}

func TestConnectionManager_SubscribeDeliversHistoryExactlyOnce(t *testing.T) {
	h := setupManagerTest(t)
	ctx := context.Background()

	startedID, err := h.eventSvc.Append(ctx, h.jobID, EventTypeStarted, StartedPayload{Attempt: 1})
	require.NoError(t, err)

	conn := connectWS(t, h.server)
	readJSON(t, conn) // connection.established

	channel := JobChannel(h.jobID)
	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: channel})

	confirmed := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", confirmed["type"])

	// Catchup replays the journal: submitted then started, each once.
	first := readJSON(t, conn)
	assert.Equal(t, "submitted", first["type"])
	second := readJSON(t, conn)
	assert.Equal(t, "started", second["type"])
	assert.Equal(t, float64(startedID), second["db_event_id"])

	// A poller re-broadcasting a row catchup already sent is suppressed
	// server-side.
	data, err := MarshalWire(channel, models.JobEvent{ID: startedID, JobID: h.jobID, Type: EventTypeStarted})
	require.NoError(t, err)
	h.manager.BroadcastEvent(channel, startedID, data)
	expectSilence(t, conn)

	// A genuinely new row still flows through the live tail, once.
	progressID, err := h.eventSvc.Append(ctx, h.jobID, EventTypeProgress, ProgressPayload{Stage: "planning"})
	require.NoError(t, err)

	live := readJSON(t, conn)
	assert.Equal(t, "progress", live["type"])
	assert.Equal(t, float64(progressID), live["db_event_id"])

	data, err = MarshalWire(channel, models.JobEvent{ID: progressID, JobID: h.jobID, Type: EventTypeProgress})
	require.NoError(t, err)
	h.manager.BroadcastEvent(channel, progressID, data)
	expectSilence(t, conn)
}

func TestConnectionManager_ExplicitCatchupSkipsDeliveredRows(t *testing.T) {
	h := setupManagerTest(t)
	ctx := context.Background()

	_, err := h.eventSvc.Append(ctx, h.jobID, EventTypeStarted, StartedPayload{Attempt: 1})
	require.NoError(t, err)

	conn := connectWS(t, h.server)
	readJSON(t, conn) // connection.established

	channel := JobChannel(h.jobID)
	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: channel})
	readJSON(t, conn) // subscription.confirmed
	readJSON(t, conn) // submitted
	readJSON(t, conn) // started

	// Re-requesting catchup from zero must not re-send anything.
	var lastEventID int64
	writeClientMessage(t, conn, ClientMessage{Action: "catchup", Channel: channel, LastEventID: &lastEventID})
	expectSilence(t, conn)

	// The connection is still healthy.
	writeClientMessage(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/seekerlab/seeker/pkg/models"
)

// catchupLimit is the maximum number of events returned in a catchup response.
// If more events are missed, a catchup.overflow message tells the client to
// re-fetch the job state over REST instead of paginating catchup requests.
const catchupLimit = 200

// CatchupEvent holds the data returned by the catchup query.
type CatchupEvent struct {
	ID        int64
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// CatchupQuerier queries journal events for catchup. Implemented by
// EventServiceAdapter.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error)
}

// ConnectionManager manages WebSocket connections and channel
// subscriptions. Each process has one instance; cross-replica delivery
// works because every channel poller tails the shared journal table.
type ConnectionManager struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	// Per-channel journal pollers: channel → poller handle. The
	// generation counter lets a poller's own cleanup detect that a
	// rapid unsubscribe/resubscribe cycle already replaced it.
	pollers   map[string]pollerHandle
	pollerGen uint64
	pollerMu  sync.Mutex

	catchupQuerier CatchupQuerier
	streamer       *Streamer

	// Write timeout for WebSocket sends
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed WITHOUT a lock. This is safe because all reads and
// writes (subscribe, unsubscribe, unregisterConnection) happen on the single
// goroutine that owns this connection (HandleConnection's read loop and its
// deferred cleanup). If a Connection is ever mutated from a different goroutine
// subscriptions must be protected by a mutex.
//
// delivered IS mutex-protected: channel pollers advance it from their
// own goroutines while catchup advances it from the read loop.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc

	// delivered holds, per channel, the highest journal event id this
	// connection has been sent. Catchup and the live poller both gate on
	// it, so a row crossing the subscribe boundary is delivered once.
	deliveredMu sync.Mutex
	delivered   map[string]int64
}

// markDelivered records eventID as sent on channel, reporting whether it
// advances past everything already delivered there.
func (c *Connection) markDelivered(channel string, eventID int64) bool {
	c.deliveredMu.Lock()
	defer c.deliveredMu.Unlock()
	if eventID <= c.delivered[channel] {
		return false
	}
	c.delivered[channel] = eventID
	return true
}

// clearDelivered drops the channel's cursor so a future resubscribe
// replays full history again.
func (c *Connection) clearDelivered(channel string) {
	c.deliveredMu.Lock()
	delete(c.delivered, channel)
	c.deliveredMu.Unlock()
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(catchupQuerier CatchupQuerier, streamer *Streamer, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:    make(map[string]*Connection),
		channels:       make(map[string]map[string]bool),
		pollers:        make(map[string]pollerHandle),
		catchupQuerier: catchupQuerier,
		streamer:       streamer,
		writeTimeout:   writeTimeout,
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
		delivered:     make(map[string]int64),
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	// Read loop — process client messages until connection closes
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

// BroadcastEvent delivers one journal row to every subscriber of the
// channel, skipping connections that already received it via catchup.
func (m *ConnectionManager) BroadcastEvent(channel string, eventID int64, event []byte) {
	for _, conn := range m.subscribers(channel) {
		if !conn.markDelivered(channel, eventID) {
			continue
		}
		if err := m.sendRaw(conn, event); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

// subscribers snapshots the connections subscribed to a channel. The
// snapshot is taken under the locks and released before any send, so
// slow writes (up to writeTimeout per connection) never stall
// register/unregister operations.
func (m *ConnectionManager) subscribers(channel string) []*Connection {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return nil
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()
	return conns
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported — used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

// handleClientMessage dispatches a client message to the appropriate handler.
func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		if JobIDFromChannel(msg.Channel) == "" {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "unknown channel",
			})
			return
		}
		m.subscribe(c, msg.Channel)
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Auto catch-up: deliver all prior events so late subscribers
		// don't miss anything. The channel poller is already tailing at
		// this point, so the gap between catchup and live delivery is
		// closed; the per-connection delivered cursor suppresses the row
		// both paths would otherwise send.
		m.handleCatchup(ctx, c, msg.Channel, 0)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for catchup"})
			return
		}
		if msg.LastEventID != nil {
			m.handleCatchup(ctx, c, msg.Channel, *msg.LastEventID)
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe registers a connection for a channel and starts the journal
// poller if this is the first subscriber. The poller is started before
// subscribe returns so the subsequent auto-catchup runs with tailing
// already active.
func (m *ConnectionManager) subscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	needsPoller := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsPoller = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if needsPoller {
		m.startPoller(channel)
	}

	c.subscriptions[channel] = true
}

// pollerHandle tracks one channel poller goroutine.
type pollerHandle struct {
	cancel context.CancelFunc
	gen    uint64
}

// startPoller launches a goroutine tailing the journal for a channel,
// broadcasting each new row. The poller exits on its own once the
// terminal event has been broadcast, or when cancelled by the last
// unsubscribe.
func (m *ConnectionManager) startPoller(channel string) {
	jobID := JobIDFromChannel(channel)

	ctx, cancel := context.WithCancel(context.Background())

	m.pollerMu.Lock()
	if prev, exists := m.pollers[channel]; exists {
		prev.cancel()
	}
	m.pollerGen++
	gen := m.pollerGen
	m.pollers[channel] = pollerHandle{cancel: cancel, gen: gen}
	m.pollerMu.Unlock()

	go func() {
		defer func() {
			m.pollerMu.Lock()
			// A resubscribe may have replaced this poller already.
			if current, exists := m.pollers[channel]; exists && current.gen == gen {
				delete(m.pollers, channel)
			}
			m.pollerMu.Unlock()
			cancel()
		}()

		// Tail from the current head — history is delivered per
		// connection by catchup, not broadcast.
		cursor, err := m.streamer.LatestID(ctx, jobID)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("Failed to read journal head",
					"channel", channel, "error", err)
			}
			return
		}

		err = m.streamer.Stream(ctx, jobID, cursor, func(evt models.JobEvent) error {
			data, err := MarshalWire(channel, evt)
			if err != nil {
				slog.Warn("Failed to marshal journal event",
					"channel", channel, "event_id", evt.ID, "error", err)
				return nil
			}
			m.BroadcastEvent(channel, evt.ID, data)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("Channel poller stopped with error",
				"channel", channel, "error", err)
		}
	}()
}

// unsubscribe removes a connection from a channel and stops the poller
// if this was the last subscriber.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			m.pollerMu.Lock()
			if handle, exists := m.pollers[channel]; exists {
				handle.cancel()
				delete(m.pollers, channel)
			}
			m.pollerMu.Unlock()
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
	c.clearDelivered(channel)
}

// handleCatchup sends missed events since lastEventID to the client.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, channel string, lastEventID int64) {
	if m.catchupQuerier == nil {
		return
	}

	// Query events since lastEventID (capped at catchupLimit + 1 to detect overflow)
	catchupEvents, err := m.catchupQuerier.GetCatchupEvents(ctx, channel, lastEventID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}

	hasMore := len(catchupEvents) > catchupLimit
	if hasMore {
		catchupEvents = catchupEvents[:catchupLimit]
	}

	for _, evt := range catchupEvents {
		if !c.markDelivered(channel, evt.ID) {
			// The live poller beat catchup to this row.
			continue
		}
		data, err := MarshalWire(channel, models.JobEvent{
			ID:        evt.ID,
			JobID:     JobIDFromChannel(channel),
			Type:      evt.Type,
			Payload:   evt.Payload,
			CreatedAt: evt.CreatedAt,
		})
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, data); err != nil {
			slog.Warn("Failed to send catchup event",
				"connection_id", c.ID, "error", err)
			return
		}
	}

	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection and all its subscriptions.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}

package models

import (
	"encoding/json"
	"time"
)

// TransportKind identifies the transport a session arrived on.
type TransportKind string

// Transport kinds.
const (
	TransportStdio     TransportKind = "stdio"
	TransportHTTP      TransportKind = "http"
	TransportWebSocket TransportKind = "websocket"
	TransportSSE       TransportKind = "sse"
)

// Session represents one connected client on one transport. HTTP sessions
// are persisted so stateless clients can resume across restarts; a
// background sweep removes sessions idle past the configured TTL.
type Session struct {
	ID              string          `json:"id"`
	Transport       TransportKind   `json:"transport"`
	ProtocolVersion string          `json:"protocol_version"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	Subscriptions   []string        `json:"subscriptions,omitempty"`
	Principal       *string         `json:"principal,omitempty"`
	LastSeenAt      time.Time       `json:"last_seen_at"`
	CreatedAt       time.Time       `json:"created_at"`
}

package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/seekerlab/seeker/pkg/models"
)

// WireEvent is the delivery envelope for a journal row. db_event_id is
// the client's resume cursor: reconnecting with it as last_event_id (or
// SSE Last-Event-ID) replays everything newer.
type WireEvent struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	JobID     string          `json:"job_id"`
	DBEventID int64           `json:"db_event_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// MarshalWire wraps a journal row in the wire envelope.
func MarshalWire(channel string, evt models.JobEvent) ([]byte, error) {
	data, err := json.Marshal(WireEvent{
		Type:      evt.Type,
		Channel:   channel,
		JobID:     evt.JobID,
		DBEventID: evt.ID,
		Payload:   evt.Payload,
		CreatedAt: evt.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling wire event %d: %w", evt.ID, err)
	}
	return data, nil
}

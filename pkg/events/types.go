// Package events provides real-time delivery of job journal events to
// WebSocket and SSE clients.
//
// Every event is first appended to the job_events table (see
// services.EventService); delivery is a poll of that journal, so a
// consumer that reconnects with its last seen event id replays exactly
// the rows it missed. Event ids are strictly increasing per job and the
// journal always ends with exactly one terminal event.
//
// Lifecycle of a research job's journal:
//
//	submitted        {job_id, type}
//	started          {attempt}
//	progress         {stage, message}           (repeated)
//	agent_started    {index, subQuery, model}   (per sub-agent)
//	agent_completed  {index, durationMs}
//	agent_failed     {index, error}
//	synthesis_token  {delta, tokens}            (high frequency)
//	report_saved     {reportId}
//	ui_hint          {url}
//	completed | error | canceled                (terminal, exactly one)
//
// abandoned may appear mid-journal when a lease expired and the job was
// re-queued; a new started event follows on the next attempt.
package events

// Journal event types.
const (
	EventTypeSubmitted = "submitted"
	EventTypeStarted   = "started"
	EventTypeProgress  = "progress"

	EventTypeAgentStarted   = "agent_started"
	EventTypeAgentCompleted = "agent_completed"
	EventTypeAgentFailed    = "agent_failed"
	EventTypeAgentUsage     = "agent_usage"

	EventTypeSynthesisToken = "synthesis_token"
	EventTypeSynthesisError = "synthesis_error"

	EventTypeReportSaved = "report_saved"
	EventTypeUIHint      = "ui_hint"

	EventTypeAbandoned = "abandoned"

	// Terminal types — the journal ends with exactly one of these.
	EventTypeCompleted = "completed"
	EventTypeError     = "error"
	EventTypeCanceled  = "canceled"
)

// IsTerminalEvent reports whether an event type closes the journal.
func IsTerminalEvent(eventType string) bool {
	switch eventType {
	case EventTypeCompleted, EventTypeError, EventTypeCanceled:
		return true
	}
	return false
}

// JobChannel returns the delivery channel name for a job's events.
// Format: "job:{job_id}"
func JobChannel(jobID string) string {
	return "job:" + jobID
}

// JobIDFromChannel extracts the job id from a channel name, or "" when
// the channel is not a job channel.
func JobIDFromChannel(channel string) string {
	const prefix = "job:"
	if len(channel) > len(prefix) && channel[:len(prefix)] == prefix {
		return channel[len(prefix):]
	}
	return ""
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // Channel name (e.g., "job:job_123_abc")
	LastEventID *int64 `json:"last_event_id,omitempty"` // For catchup
}

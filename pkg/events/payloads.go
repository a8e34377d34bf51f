package events

// Typed payloads for journal events. These are what the Publisher
// marshals into job_events.payload; field names are part of the wire
// contract with streaming clients.

// StartedPayload marks the beginning of an execution attempt.
type StartedPayload struct {
	Attempt int `json:"attempt"`
}

// ProgressPayload reports a coarse orchestration stage transition.
// Completed/Total count finished units within the stage (sub-agents
// during fan-out); Tokens is the cumulative count during synthesis.
type ProgressPayload struct {
	Stage     string `json:"stage"`
	Message   string `json:"message,omitempty"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Tokens    int    `json:"tokens,omitempty"`
}

// AgentStartedPayload marks a sub-agent dispatch within the ensemble.
type AgentStartedPayload struct {
	Index    int    `json:"index"`
	SubQuery string `json:"subQuery"`
	Model    string `json:"model"`
}

// AgentCompletedPayload marks a sub-agent finishing successfully.
type AgentCompletedPayload struct {
	Index      int    `json:"index"`
	Model      string `json:"model"`
	DurationMs int64  `json:"durationMs"`
	Fallback   bool   `json:"fallback,omitempty"`
}

// AgentFailedPayload marks a sub-agent failure. The ensemble continues
// as long as at least one sub-agent succeeds.
type AgentFailedPayload struct {
	Index int    `json:"index"`
	Model string `json:"model"`
	Error string `json:"error"`
}

// AgentUsagePayload reports one sub-agent's provider token usage.
type AgentUsagePayload struct {
	Index            int    `json:"index"`
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// SynthesisTokenPayload carries one streamed synthesis chunk. Tokens is
// the cumulative count, used by clients for progress display.
type SynthesisTokenPayload struct {
	Delta  string `json:"delta"`
	Tokens int    `json:"tokens"`
}

// SynthesisErrorPayload reports a synthesis failure after successful
// sub-agent research; the job still fails, but clients can distinguish
// it from a total failure.
type SynthesisErrorPayload struct {
	Error string `json:"error"`
}

// ReportSavedPayload announces the persisted report id.
type ReportSavedPayload struct {
	ReportID int64 `json:"reportId"`
}

// UIHintPayload points clients at a browsable rendering of the result.
type UIHintPayload struct {
	URL string `json:"url"`
}

// ErrorPayload is the terminal failure payload.
type ErrorPayload struct {
	Message string `json:"message"`
}

// AbandonedPayload records a lease expiry reclaim.
type AbandonedPayload struct {
	Attempt int `json:"attempt"`
}

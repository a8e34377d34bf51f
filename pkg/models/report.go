package models

import (
	"encoding/json"
	"time"
)

// Report is a persisted research result. The embedding column dimension
// always equals the store's configured vector dimension; rows written
// before a dimension change have their embeddings cleared and are
// re-embedded in the background.
type Report struct {
	ID        int64           `json:"id"`
	Query     string          `json:"query"`
	Params    json.RawMessage `json:"params,omitempty"`
	Content   string          `json:"content"`
	Embedding []float32       `json:"-"`
	Rating    *int            `json:"rating,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// UsageTotals aggregates token usage across sub-agents and synthesis.
type UsageTotals struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add accumulates another usage record field-wise.
func (u *UsageTotals) Add(other UsageTotals) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Document is one row of the BM25 document index.
type Document struct {
	ID        int64     `json:"id"`
	SourceID  string    `json:"source_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Length    int       `json:"length"`
	CreatedAt time.Time `json:"created_at"`
}

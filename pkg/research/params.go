// Package research implements the ensemble orchestrator that executes
// one research job: plan sub-queries, fan out to parallel sub-agents,
// stream a synthesized answer, and persist the final report.
package research

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// Params is the parameter blob of a research job. Defaults mirror the
// dispatcher's category defaults so a job enqueued through any path
// behaves identically.
type Params struct {
	Query          string `json:"query"`
	CostPreference string `json:"costPreference,omitempty"`
	AudienceLevel  string `json:"audienceLevel,omitempty"`
	OutputFormat   string `json:"outputFormat,omitempty"`
	IncludeSources bool   `json:"includeSources"`
	MaxLength      *int   `json:"maxLength,omitempty"`
	Seed           *int64 `json:"seed,omitempty"`

	// ContextReportID seeds a follow-up with a prior report's content.
	ContextReportID int64 `json:"contextReportId,omitempty"`

	// RetryOf links an idempotent retry to the job it replaces.
	RetryOf string `json:"_retry_of,omitempty"`
}

// ParseParams decodes a job's parameter blob and applies defaults.
func ParseParams(raw json.RawMessage) (Params, error) {
	p := Params{IncludeSources: true}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, fmt.Errorf("parsing research params: %w", err)
		}
	}
	if p.Query == "" {
		return p, fmt.Errorf("parsing research params: query must not be empty")
	}
	if p.CostPreference == "" {
		p.CostPreference = "low"
	}
	if p.AudienceLevel == "" {
		p.AudienceLevel = "intermediate"
	}
	if p.OutputFormat == "" {
		p.OutputFormat = "report"
	}
	return p, nil
}

// DeriveSeed produces a stable provider seed from a job id, used when
// the caller supplied none and deterministic mode is on.
func DeriveSeed(jobID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

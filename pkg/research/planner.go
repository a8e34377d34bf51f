package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/seekerlab/seeker/pkg/llm"
)

// SubQuery is one planned line of investigation.
type SubQuery struct {
	Tag    string `json:"tag"`
	Query  string `json:"query"`
	Domain string `json:"domain,omitempty"`
}

// CompletionClient is the slice of the provider client the orchestrator
// needs. *llm.Client satisfies it.
type CompletionClient interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	Stream(ctx context.Context, req llm.CompletionRequest, onDelta llm.DeltaFunc) (*llm.CompletionResponse, error)
}

const planSystemPrompt = `You are a research planner. Decompose the user's question into focused sub-queries.
Respond with a JSON array only, no prose: [{"tag":"...","query":"...","domain":"..."}]
Use between 1 and %d sub-queries. Tags are short lowercase identifiers.`

// plan asks the planning model for sub-queries. Any failure — provider
// error, unparseable response — falls back to a single sub-query equal
// to the original question, so planning can never fail a job.
func (o *Orchestrator) plan(ctx context.Context, p Params, contextText string, seed *int64) ([]SubQuery, *llm.CompletionResponse) {
	prompt := p.Query
	if contextText != "" {
		prompt = fmt.Sprintf("Previous report for context:\n%s\n\nFollow-up question: %s", contextText, p.Query)
	}

	resp, err := o.llm.Complete(ctx, llm.CompletionRequest{
		Model:  o.modelFor(p.CostPreference),
		System: fmt.Sprintf(planSystemPrompt, o.cfg.MaxSubAgents()),
		Prompt: prompt,
		Seed:   seed,
	})
	if err != nil {
		slog.Warn("Planning call failed, falling back to single sub-query", "error", err)
		return []SubQuery{{Tag: "general", Query: p.Query}}, nil
	}

	subs := parsePlan(resp.Content, o.cfg.MaxSubAgents())
	if len(subs) == 0 {
		slog.Warn("Plan response unparseable, falling back to single sub-query")
		subs = []SubQuery{{Tag: "general", Query: p.Query}}
	}
	return subs, resp
}

// parsePlan extracts sub-queries from a model response. The model is
// asked for a bare JSON array but real responses wrap it in prose or
// code fences, so parsing hunts for the outermost bracket pair.
func parsePlan(content string, maxSubQueries int) []SubQuery {
	var subs []SubQuery
	if err := json.Unmarshal([]byte(content), &subs); err != nil {
		start := strings.Index(content, "[")
		end := strings.LastIndex(content, "]")
		if start < 0 || end <= start {
			return nil
		}
		if err := json.Unmarshal([]byte(content[start:end+1]), &subs); err != nil {
			return nil
		}
	}

	valid := subs[:0]
	for _, s := range subs {
		if strings.TrimSpace(s.Query) == "" {
			continue
		}
		if s.Tag == "" {
			s.Tag = fmt.Sprintf("sub%d", len(valid)+1)
		}
		valid = append(valid, s)
	}
	if len(valid) > maxSubQueries {
		valid = valid[:maxSubQueries]
	}
	return valid
}

package mcp

import (
	"encoding/json"
	"fmt"
)

// promptDef is one server-side prompt template.
type promptDef struct {
	prompt Prompt
	render func(args map[string]string) []PromptMessage
}

// promptDefs is the static prompt catalog.
func promptDefs() map[string]promptDef {
	return map[string]promptDef{
		"deep_research": {
			prompt: Prompt{
				Name:        "deep_research",
				Description: "Kick off thorough multi-angle research on a topic.",
				Arguments: []PromptArgument{
					{Name: "topic", Description: "The subject to research", Required: true},
					{Name: "audience", Description: "Target audience level"},
				},
			},
			render: func(args map[string]string) []PromptMessage {
				audience := args["audience"]
				if audience == "" {
					audience = "intermediate"
				}
				text := fmt.Sprintf(
					"Research the following topic thoroughly from multiple angles and "+
						"produce a structured report for an %s audience:\n\n%s",
					audience, args["topic"])
				return []PromptMessage{{Role: "user", Content: ContentBlock{Type: "text", Text: text}}}
			},
		},
		"summarize_report": {
			prompt: Prompt{
				Name:        "summarize_report",
				Description: "Condense a stored report into a short summary.",
				Arguments: []PromptArgument{
					{Name: "report_id", Description: "The report to summarize", Required: true},
				},
			},
			render: func(args map[string]string) []PromptMessage {
				text := fmt.Sprintf(
					"Fetch report %s with the get_report tool and summarize its key findings in five bullet points.",
					args["report_id"])
				return []PromptMessage{{Role: "user", Content: ContentBlock{Type: "text", Text: text}}}
			},
		},
	}
}

// listPrompts renders the catalog for prompts/list.
func listPrompts() []Prompt {
	defs := promptDefs()
	prompts := make([]Prompt, 0, len(defs))
	// Stable order for clients that diff the list.
	for _, name := range []string{"deep_research", "summarize_report"} {
		prompts = append(prompts, defs[name].prompt)
	}
	return prompts
}

// handlePromptsGet renders one prompt with its arguments.
func (d *Dispatcher) handlePromptsGet(req *Request) *Response {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return NewErrorResponse(req.ID, CodeInvalidParams, "prompts/get requires a prompt name", nil)
	}

	def, ok := promptDefs()[params.Name]
	if !ok {
		return NewErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("unknown prompt %q", params.Name), nil)
	}

	var missing []string
	for _, arg := range def.prompt.Arguments {
		if arg.Required && params.Arguments[arg.Name] == "" {
			missing = append(missing, arg.Name)
		}
	}
	if len(missing) > 0 {
		return NewErrorResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("missing required prompt arguments for %q", params.Name),
			invalidParamsData{MissingFields: missing})
	}

	return NewResponse(req.ID, map[string]any{
		"description": def.prompt.Description,
		"messages":    def.render(params.Arguments),
	})
}

package mcp

import (
	"context"
	"sort"

	"github.com/seekerlab/seeker/pkg/config"
)

// OAuth scopes enforced at tools/call. API-key principals hold the
// wildcard scope and pass every check.
const (
	ScopeWildcard      = "*"
	ScopeResearchWrite = "mcp:research:write"
	ScopeRetrieveRead  = "mcp:retrieve:read"
	ScopeJobsWrite     = "mcp:jobs:write"
	ScopeKBWrite       = "mcp:kb:write"
)

// KnownScopes is advertised in the RFC 9728 discovery metadata.
var KnownScopes = []string{ScopeResearchWrite, ScopeRetrieveRead, ScopeJobsWrite, ScopeKBWrite}

type toolHandler func(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) *ToolResult

// toolRPCHandler is a handler that may reject with an rpc error instead
// of a tool result. The agent router uses it to pass through scope
// rejections from its routed target.
type toolRPCHandler func(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) (*ToolResult, *Error)

// toolSpec is the internal declaration of one tool: schema, category for
// alias/default tables, required scope, and handler. Exactly one of
// handler and rpcHandler is set.
type toolSpec struct {
	name        string
	description string
	category    string
	scope       string
	fields      map[string]fieldSpec
	handler     toolHandler
	rpcHandler  toolRPCHandler
}

// agentToolNames is the exact catalog exposed in AGENT mode.
var agentToolNames = []string{
	"agent", "ping", "get_server_status", "job_status", "get_job_status", "cancel_job",
}

// manualToolNames exposes every individual tool for direct invocation.
var manualToolNames = []string{
	"research", "follow_up", "retrieve", "graph_query",
	"job_status", "get_job_status", "cancel_job", "list_jobs",
	"get_report", "rate_report", "list_reports",
	"index_document", "remove_document",
	"graph_add_node", "graph_add_edge",
	"get_server_status", "ping",
}

// researchFields is shared by research, follow_up, and the agent router.
func researchFields() map[string]fieldSpec {
	return map[string]fieldSpec{
		"query":          {typ: "string", required: true, desc: "Research question"},
		"costPreference": {typ: "string", desc: "Model budget", enum: []string{"low", "balanced", "high", "quality"}},
		"audienceLevel":  {typ: "string", desc: "Target audience", enum: []string{"beginner", "intermediate", "expert"}},
		"outputFormat":   {typ: "string", desc: "Report shape", enum: []string{"report", "summary", "bullet_points"}},
		"includeSources": {typ: "boolean", desc: "Include source citations"},
		"maxLength":      {typ: "integer", desc: "Max report length in words", min: floatPtr(1)},
		"async":          {typ: "boolean", desc: "Return a job id immediately instead of waiting"},
		"force_new":      {typ: "boolean", desc: "Bypass idempotent deduplication"},
		"idempotencyKey": {typ: "string", desc: "Client-supplied idempotency key (alphanumeric+dash, max 64 chars)"},
		"notifyUrl":      {typ: "string", desc: "Webhook called on job completion"},
		"seed":           {typ: "integer", desc: "Provider seed for reproducible runs"},
		"images":         {typ: "array", desc: "Image attachments"},
		"textDocuments":  {typ: "array", desc: "Text document attachments"},
		"structuredData": {typ: "array", desc: "Structured data attachments"},
	}
}

// toolSpecs declares every tool the server can expose. Mode filtering
// happens in catalogFor.
func toolSpecs() map[string]*toolSpec {
	specs := []*toolSpec{
		{
			name:        "agent",
			description: "Unified entry point: routes to research, retrieve, follow_up, or graph_query based on the arguments.",
			category:    categoryResearch,
			fields: func() map[string]fieldSpec {
				f := researchFields()
				f["query"] = fieldSpec{typ: "string", desc: "Research question or search query"}
				f["action"] = fieldSpec{typ: "string", desc: "Explicit routing override",
					enum: []string{"research", "retrieve", "follow_up", "graph_query"}}
				f["node"] = fieldSpec{typ: "string", desc: "Graph node name (routes to graph_query)"}
				f["contextReportId"] = fieldSpec{typ: "integer", desc: "Prior report id (routes to follow_up)"}
				f["limit"] = fieldSpec{typ: "integer", desc: "Result count for retrieval", min: floatPtr(1), max: floatPtr(50)}
				f["scope"] = fieldSpec{typ: "string", desc: "Retrieval scope", enum: []string{"reports", "docs", "both"}}
				f["rerank"] = fieldSpec{typ: "boolean", desc: "Rerank retrieval results"}
				return f
			}(),
			rpcHandler: routeAgentCall,
		},
		{
			name:        "research",
			description: "Run ensemble research on a query: plan, fan out to parallel sub-agents, synthesize, and persist a report.",
			category:    categoryResearch,
			scope:       ScopeResearchWrite,
			fields:      researchFields(),
			handler:     handleResearch,
		},
		{
			name:        "follow_up",
			description: "Continue research from a prior report, carrying its findings as context.",
			category:    categoryResearch,
			scope:       ScopeResearchWrite,
			fields: func() map[string]fieldSpec {
				f := researchFields()
				f["contextReportId"] = fieldSpec{typ: "integer", required: true, desc: "Report id to build on"}
				return f
			}(),
			handler: handleFollowUp,
		},
		{
			name:        "retrieve",
			description: "Hybrid search over stored reports and documents: BM25 + dense vectors + graph expansion.",
			category:    categorySearch,
			scope:       ScopeRetrieveRead,
			fields: map[string]fieldSpec{
				"query":  {typ: "string", required: true, desc: "Search query"},
				"limit":  {typ: "integer", desc: "Result count", min: floatPtr(1), max: floatPtr(50)},
				"scope":  {typ: "string", desc: "Item kinds to search", enum: []string{"reports", "docs", "both"}},
				"rerank": {typ: "boolean", desc: "Re-score top results with the external reranker"},
			},
			handler: handleRetrieve,
		},
		{
			name:        "graph_query",
			description: "Look up a knowledge-graph node by name and expand its neighborhood.",
			category:    categoryGraph,
			scope:       ScopeRetrieveRead,
			fields: map[string]fieldSpec{
				"node":    {typ: "string", required: true, desc: "Node name (case-insensitive)"},
				"maxHops": {typ: "integer", desc: "Traversal depth", min: floatPtr(1), max: floatPtr(5)},
				"limit":   {typ: "integer", desc: "Max neighbors", min: floatPtr(1), max: floatPtr(200)},
			},
			handler: handleGraphQuery,
		},
		{
			name:        "job_status",
			description: "Fetch the current status, result, and event-stream URL of a job.",
			category:    categoryJob,
			fields: map[string]fieldSpec{
				"id": {typ: "string", required: true, desc: "Job id"},
			},
			handler: handleJobStatus,
		},
		{
			name:        "get_job_status",
			description: "Alias of job_status.",
			category:    categoryJob,
			fields: map[string]fieldSpec{
				"id": {typ: "string", required: true, desc: "Job id"},
			},
			handler: handleJobStatus,
		},
		{
			name:        "cancel_job",
			description: "Cancel a queued or running job.",
			category:    categoryJob,
			scope:       ScopeJobsWrite,
			fields: map[string]fieldSpec{
				"id": {typ: "string", required: true, desc: "Job id"},
			},
			handler: handleCancelJob,
		},
		{
			name:        "list_jobs",
			description: "List recent jobs, optionally filtered by status.",
			category:    categoryJob,
			fields: map[string]fieldSpec{
				"limit":  {typ: "integer", desc: "Max jobs", min: floatPtr(1), max: floatPtr(100)},
				"status": {typ: "string", desc: "Status filter", enum: []string{"queued", "running", "succeeded", "failed", "canceled"}},
			},
			handler: handleListJobs,
		},
		{
			name:        "get_report",
			description: "Fetch a persisted research report by its numeric id.",
			category:    categoryReport,
			scope:       ScopeRetrieveRead,
			fields: map[string]fieldSpec{
				"id": {typ: "integer", required: true, desc: "Report id"},
			},
			handler: handleGetReport,
		},
		{
			name:        "rate_report",
			description: "Attach a 1-5 quality rating to a report.",
			category:    categoryReport,
			scope:       ScopeKBWrite,
			fields: map[string]fieldSpec{
				"id":     {typ: "integer", required: true, desc: "Report id"},
				"rating": {typ: "integer", required: true, desc: "Rating", min: floatPtr(1), max: floatPtr(5)},
			},
			handler: handleRateReport,
		},
		{
			name:        "list_reports",
			description: "List the most recent reports.",
			category:    categoryReport,
			scope:       ScopeRetrieveRead,
			fields: map[string]fieldSpec{
				"limit": {typ: "integer", desc: "Max reports", min: floatPtr(1), max: floatPtr(100)},
			},
			handler: handleListReports,
		},
		{
			name:        "index_document",
			description: "Add or replace a document in the lexical search index.",
			category:    categoryDocument,
			scope:       ScopeKBWrite,
			fields: map[string]fieldSpec{
				"id":      {typ: "string", required: true, desc: "Stable document id"},
				"title":   {typ: "string", desc: "Document title"},
				"content": {typ: "string", required: true, desc: "Document body"},
			},
			handler: handleIndexDocument,
		},
		{
			name:        "remove_document",
			description: "Remove a document from the lexical search index.",
			category:    categoryDocument,
			scope:       ScopeKBWrite,
			fields: map[string]fieldSpec{
				"id": {typ: "string", required: true, desc: "Document id"},
			},
			handler: handleRemoveDocument,
		},
		{
			name:        "graph_add_node",
			description: "Upsert a knowledge-graph node.",
			category:    categoryGraph,
			scope:       ScopeKBWrite,
			fields: map[string]fieldSpec{
				"name":        {typ: "string", required: true, desc: "Canonical node name"},
				"type":        {typ: "string", desc: "Node type"},
				"description": {typ: "string", desc: "Short description"},
			},
			handler: handleGraphAddNode,
		},
		{
			name:        "graph_add_edge",
			description: "Upsert a knowledge-graph edge between two named nodes.",
			category:    categoryGraph,
			scope:       ScopeKBWrite,
			fields: map[string]fieldSpec{
				"source":     {typ: "string", required: true, desc: "Source node name"},
				"target":     {typ: "string", required: true, desc: "Target node name"},
				"relation":   {typ: "string", required: true, desc: "Relation label"},
				"weight":     {typ: "number", desc: "Edge weight", min: floatPtr(0), max: floatPtr(1)},
				"confidence": {typ: "number", desc: "Extraction confidence", min: floatPtr(0), max: floatPtr(1)},
			},
			handler: handleGraphAddEdge,
		},
		{
			name:        "get_server_status",
			description: "Report server health: mode, version, queue depth, worker pool, and degradations.",
			category:    categorySystem,
			fields:      map[string]fieldSpec{},
			handler:     handleGetServerStatus,
		},
		{
			name:        "ping",
			description: "Liveness check.",
			category:    categorySystem,
			fields:      map[string]fieldSpec{},
			handler:     handlePing,
		},
	}

	byName := make(map[string]*toolSpec, len(specs))
	for _, s := range specs {
		byName[s.name] = s
	}
	return byName
}

// catalogFor selects the tool set for the configured mode.
func catalogFor(mode config.Mode) map[string]*toolSpec {
	all := toolSpecs()

	var names []string
	switch mode {
	case config.ModeAgent:
		names = agentToolNames
	case config.ModeManual:
		names = manualToolNames
	default:
		names = append(append([]string{}, agentToolNames...), manualToolNames...)
	}

	catalog := make(map[string]*toolSpec, len(names))
	for _, name := range names {
		catalog[name] = all[name]
	}
	return catalog
}

// listTools renders the catalog for tools/list, sorted by name.
func listTools(catalog map[string]*toolSpec) []Tool {
	tools := make([]Tool, 0, len(catalog))
	for _, spec := range catalog {
		tools = append(tools, Tool{
			Name:        spec.name,
			Description: spec.description,
			InputSchema: inputSchema(spec),
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// inputSchema renders a toolSpec as a JSON Schema object.
func inputSchema(spec *toolSpec) map[string]any {
	properties := make(map[string]any, len(spec.fields))
	var required []string
	for name, fs := range spec.fields {
		prop := map[string]any{"type": fs.typ}
		if fs.desc != "" {
			prop["description"] = fs.desc
		}
		if len(fs.enum) > 0 {
			prop["enum"] = fs.enum
		}
		if fs.min != nil {
			prop["minimum"] = *fs.min
		}
		if fs.max != nil {
			prop["maximum"] = *fs.max
		}
		properties[name] = prop
		if fs.required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/models"
	"github.com/seekerlab/seeker/pkg/queue"
	"github.com/seekerlab/seeker/pkg/retrieval"
	"github.com/seekerlab/seeker/pkg/services"
	"github.com/seekerlab/seeker/pkg/version"
)

// JobController is the slice of the worker pool the dispatcher needs:
// health for status tools and in-process cancellation signaling.
type JobController interface {
	Health() *queue.PoolHealth
	CancelJob(jobID string) bool
}

// Deps wires the dispatcher to the rest of the server. Pool may be nil
// when no worker pool runs in-process (tests, one-shot stdio).
type Deps struct {
	Config    *config.Config
	Jobs      *services.JobService
	Events    *services.EventService
	Sessions  *services.SessionService
	Reports   *services.ReportService
	Graph     *services.GraphService
	Retriever *retrieval.Retriever
	Indexer   *retrieval.Indexer
	Pool      JobController

	// PublicURL is the externally reachable base URL, used in ui_hint
	// payloads and discovery metadata.
	PublicURL string
}

// Caller is the authenticated identity a transport attaches to each
// request. Scopes containing the wildcard pass every scope check.
type Caller struct {
	Principal string
	Scopes    []string
	SessionID string
	Transport models.TransportKind
}

// HasScope reports whether the caller holds the given scope.
func (c *Caller) HasScope(scope string) bool {
	if scope == "" {
		return true
	}
	for _, s := range c.Scopes {
		if s == ScopeWildcard || s == scope {
			return true
		}
	}
	return false
}

// Dispatcher turns decoded JSON-RPC requests into typed handler
// invocations. It is transport-agnostic and safe for concurrent use.
type Dispatcher struct {
	deps    Deps
	catalog map[string]*toolSpec
	logger  *slog.Logger
}

// NewDispatcher builds the dispatcher with the catalog for the
// configured mode.
func NewDispatcher(deps Deps) *Dispatcher {
	mode := deps.Config.Server.Mode
	d := &Dispatcher{
		deps:    deps,
		catalog: catalogFor(mode),
		logger:  slog.Default().With("component", "mcp"),
	}
	d.logger.Info("MCP dispatcher initialized", "mode", mode, "tools", len(d.catalog))
	return d
}

// Handle processes one request. Notifications return nil; everything
// else returns exactly one response.
func (d *Dispatcher) Handle(ctx context.Context, caller *Caller, req *Request) *Response {
	if caller == nil {
		caller = &Caller{}
	}

	switch req.Method {
	case "initialize":
		return d.handleInitialize(ctx, caller, req)
	case "ping":
		if req.IsNotification() {
			return nil
		}
		return NewResponse(req.ID, map[string]any{})
	case "tools/list":
		return NewResponse(req.ID, map[string]any{"tools": listTools(d.catalog)})
	case "tools/call":
		return d.handleToolsCall(ctx, caller, req)
	case "prompts/list":
		return NewResponse(req.ID, map[string]any{"prompts": listPrompts()})
	case "prompts/get":
		return d.handlePromptsGet(req)
	case "resources/list":
		return d.handleResourcesList(ctx, req)
	case "resources/read":
		return d.handleResourcesRead(ctx, req)
	case "resources/subscribe":
		return d.handleResourcesSubscribe(ctx, caller, req, true)
	case "resources/unsubscribe":
		return d.handleResourcesSubscribe(ctx, caller, req, false)
	case "notifications/initialized", "notifications/cancelled":
		return nil
	default:
		if req.IsNotification() {
			d.logger.Debug("Dropping unknown notification", "method", req.Method)
			return nil
		}
		return NewErrorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

// handleInitialize negotiates the protocol version and creates a
// persistent session for the caller's transport.
func (d *Dispatcher) handleInitialize(ctx context.Context, caller *Caller, req *Request) *Response {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewErrorResponse(req.ID, CodeInvalidParams, "invalid initialize params", nil)
		}
	}

	negotiated := params.ProtocolVersion
	if negotiated == "" {
		negotiated = ProtocolVersion
	} else if !containsString(SupportedProtocolVersions, negotiated) {
		return NewErrorResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("unsupported protocol version %q", params.ProtocolVersion),
			map[string]any{"supported": SupportedProtocolVersions})
	}

	var principal *string
	if caller.Principal != "" {
		principal = &caller.Principal
	}
	transport := caller.Transport
	if transport == "" {
		transport = models.TransportHTTP
	}

	session, err := d.deps.Sessions.Create(ctx, transport, negotiated, params.Capabilities, principal)
	if err != nil {
		d.logger.Error("Failed to create session", "error", err)
		return NewErrorResponse(req.ID, CodeInternalError, "failed to create session", nil)
	}
	caller.SessionID = session.ID

	return NewResponse(req.ID, InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities: Capabilities{
			Tools:     &ToolsCapability{},
			Prompts:   &PromptsCapability{},
			Resources: &ResourcesCapability{Subscribe: true},
		},
		ServerInfo: ServerInfo{Name: version.AppName, Version: version.Full()},
		SessionID:  session.ID,
	})
}

// handleToolsCall validates, normalizes, scope-checks, and invokes one
// tool. Handler failures come back as isError tool results, not RPC
// errors.
func (d *Dispatcher) handleToolsCall(ctx context.Context, caller *Caller, req *Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return NewErrorResponse(req.ID, CodeInvalidParams, "tools/call requires a tool name", nil)
	}

	result, rpcErr := d.invokeTool(ctx, caller, params.Name, params.Arguments)
	if rpcErr != nil {
		return &Response{JSONRPC: JSONRPCVersion, ID: req.ID, Error: rpcErr}
	}
	return NewResponse(req.ID, result)
}

// CallTool invokes one tool directly, bypassing JSON-RPC framing. The
// REST job-submission endpoint uses it to share normalization,
// idempotency, and scope enforcement with tools/call.
func (d *Dispatcher) CallTool(ctx context.Context, caller *Caller, name string, args map[string]any) (*ToolResult, *Error) {
	if caller == nil {
		caller = &Caller{}
	}
	return d.invokeTool(ctx, caller, name, args)
}

// invokeTool runs the normalization pipeline and the handler for one
// tool. The agent router re-enters here for its target, so scope
// enforcement covers routed calls too.
func (d *Dispatcher) invokeTool(ctx context.Context, caller *Caller, name string, args map[string]any) (*ToolResult, *Error) {
	spec, ok := d.catalog[name]
	if !ok {
		// Routed targets bypass mode filtering: in AGENT mode the
		// individual tools exist but only the router reaches them.
		if spec, ok = toolSpecs()[name]; !ok || !d.routable(name) {
			return nil, &Error{
				Code:    CodeInvalidParams,
				Message: fmt.Sprintf("unknown tool %q in %s mode", name, d.deps.Config.Server.Mode),
			}
		}
	}

	if !caller.HasScope(spec.scope) {
		return nil, NewInsufficientScopeError(spec.scope, d.resourceMetadataURL())
	}

	if args == nil {
		args = map[string]any{}
	}
	normalized, verr := normalizeArgs(spec, args)
	if verr != nil {
		return nil, verr
	}

	d.logger.Info("Tool call", "tool", spec.name, "principal", caller.Principal, "transport", caller.Transport)
	if spec.rpcHandler != nil {
		return spec.rpcHandler(ctx, d, caller, normalized)
	}
	return spec.handler(ctx, d, caller, normalized), nil
}

// routable reports whether name is a valid agent-router target.
func (d *Dispatcher) routable(name string) bool {
	switch name {
	case "research", "retrieve", "follow_up", "graph_query":
		return true
	}
	return false
}

func (d *Dispatcher) resourceMetadataURL() string {
	return d.deps.PublicURL + "/.well-known/oauth-protected-resource"
}

func (d *Dispatcher) eventsURL(jobID string) string {
	return fmt.Sprintf("%s/jobs/%s/events", d.deps.PublicURL, jobID)
}

package mcp

import (
	"context"
)

// agentAction is the closed set of operations the agent router can
// forward to.
type agentAction string

const (
	actionResearch   agentAction = "research"
	actionRetrieve   agentAction = "retrieve"
	actionFollowUp   agentAction = "follow_up"
	actionGraphQuery agentAction = "graph_query"
)

// routeAgentCall is the unified entry point exposed in AGENT mode. It
// resolves the target operation, then re-enters the dispatcher so the
// target's own aliases, defaults, schema, and scope apply. Scope
// rejections propagate as rpc errors so transports can attach the
// WWW-Authenticate challenge; validation failures of the routed target
// come back as tool results.
func routeAgentCall(ctx context.Context, d *Dispatcher, caller *Caller, args map[string]any) (*ToolResult, *Error) {
	action := routeAgent(args)

	// The router's permissive schema is replaced by the target's; strip
	// fields the target does not declare so they cannot fail validation.
	forwarded := make(map[string]any, len(args))
	spec := toolSpecs()[string(action)]
	for k, v := range args {
		if _, declared := spec.fields[k]; declared {
			forwarded[k] = v
		}
	}

	result, rpcErr := d.invokeTool(ctx, caller, string(action), forwarded)
	if rpcErr != nil {
		if rpcErr.Code == CodeInsufficientScope {
			return nil, rpcErr
		}
		msg := rpcErr.Message
		if data, ok := rpcErr.Data.(invalidParamsData); ok && data.Hint != "" {
			msg += ": " + data.Hint
		}
		return ErrorResult("invalid_params", msg, false), nil
	}
	return result, nil
}

// routeAgent decides which operation an agent call maps to. An explicit
// action always wins; otherwise the distinguishing argument decides,
// falling back to research.
func routeAgent(args map[string]any) agentAction {
	switch agentAction(argString(args, "action")) {
	case actionResearch:
		return actionResearch
	case actionRetrieve:
		return actionRetrieve
	case actionFollowUp:
		return actionFollowUp
	case actionGraphQuery:
		return actionGraphQuery
	}

	if argString(args, "node") != "" {
		return actionGraphQuery
	}
	if argInt64(args, "contextReportId") > 0 {
		return actionFollowUp
	}
	if _, ok := args["scope"]; ok {
		return actionRetrieve
	}
	if _, ok := args["rerank"]; ok {
		return actionRetrieve
	}
	if _, ok := args["limit"]; ok {
		return actionRetrieve
	}
	return actionResearch
}

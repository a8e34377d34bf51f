// Package mcp implements the Model Context Protocol server core: JSON-RPC
// framing, the mode-dependent tool catalog, parameter normalization, and
// the tool handlers. Transports (stdio, streamable HTTP, WebSocket, legacy
// SSE) decode frames and hand them to the Dispatcher.
package mcp

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only framing version the server speaks.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC error codes, plus the server-defined range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeInsufficientScope marks a tools/call rejected for missing OAuth
	// scopes. The HTTP layer translates it into 403 plus a
	// WWW-Authenticate challenge.
	CodeInsufficientScope = -32003
)

// Request is one inbound JSON-RPC frame. A missing id marks a
// notification, which never receives a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the frame carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is one outbound JSON-RPC frame. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResponse builds a success response correlated to the request id.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

// NewErrorResponse builds an error response correlated to the request id.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// ParseRequest decodes one frame. On malformed input it returns a ready
// -32700 response so transports can reply without further shaping.
func ParseRequest(data []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewErrorResponse(nil, CodeParseError, "parse error: invalid JSON", nil)
	}
	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		return nil, NewErrorResponse(req.ID, CodeInvalidRequest, "invalid request: jsonrpc must be \"2.0\" and method must be set", nil)
	}
	return &req, nil
}

// insufficientScopeData is the error.data payload for scope rejections,
// pointing the client at the RFC 9728 resource metadata document.
type insufficientScopeData struct {
	Scope            string `json:"scope"`
	ResourceMetadata string `json:"resource_metadata"`
}

// NewInsufficientScopeError builds the scope-rejection error carrying the
// missing scope and the discovery URL in error.data.
func NewInsufficientScopeError(scope, resourceMetadataURL string) *Error {
	return &Error{
		Code:    CodeInsufficientScope,
		Message: fmt.Sprintf("insufficient scope: %s required", scope),
		Data:    insufficientScopeData{Scope: scope, ResourceMetadata: resourceMetadataURL},
	}
}

// InsufficientScope reports whether resp is a scope rejection and, if so,
// which scope was missing. Transports use it to emit the HTTP 403
// challenge.
func InsufficientScope(resp *Response) (string, bool) {
	if resp == nil || resp.Error == nil || resp.Error.Code != CodeInsufficientScope {
		return "", false
	}
	if data, ok := resp.Error.Data.(insufficientScopeData); ok {
		return data.Scope, true
	}
	return "", true
}

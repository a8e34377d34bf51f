package mcp

import "encoding/json"

// ProtocolVersion is the newest MCP revision the server speaks.
const ProtocolVersion = "2025-03-26"

// SupportedProtocolVersions lists every revision initialize accepts,
// newest first.
var SupportedProtocolVersions = []string{"2025-03-26", "2024-11-05"}

// Tool is one catalog entry as served by tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is one element of a tool result's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the result of a tools/call invocation. Handler failures
// set IsError and put the machine-readable detail in StructuredContent.
type ToolResult struct {
	Content           []ContentBlock `json:"content"`
	IsError           bool           `json:"isError,omitempty"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
}

// TextResult wraps structured data as a tool result, mirroring it as
// pretty-printed JSON in the text content block.
func TextResult(structured map[string]any) *ToolResult {
	text, err := json.MarshalIndent(structured, "", "  ")
	if err != nil {
		text = []byte("{}")
	}
	return &ToolResult{
		Content:           []ContentBlock{{Type: "text", Text: string(text)}},
		StructuredContent: structured,
	}
}

// ErrorResult builds an isError tool result with the structured
// {code, message, retryable} error detail.
func ErrorResult(code, message string, retryable bool) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: message}},
		IsError: true,
		StructuredContent: map[string]any{
			"error": map[string]any{
				"code":      code,
				"message":   message,
				"retryable": retryable,
			},
		},
	}
}

// InitializeParams is the client half of the initialize handshake.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      *ClientInfo     `json:"clientInfo,omitempty"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is the server half of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	SessionID       string       `json:"sessionId,omitempty"`
}

// Capabilities advertises the method families the server implements.
type Capabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
}

// ToolsCapability flags tools support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability flags prompts support.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability flags resources support.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerInfo identifies this server in the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// CallToolParams is the tools/call parameter shape.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Prompt is one catalog entry as served by prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one templated prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one rendered message of prompts/get.
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// Resource is one catalog entry as served by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents is one element of a resources/read result.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

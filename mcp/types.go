// Package mcp implements the Model Context Protocol tool surface: a tool
// registry and a dispatcher that answers MCP requests for a session.
//
// MCP is a JSON-RPC based protocol for exposing callable tools to AI
// clients. This package is transport independent; the streamable package
// serves it over HTTP and [Server.Serve] over stdio.
//
// # Basic Usage
//
// Create a registry, register tools explicitly, then create a server:
//
//	registry := mcp.NewRegistry()
//	if err := mathtools.Register(registry); err != nil {
//	    log.Fatal(err)
//	}
//
//	server, err := mcp.NewServer(registry, mcp.Implementation{
//	    Name:    "mcpd",
//	    Version: "1.0.0",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Close()
//
// Creating the server freezes the registry; tools cannot be added afterwards.
//
// # Protocol Details
//
// The dispatcher supports the following MCP methods:
//   - initialize: Handshake and capability exchange
//   - ping: Connection health check
//   - tools/list: Enumerate available tools
//   - tools/call: Execute a tool
//   - <tool name>: Execute a tool directly, returning its bare result
//   - notifications/initialized: Client ready notification (no response)
//   - notifications/cancelled: Abandon an in-flight request (no response)
package mcp

import (
	"encoding/json"
	"slices"
)

// ProtocolVersion is the newest MCP protocol version supported by this server.
const ProtocolVersion = "2025-11-25"

// SupportedProtocolVersions lists every version the server can speak,
// newest first.
var SupportedProtocolVersions = []string{
	"2025-11-25",
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// IsSupportedVersion reports whether v is one of SupportedProtocolVersions.
func IsSupportedVersion(v string) bool {
	return slices.Contains(SupportedProtocolVersions, v)
}

// MCP method names.
const (
	MethodInitialize  = "initialize"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	NotifyInitialized = "notifications/initialized"
	NotifyCancelled   = "notifications/cancelled"
)

// Implementation identifies an MCP server or client implementation.
// Name and Version are required; Description is optional.
type Implementation struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitzero"`
	Version     string `json:"version"`
	Description string `json:"description,omitzero"`
}

// ToolDefinition describes a tool's interface as returned by tools/list.
// InputSchema is required and must be a valid JSON Schema object.
type ToolDefinition struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitzero"`
	Description  string          `json:"description,omitzero"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitzero"`
}

// ToolCapabilities describes the server's tool-related capabilities.
// ListChanged indicates whether the server supports dynamic tool list updates.
type ToolCapabilities struct {
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities describes what features the server supports.
// Currently only tool capabilities are implemented.
type ServerCapabilities struct {
	Tools *ToolCapabilities `json:"tools,omitzero"`
}

// InitializeParams is sent by the client to open a session.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ClientInfo      Implementation  `json:"clientInfo"`
	Capabilities    json.RawMessage `json:"capabilities"`
}

// InitializeResult is returned by the initialize method during handshake.
// It communicates the server's identity, negotiated protocol version, and capabilities.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	Instructions    string             `json:"instructions,omitzero"`
}

// ListToolsResult is returned by the tools/list method.
// NextCursor is used for pagination; an empty value indicates no more results.
type ListToolsResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitzero"`
}

// CallToolParams names the tool to run and its arguments.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitzero"`
	Task      json.RawMessage `json:"task,omitzero"`
}

// ContentBlock represents a piece of content in a tool result.
// Currently only "text" type is supported.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is returned by the tools/call method.
// Content contains the tool output as content blocks for display.
// StructuredContent contains the JSON output for programmatic access; a
// tool whose result is not an object has it wrapped as {"result": value}.
// IsError is true if the tool execution encountered an error (distinct from JSON-RPC errors).
type CallToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitzero"`
	IsError           bool            `json:"isError,omitzero"`
}

// CancelledParams accompanies notifications/cancelled.
type CancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitzero"`
}

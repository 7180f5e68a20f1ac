// Package mcp implements the Model Context Protocol client side used to back
// network tools: JSON-RPC 2.0 with the initialize handshake, tools/list
// discovery, and tools/call invocation over plain HTTP or SSE transports.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// Canonical JSON-RPC 2.0 error codes.
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

type (
	// Caller is one MCP server connection. Implementations are safe for
	// concurrent use once constructed.
	Caller interface {
		// ListTools returns every tool the server exposes, following
		// pagination cursors to the end.
		ListTools(ctx context.Context) ([]ToolInfo, error)
		// CallTool invokes one tool and returns its flattened text output.
		// Tool-level failures come back as *ToolFailure, protocol errors
		// as *Error.
		CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
	}

	// ToolInfo describes one tool advertised by an MCP server.
	ToolInfo struct {
		// Name is the MCP-local tool identifier.
		Name string `json:"name"`
		// Description documents the tool for prompting purposes.
		Description string `json:"description"`
		// InputSchema is the JSON Schema for the tool arguments.
		InputSchema json.RawMessage `json:"inputSchema"`
	}

	// Error represents a JSON-RPC error returned by the MCP server.
	Error struct {
		Code    int
		Message string
	}

	// ToolFailure is a tool-level failure: the server answered the RPC but
	// the tool itself reported an error result.
	ToolFailure struct {
		// Tool names the tool that failed.
		Tool string
		// Text is the error content returned by the tool.
		Text string
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// Error implements the error interface.
func (e *ToolFailure) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp tool %s failed: %s", e.Tool, e.Text)
}

// IsInvalidParams reports whether err is a JSON-RPC invalid-params error,
// the case a model can usually repair by correcting its arguments.
func IsInvalidParams(err error) bool {
	var rerr *Error
	return errors.As(err, &rerr) && rerr.Code == JSONRPCInvalidParams
}

// Package mcp implements an MCP (Model Context Protocol) JSON-RPC caller
// and an adapter.Adapter wrapper around it.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// JSON-RPC canonical error codes.
const (
	ErrParseError     = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternalError  = -32603
)

// CallRequest describes one tool invocation issued to an MCP server.
type CallRequest struct {
	Suite   string // MCP toolset / server name
	Tool    string // tool identifier, without suite prefix
	Payload json.RawMessage
}

// CallResponse captures the MCP tool result.
type CallResponse struct {
	Result     json.RawMessage
	Structured json.RawMessage
}

// Caller invokes MCP tools. Implemented here by an HTTP JSON-RPC
// transport; other transports (stdio, SSE) are external collaborators and
// are not implemented here.
type Caller interface {
	CallTool(ctx context.Context, req CallRequest) (CallResponse, error)
}

// Error is a JSON-RPC error returned by the MCP server.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp: jsonrpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HTTPCaller implements Caller over a single HTTP JSON-RPC endpoint.
type HTTPCaller struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPCaller constructs an HTTPCaller with a default client.
func NewHTTPCaller(endpoint string) *HTTPCaller {
	return &HTTPCaller{Endpoint: endpoint, Client: http.DefaultClient}
}

// CallTool implements Caller.
func (c *HTTPCaller) CallTool(ctx context.Context, req CallRequest) (CallResponse, error) {
	toolCallParams := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: req.Suite + "." + req.Tool, Arguments: req.Payload}
	params, err := json.Marshal(toolCallParams)
	if err != nil {
		return CallResponse{}, fmt.Errorf("mcp: encode params: %w", err)
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "tools/call", Params: params})
	if err != nil {
		return CallResponse{}, fmt.Errorf("mcp: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return CallResponse{}, fmt.Errorf("mcp: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return CallResponse{}, fmt.Errorf("mcp: transient: request: %w", err)
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return CallResponse{}, fmt.Errorf("mcp: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return CallResponse{}, &Error{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	return CallResponse{Result: rpcResp.Result}, nil
}

// Adapter wraps a Caller as an adapter.Adapter, one Adapter per MCP suite.
type Adapter struct {
	Caller Caller
	Suite  string
}

// Call implements adapter.Adapter: operation names the MCP tool within
// Suite.
func (a *Adapter) Call(ctx context.Context, operation string, payload json.RawMessage) (json.RawMessage, error) {
	resp, err := a.Caller.CallTool(ctx, CallRequest{Suite: a.Suite, Tool: operation, Payload: payload})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

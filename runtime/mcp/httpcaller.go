package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// DefaultProtocolVersion is the MCP protocol version used when none is
// provided.
const DefaultProtocolVersion = "2024-11-05"

type (
	// HTTPOptions configures an HTTP or SSE caller.
	HTTPOptions struct {
		// Endpoint is the JSON-RPC endpoint URL. Required.
		Endpoint string
		// Client overrides the default HTTP client (30 second timeout).
		Client *http.Client
		// ProtocolVersion sent in the initialize handshake. Defaults to
		// DefaultProtocolVersion.
		ProtocolVersion string
		// ClientName and ClientVersion identify this client to the server.
		ClientName    string
		ClientVersion string
		// InitTimeout bounds the initialize handshake.
		InitTimeout time.Duration
		// CallTimeout bounds each RPC after initialization. Zero leaves
		// only the HTTP client timeout.
		CallTimeout time.Duration
	}

	// HTTPCaller implements Caller over plain JSON-RPC HTTP.
	HTTPCaller struct {
		transport *httpTransport
	}

	// httpTransport shares JSON-RPC HTTP plumbing across the HTTP and SSE
	// callers.
	httpTransport struct {
		endpoint    string
		client      *http.Client
		callTimeout time.Duration
		id          uint64
	}

	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      uint64 `json:"id"`
		Params  any    `json:"params"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *rpcError       `json:"error"`
		ID      uint64          `json:"id"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	toolsListResult struct {
		Tools      []ToolInfo `json:"tools"`
		NextCursor string     `json:"nextCursor"`
	}

	toolsCallResult struct {
		Content []contentItem `json:"content"`
		IsError bool          `json:"isError"`
	}

	contentItem struct {
		Type string  `json:"type"`
		Text *string `json:"text"`
	}
)

func (e *rpcError) callerError() *Error {
	if e == nil {
		return nil
	}
	return &Error{Code: e.Code, Message: e.Message}
}

// NewHTTPCaller creates an HTTP-based Caller and performs the MCP initialize
// handshake.
func NewHTTPCaller(ctx context.Context, opts HTTPOptions) (*HTTPCaller, error) {
	transport, err := newHTTPTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &HTTPCaller{transport: transport}, nil
}

// ListTools implements Caller.
func (c *HTTPCaller) ListTools(ctx context.Context) ([]ToolInfo, error) {
	return c.transport.listTools(ctx)
}

// CallTool invokes tools/call over HTTP and flattens the response text.
func (c *HTTPCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	addTraceMeta(ctx, params)
	var result toolsCallResult
	if err := c.transport.call(ctx, "tools/call", params, &result); err != nil {
		return "", err
	}
	return flattenToolResult(name, result)
}

func newHTTPTransport(ctx context.Context, opts HTTPOptions) (*httpTransport, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	httpClient := opts.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	transport := &httpTransport{
		endpoint:    opts.Endpoint,
		client:      httpClient,
		callTimeout: opts.CallTimeout,
	}
	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	protocol := opts.ProtocolVersion
	if protocol == "" {
		protocol = DefaultProtocolVersion
	}
	clientName := opts.ClientName
	if clientName == "" {
		clientName = "loom"
	}
	clientVersion := opts.ClientVersion
	if clientVersion == "" {
		clientVersion = "dev"
	}
	payload := map[string]any{
		"protocolVersion": protocol,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	if err := transport.call(initCtx, "initialize", payload, nil); err != nil {
		return nil, fmt.Errorf("mcp initialize failed: %w", err)
	}
	return transport, nil
}

func (t *httpTransport) nextID() uint64 {
	return atomic.AddUint64(&t.id, 1)
}

func (t *httpTransport) listTools(ctx context.Context) ([]ToolInfo, error) {
	var out []ToolInfo
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var result toolsListResult
		if err := t.call(ctx, "tools/list", params, &result); err != nil {
			return nil, err
		}
		out = append(out, result.Tools...)
		if result.NextCursor == "" {
			return out, nil
		}
		cursor = result.NextCursor
	}
}

func (t *httpTransport) call(ctx context.Context, method string, params any, result any) error {
	if t.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.callTimeout)
		defer cancel()
	}
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      t.nextID(),
		Params:  params,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	injectTraceHeaders(ctx, req.Header)
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp rpc status %d", resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error.callerError()
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return err
		}
	}
	return nil
}

// flattenToolResult joins the text content items into the single string fed
// back to the model.
func flattenToolResult(tool string, result toolsCallResult) (string, error) {
	var parts []string
	for _, item := range result.Content {
		if item.Text != nil && *item.Text != "" {
			parts = append(parts, *item.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		if text == "" {
			text = "tool reported an error without content"
		}
		return "", &ToolFailure{Tool: tool, Text: text}
	}
	if text == "" {
		return "", fmt.Errorf("mcp tool %s returned no content", tool)
	}
	return text, nil
}

func injectTraceHeaders(ctx context.Context, header http.Header) {
	if ctx == nil || header == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

// addTraceMeta mirrors the trace context into the MCP _meta params so
// servers without header access can still join the trace.
func addTraceMeta(ctx context.Context, params map[string]any) {
	if ctx == nil || params == nil {
		return
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	meta := make(map[string]string, len(carrier))
	for k, v := range carrier {
		meta[k] = v
	}
	params["_meta"] = meta
}

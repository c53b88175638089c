package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonwraymond/toolbroker/pool"
	"github.com/jonwraymond/toolbroker/registry"
)

// mcpProtocolVersion is the MCP protocol revision the broker speaks.
const mcpProtocolVersion = "2024-11-05"

// Defaults for the discover tool when the caller omits them.
const (
	defaultDiscoverLimit     = 5
	defaultDiscoverThreshold = 0.0
)

// MCPRequest represents an incoming MCP JSON-RPC request.
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse represents an MCP JSON-RPC response.
type MCPResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *MCPError `json:"error,omitempty"`
}

// MCPError is a JSON-RPC error object.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// HandleRequest processes an MCP request and returns a response. The
// broker's public surface is exactly two tools, discover and invoke;
// everything behind them is routed internally.
func (b *Broker) HandleRequest(ctx context.Context, req MCPRequest) MCPResponse {
	switch req.Method {
	case "initialize":
		return b.handleInitialize(req.ID)
	case "tools/list":
		return b.handleToolsList(req.ID)
	case "tools/call":
		return b.handleToolsCall(ctx, req.ID, req.Params)
	default:
		return errorResponse(req.ID, ErrCodeMethodNotFound,
			fmt.Sprintf("method %s not found", req.Method))
	}
}

func (b *Broker) handleInitialize(id any) MCPResponse {
	return MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result: map[string]any{
			"protocolVersion": mcpProtocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
			"serverInfo": map[string]any{
				"name":    "toolbroker",
				"version": b.version,
			},
		},
	}
}

func (b *Broker) handleToolsList(id any) MCPResponse {
	tools := []map[string]any{
		{
			"name":        "discover",
			"description": "Find backend operations relevant to a natural-language query",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":     map[string]any{"type": "string", "description": "What you want to do"},
					"limit":     map[string]any{"type": "integer", "description": "Maximum results", "default": defaultDiscoverLimit},
					"threshold": map[string]any{"type": "number", "description": "Minimum similarity score", "default": defaultDiscoverThreshold},
				},
				"required": []string{"query"},
			},
		},
		{
			"name":        "invoke",
			"description": "Invoke one backend operation by its backend:operation id",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"operationId": map[string]any{"type": "string", "description": "Composite id backend:operation"},
					"params":      map[string]any{"type": "object", "description": "Operation arguments"},
					"timeoutMs":   map[string]any{"type": "integer", "description": "Call timeout in milliseconds"},
				},
				"required": []string{"operationId"},
			},
		},
	}

	return MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  map[string]any{"tools": tools},
	}
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type discoverArgs struct {
	Query     string   `json:"query"`
	Limit     int      `json:"limit"`
	Threshold *float64 `json:"threshold"`
}

type invokeArgs struct {
	OperationID string         `json:"operationId"`
	Params      map[string]any `json:"params"`
	TimeoutMs   int            `json:"timeoutMs"`
}

func (b *Broker) handleToolsCall(ctx context.Context, id any, params json.RawMessage) MCPResponse {
	var call toolsCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return errorResponse(id, ErrCodeInvalidParams, err.Error())
	}

	switch call.Name {
	case "discover":
		return b.callDiscover(ctx, id, call.Arguments)
	case "invoke":
		return b.callInvoke(ctx, id, call.Arguments)
	default:
		return errorResponse(id, ErrCodeToolNotFound,
			fmt.Sprintf("tool %s not found", call.Name))
	}
}

func (b *Broker) callDiscover(ctx context.Context, id any, arguments map[string]any) MCPResponse {
	var args discoverArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return errorResponse(id, ErrCodeInvalidParams, err.Error())
	}
	if args.Query == "" {
		return errorResponse(id, ErrCodeInvalidParams, "query is required")
	}
	if args.Limit <= 0 {
		args.Limit = defaultDiscoverLimit
	}
	threshold := defaultDiscoverThreshold
	if args.Threshold != nil {
		threshold = *args.Threshold
	}

	matches, err := b.Discover(ctx, args.Query, args.Limit, threshold)
	if err != nil {
		return errorResponse(id, ErrCodeInternal, err.Error())
	}

	results := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		results = append(results, map[string]any{
			"operationId": m.OperationID,
			"description": m.Description,
			"score":       m.Score,
		})
	}
	return MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  map[string]any{"operations": results},
	}
}

func (b *Broker) callInvoke(ctx context.Context, id any, arguments map[string]any) MCPResponse {
	var args invokeArgs
	if err := decodeArgs(arguments, &args); err != nil {
		return errorResponse(id, ErrCodeInvalidParams, err.Error())
	}
	if args.OperationID == "" {
		return errorResponse(id, ErrCodeInvalidParams, "operationId is required")
	}

	timeout := time.Duration(args.TimeoutMs) * time.Millisecond
	result, err := b.Invoke(ctx, args.OperationID, args.Params, timeout)
	if err != nil {
		return errorResponse(id, invokeErrorCode(err), err.Error())
	}
	return MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

func invokeErrorCode(err error) int {
	switch {
	case errors.Is(err, registry.ErrBackendNotFound),
		errors.Is(err, ErrOperationNotFound),
		errors.Is(err, ErrInvalidOperation):
		return ErrCodeToolNotFound
	case errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, pool.ErrConnectionFailed),
		errors.Is(err, pool.ErrTransport),
		errors.Is(err, pool.ErrToolFailed):
		return ErrCodeToolExecFailed
	default:
		return ErrCodeInternal
	}
}

func errorResponse(id any, code int, message string) MCPResponse {
	return MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &MCPError{Code: code, Message: message},
	}
}

// decodeArgs round-trips a generic argument map into a typed struct.
func decodeArgs(arguments map[string]any, out any) error {
	data, err := json.Marshal(arguments)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

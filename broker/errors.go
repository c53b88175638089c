package broker

import "errors"

// Sentinel errors for consistent error handling. Connection, transport,
// and auth failures surface the pool and auth package sentinels
// unchanged; these cover the broker's own routing decisions.
var (
	ErrNotStarted        = errors.New("broker not started")
	ErrOperationNotFound = errors.New("operation not found")
	ErrInvalidOperation  = errors.New("invalid operation id")
	ErrTimeout           = errors.New("invoke timed out")
	ErrReservedBackend   = errors.New("backend name is reserved")
)

// MCP JSON-RPC 2.0 error codes as per the spec.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeToolNotFound   = -32001
	ErrCodeToolExecFailed = -32002
	ErrCodeTimeout        = -32003
)

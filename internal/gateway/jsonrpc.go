package gateway

import "encoding/json"

// JSON-RPC 2.0 wire records. One value per message, transient.

const jsonrpcVersion = "2.0"

// Standard JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Service-specific error codes.
const (
	codeRateLimited           = -32000
	codeCameraNotFound        = -32001
	codeRecordingInProgress   = -32002
	codeRelayUnavailable      = -32003
	codeAuthRequired          = -32004
	codeInsufficientStorage   = -32005
	codeCapabilityUnsupported = -32006
)

// Request is a client call. A missing id marks a malformed request, not a
// client notification; camgate clients only send calls.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response answers exactly one Request, matched by id.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Notification is a server-push message. No id field.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func resultResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: jsonrpcVersion, Result: result, ID: id}
}

func errorResponse(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: jsonrpcVersion, Error: &Error{Code: code, Message: message}, ID: id}
}

func newNotification(method string, params any) Notification {
	return Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

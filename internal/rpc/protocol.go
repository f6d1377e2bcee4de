// Package rpc implements the line-delimited JSON-RPC 2.0 framing spoken by MCP stdio servers.
//
// Payload types and method names come from mcp-go; this package only owns the frame envelopes and
// the newline splitter used on the worker's stdout.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// MethodInitialized is the notification sent after a successful initialize response.
const MethodInitialized = "notifications/initialized"

// Request is an outbound call that expects a response with the same id.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Notification is an outbound message with no id; no response is expected.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Response is an outbound reply to a request initiated by the worker.
type Response struct {
	JSONRPC string                   `json:"jsonrpc"`
	ID      mcp.RequestId            `json:"id"`
	Result  any                      `json:"result,omitempty"`
	Error   *mcp.JSONRPCErrorDetails `json:"error,omitempty"`
}

// Message is any inbound frame: a response, a notification or a worker-initiated request.
type Message struct {
	JSONRPC string                   `json:"jsonrpc"`
	ID      *mcp.RequestId           `json:"id,omitempty"`
	Method  string                   `json:"method,omitempty"`
	Params  json.RawMessage          `json:"params,omitempty"`
	Result  json.RawMessage          `json:"result,omitempty"`
	Error   *mcp.JSONRPCErrorDetails `json:"error,omitempty"`
}

// IsResponse reports whether m answers one of our requests.
func (m *Message) IsResponse() bool {
	return m.ID != nil && !m.ID.IsNil() && m.Method == ""
}

// IsNotification reports whether m is a worker notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && (m.ID == nil || m.ID.IsNil())
}

// IsRequest reports whether m is a worker-initiated request that needs a reply.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil && !m.ID.IsNil()
}

// SequenceID returns the integer id of a response. Ids we never issue (strings, fractions) report false.
func (m *Message) SequenceID() (int64, bool) {
	if m.ID == nil {
		return 0, false
	}
	id, ok := m.ID.Value().(int64)
	return id, ok
}

// Decode parses one frame.
func Decode(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &m, nil
}

// NewRequest builds a request envelope. Nil params are sent as an empty object.
func NewRequest(id int64, method string, params any) Request {
	return Request{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Method: method, Params: orEmpty(params)}
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params any) Notification {
	return Notification{JSONRPC: mcp.JSONRPC_VERSION, Method: method, Params: orEmpty(params)}
}

// NewResult builds a successful reply to a worker request.
func NewResult(id mcp.RequestId, result any) Response {
	return Response{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Result: orEmpty(result)}
}

// NewErrorResponse builds an error reply to a worker request.
func NewErrorResponse(id mcp.RequestId, code int, message string) Response {
	return Response{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error:   &mcp.JSONRPCErrorDetails{Code: code, Message: message},
	}
}

// Encode marshals v as a single newline-terminated line.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, '\n'), nil
}

func orEmpty(v any) any {
	if v == nil {
		return struct{}{}
	}
	return v
}

// Error is a JSON-RPC error object returned by a worker.
type Error struct {
	Code    int
	Message string
	Data    any
}

// NewError converts wire error details into an error value.
func NewError(d *mcp.JSONRPCErrorDetails) *Error {
	return &Error{Code: d.Code, Message: d.Message, Data: d.Data}
}

func (e *Error) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Unwrap exposes mcp-go's sentinel for well-known codes, so errors.Is(err, mcp.ErrMethodNotFound) works.
func (e *Error) Unwrap() error {
	d := mcp.JSONRPCErrorDetails{Code: e.Code, Message: e.Message, Data: e.Data}
	return d.AsError()
}

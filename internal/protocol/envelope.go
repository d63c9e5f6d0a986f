// ABOUTME: JSON-RPC 2.0 envelopes exchanged between the broker, agents and callers
// ABOUTME: Decodes both request and response forms from a single wire message

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Version is the only JSON-RPC version spoken on the wire.
const Version = "2.0"

// Method names understood by the dispatch layer.
const (
	MethodToolsRegister      = "tools/register"
	MethodToolsUnregister    = "tools/unregister"
	MethodToolsList          = "tools/list"
	MethodToolsSearch        = "tools/search"
	MethodToolsInvoke        = "tools/invoke"
	MethodAgentsList         = "agents/list"
	MethodInvocationsHistory = "invocations/history"
)

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrInvalidVersion indicates a message that does not declare jsonrpc "2.0".
var ErrInvalidVersion = errors.New("invalid JSON-RPC version")

// Request is an outbound or inbound JSON-RPC request. TraceID rides alongside
// the standard members so agents can correlate work across systems.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id,omitempty"`
	TraceID string          `json:"traceId,omitempty"`
}

// NewRequest builds a request, marshaling params.
func NewRequest(method, id string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, Method: method, ID: id}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// Response is a JSON-RPC response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// NewResult builds a successful response.
func NewResult(id string, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error response.
func NewError(id string, code int, message string) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Message is any envelope read from the wire. It is a request when Method is
// set and a response otherwise.
//
// Agents answer tools/invoke either in JSON-RPC form ("result", or "error"
// as an object) or in payload form ("data", or "error" as a plain string).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	TraceID string          `json:"traceId,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Decode parses a wire message and checks the protocol version.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if msg.JSONRPC != Version {
		return &msg, ErrInvalidVersion
	}
	return &msg, nil
}

// IsRequest reports whether the message is a request or notification.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// RequestID returns the message ID as a string. Numeric IDs are formatted in
// decimal; a missing or null ID yields "".
func (m *Message) RequestID() string {
	raw := strings.TrimSpace(string(m.ID))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(m.ID, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return raw
}

// ErrorMessage returns the error carried by a response, accepting both a
// plain string and a JSON-RPC error object. ok is false when there is none.
func (m *Message) ErrorMessage() (msg string, ok bool) {
	raw := strings.TrimSpace(string(m.Error))
	if raw == "" || raw == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Error, &s); err == nil {
		return s, true
	}
	var obj Error
	if err := json.Unmarshal(m.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message, true
	}
	return raw, true
}

// ResultData returns the success payload of a response, preferring "data"
// over "result".
func (m *Message) ResultData() json.RawMessage {
	if len(m.Data) > 0 {
		return m.Data
	}
	return m.Result
}

// Request converts an inbound request message into a Request.
func (m *Message) Request() *Request {
	return &Request{
		JSONRPC: m.JSONRPC,
		Method:  m.Method,
		Params:  m.Params,
		ID:      m.RequestID(),
		TraceID: m.TraceID,
	}
}

// Package jsonrpc encodes and decodes JSON-RPC 2.0 messages.
//
// A decoded message is one of [*Request], [*Notification] or [*Response].
// Raw JSON fields (ids, params, results, error data) are kept as
// [json.RawMessage] so values round-trip without reinterpretation.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version accepted on the wire.
const Version = "2.0"

// Standard JSON-RPC error codes, plus the server-defined codes this module
// uses for call outcomes that have no standard code.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeInvocationError = -32000
	CodeRequestTimeout  = -32001
	CodeSessionClosed   = -32002
	CodeCancelled       = -32800
)

// Message is a decoded JSON-RPC message.
type Message interface {
	// Kind names the message shape: "request", "notification" or "response".
	Kind() string
	isMessage()
}

// Request is a call that expects exactly one Response with the same ID.
type Request struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// Notification is a one-way message; it never receives a Response.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response answers a Request. Exactly one of Result or Error is set.
type Response struct {
	ID     json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitzero"`
}

func (*Request) Kind() string      { return "request" }
func (*Notification) Kind() string { return "notification" }
func (*Response) Kind() string     { return "response" }

func (*Request) isMessage()      {}
func (*Notification) isMessage() {}
func (*Response) isMessage()     {}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("jsonrpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error, marshaling data when it is non-nil. Data that
// cannot be marshaled is replaced by its fmt representation.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data == nil {
		return e
	}
	if raw, ok := data.(json.RawMessage); ok {
		e.Data = raw
		return e
	}
	raw, err := json.Marshal(data)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprint(data))
	}
	e.Data = raw
	return e
}

// NewResult builds a successful Response by marshaling result.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	if raw, ok := result.(json.RawMessage); ok {
		return &Response{ID: id, Result: raw}, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorResponse builds a failed Response. A missing id is encoded as null.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{ID: id, Error: NewError(code, message, data)}
}

// IDKey returns a map key for a request id. Ids of different JSON types
// never collide: 1 and "1" produce different keys.
func IDKey(id json.RawMessage) string {
	return string(id)
}

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeError reports a message that could not be decoded. Code is the
// JSON-RPC error code to answer with; ID is set when the offending message
// carried a usable request id.
type DecodeError struct {
	Code   int
	Reason string
	ID     json.RawMessage
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Response converts the failure into the error Response sent back to the peer.
func (e *DecodeError) Response() *Response {
	var data any
	if e.Err != nil {
		data = e.Err.Error()
	}
	return NewErrorResponse(e.ID, e.Code, e.Reason, data)
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitzero"`
	Method  string          `json:"method,omitzero"`
	Params  json.RawMessage `json:"params,omitzero"`
	Result  json.RawMessage `json:"result,omitzero"`
	Error   *Error          `json:"error,omitzero"`
}

// rawEnvelope mirrors wireMessage but keeps method raw so presence can be told
// apart from an empty string.
type rawEnvelope struct {
	JSONRPC *string         `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

var null = []byte("null")

// Encode serializes m as a single line of JSON.
func Encode(m Message) ([]byte, error) {
	var w wireMessage
	w.JSONRPC = Version

	switch m := m.(type) {
	case *Request:
		if m == nil {
			return nil, errors.New("encode: nil request")
		}
		if !validID(m.ID) {
			return nil, fmt.Errorf("encode: request %q: id must be a string or number", m.Method)
		}
		if m.Method == "" {
			return nil, errors.New("encode: request method is required")
		}
		w.ID, w.Method, w.Params = m.ID, m.Method, m.Params
	case *Notification:
		if m == nil {
			return nil, errors.New("encode: nil notification")
		}
		if m.Method == "" {
			return nil, errors.New("encode: notification method is required")
		}
		w.Method, w.Params = m.Method, m.Params
	case *Response:
		if m == nil {
			return nil, errors.New("encode: nil response")
		}
		if m.Error != nil && len(m.Result) > 0 {
			return nil, errors.New("encode: response has both result and error")
		}
		w.ID = m.ID
		if len(w.ID) == 0 {
			w.ID = null
		}
		if m.Error != nil {
			w.Error = m.Error
		} else {
			w.Result = m.Result
			if len(w.Result) == 0 {
				w.Result = null
			}
		}
	default:
		return nil, fmt.Errorf("encode: unsupported message type %T", m)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return data, nil
}

// Decode parses a single JSON-RPC message. Failures are always *DecodeError.
func Decode(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &DecodeError{Code: CodeInvalidRequest, Reason: "empty message"}
	}
	if !json.Valid(trimmed) {
		var syntaxErr error
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			syntaxErr = err
		}
		return nil, &DecodeError{Code: CodeParseError, Reason: "parse error", Err: syntaxErr}
	}
	switch trimmed[0] {
	case '{':
	case '[':
		return nil, &DecodeError{Code: CodeInvalidRequest, Reason: "batch messages are not supported"}
	default:
		return nil, &DecodeError{Code: CodeInvalidRequest, Reason: "message must be a JSON object"}
	}

	var p rawEnvelope
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, &DecodeError{Code: CodeInvalidRequest, Reason: "invalid request", Err: err}
	}

	id := p.ID
	if !validID(id) {
		id = nil
	}

	if p.JSONRPC == nil || *p.JSONRPC != Version {
		return nil, &DecodeError{Code: CodeInvalidRequest, Reason: "jsonrpc version must be \"2.0\"", ID: id}
	}

	if len(p.Method) > 0 {
		var method string
		if err := json.Unmarshal(p.Method, &method); err != nil || method == "" {
			return nil, &DecodeError{Code: CodeInvalidRequest, Reason: "method must be a non-empty string", ID: id}
		}
		if len(p.Result) > 0 || len(p.Error) > 0 {
			return nil, &DecodeError{Code: CodeInvalidRequest, Reason: "call carries result or error", ID: id}
		}
		if len(p.ID) == 0 {
			return &Notification{Method: method, Params: p.Params}, nil
		}
		if id == nil {
			return nil, &DecodeError{Code: CodeInvalidRequest, Reason: "id must be a string or number"}
		}
		return &Request{ID: id, Method: method, Params: p.Params}, nil
	}

	hasResult, hasError := len(p.Result) > 0, len(p.Error) > 0
	switch {
	case hasResult && hasError:
		return nil, &DecodeError{Code: CodeInvalidRequest, Reason: "response has both result and error", ID: id}
	case hasResult:
		if id == nil {
			return nil, &DecodeError{Code: CodeInvalidRequest, Reason: "response id must be a string or number"}
		}
		return &Response{ID: id, Result: p.Result}, nil
	case hasError:
		var e Error
		if err := json.Unmarshal(p.Error, &e); err != nil {
			return nil, &DecodeError{Code: CodeInvalidRequest, Reason: "malformed error object", ID: id, Err: err}
		}
		respID := id
		if respID == nil {
			if !bytes.Equal(p.ID, null) {
				return nil, &DecodeError{Code: CodeInvalidRequest, Reason: "response id must be a string, number or null"}
			}
			respID = null
		}
		return &Response{ID: respID, Error: &e}, nil
	}

	return nil, &DecodeError{Code: CodeInvalidRequest, Reason: "message is neither a call nor a response", ID: id}
}

// validID reports whether id is a JSON string or number.
func validID(id json.RawMessage) bool {
	if len(id) == 0 {
		return false
	}
	switch c := id[0]; {
	case c == '"':
		var s string
		return json.Unmarshal(id, &s) == nil
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		return json.Unmarshal(id, &n) == nil
	default:
		return false
	}
}

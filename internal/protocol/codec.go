// Package protocol implements the newline-framed JSON-RPC 2.0 dialect spoken
// between the gateway and agent subprocesses.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Kind discriminates the three message shapes.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindInvalid      Kind = "invalid"
)

// ErrorObject is a JSON-RPC 2.0 error object.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeMethodNotFound   = -32601
	CodeInternalError    = -32603
	CodeApplicationError = -32000
)

// Message is a generic JSON-RPC 2.0 message. The id is kept as raw JSON:
// ids are opaque and must round-trip byte-identical, never type-coerced.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// HasID reports whether the message carries an id field.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// Kind discriminates by field shape: id+method is a request, id with
// result or error is a response, method without id is a notification.
func (m *Message) Kind() Kind {
	switch {
	case m.HasID() && m.Method != "":
		return KindRequest
	case m.HasID():
		return KindResponse
	case m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// Decode parses one line into a Message. The caller decides what to do with
// malformed lines; decoding never aborts a stream.
func Decode(line []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if m.Kind() == KindInvalid {
		return nil, fmt.Errorf("message has neither id nor method")
	}
	return &m, nil
}

// NewRequest builds an outbound request with an integer id.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	idRaw, _ := json.Marshal(id)
	return &Message{JSONRPC: "2.0", ID: idRaw, Method: method, Params: raw}, nil
}

// NewNotification builds an outbound notification.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResult builds a success response echoing the given opaque id.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Message{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewError builds an error response echoing the given opaque id.
func NewError(id json.RawMessage, code int, message string) *Message {
	return &Message{JSONRPC: "2.0", ID: id, Error: &ErrorObject{Code: code, Message: message}}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}

// Writer serializes messages onto a stream, one object per line. Safe for
// concurrent use; json.Encoder terminates every value with '\n'.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter creates a line-framed message writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Write encodes one message followed by a newline.
func (w *Writer) Write(m *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(m)
}

// Package wire defines the line-delimited JSON-RPC 2.0 protocol spoken
// between the server and a local client process. One message per line, UTF-8,
// no framing beyond the newline.
package wire

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/fly-cli/flybridge/internal/runtime/jsoncodec"
)

// Version is the JSON-RPC protocol version stamped on every message.
const Version = "2.0"

// ProtocolVersion is the tooling-protocol revision advertised during the
// initialize handshake.
const ProtocolVersion = "2025-06-18"

// Method names understood by the dispatcher.
const (
	MethodInitialize    = "initialize"
	MethodPing          = "ping"
	MethodShutdown      = "shutdown"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"

	// MethodCancelled is the inbound notification asking the server to stop
	// an in-flight request.
	MethodCancelled = "notifications/cancelled"

	// MethodProgress is the outbound notification carrying handler progress.
	MethodProgress = "notifications/progress"
)

// JSON-RPC error codes. The -32000 range carries server-defined conditions;
// clients should switch on error.data.kind rather than the numeric code.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeRequestCancelled     = -32800
	CodeTimedOut             = -32001
	CodeAdmissionDenied      = -32002
	CodeNotFound             = -32003
	CodeConfirmationRequired = -32004
)

// Request represents an incoming JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	// ID may be a string, a number, or absent (notification).
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`

	idPresent       bool
	idExplicitNull  bool
	idInvalidFormat bool
}

// UnmarshalJSON captures whether id was present and whether it was
// explicitly null, which plain decoding cannot distinguish.
func (r *Request) UnmarshalJSON(data []byte) error {
	type rawRequest struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	var raw rawRequest
	if err := jsoncodec.Unmarshal(data, &raw); err != nil {
		return err
	}

	var object map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(data, &object); err != nil {
		return err
	}

	r.JSONRPC = raw.JSONRPC
	r.Method = raw.Method
	r.Params = raw.Params
	r.ID = nil
	_, r.idPresent = object["id"]
	r.idExplicitNull = false
	r.idInvalidFormat = false

	rawID, ok := object["id"]
	if !ok {
		return nil
	}

	trimmedID := bytes.TrimSpace(rawID)
	if bytes.Equal(trimmedID, []byte("null")) {
		r.idExplicitNull = true
		return nil
	}

	var parsedID any
	if err := jsoncodec.Unmarshal(trimmedID, &parsedID); err != nil {
		return err
	}
	switch parsedID.(type) {
	case string, float64:
		r.ID = parsedID
	default:
		r.idInvalidFormat = true
	}
	return nil
}

// HasID reports whether the request carried an id field at all.
func (r *Request) HasID() bool {
	return r.idPresent || r.ID != nil
}

// HasInvalidID reports whether the id was explicitly null or of an
// unsupported type. Such requests get an error response with a null id.
func (r *Request) HasInvalidID() bool {
	return r.idExplicitNull || r.idInvalidFormat
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return !r.HasID()
}

// IDKey renders the request id as a registry key. Numeric ids use their
// shortest decimal form so 7 and 7.0 collide, matching client expectations.
func (r *Request) IDKey() string {
	switch id := r.ID.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

// Response represents an outgoing JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	// ID mirrors the request id, or is null when the request id was unusable.
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the protocol-level error payload.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Notification is an outbound request without an id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewResponse builds a success response. The result is marshalled once here
// so transport writes stay a plain byte copy.
func NewResponse(id any, result any) (*Response, error) {
	raw, err := jsoncodec.RawMessage(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given id.
func NewErrorResponse(id any, wireErr *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: wireErr}
}

// NewNotification builds an outbound notification.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := jsoncodec.RawMessage(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: Version, Method: method, Params: raw}, nil
}

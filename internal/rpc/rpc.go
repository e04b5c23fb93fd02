// Package rpc implements the JSON-RPC 2.0 envelopes spoken by muxd.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// Request is a call or, without an id, a client notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the caller expects no response.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response answers one request. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a server push.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params any) Notification {
	return Notification{JSONRPC: Version, Method: method, Params: params}
}

// NewResult builds a success response.
func NewResult(id json.RawMessage, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{JSONRPC: Version, ID: normalizeID(id), Result: raw}, nil
}

// NewError builds an error response.
func NewError(id json.RawMessage, rpcErr *Error) Response {
	return Response{JSONRPC: Version, ID: normalizeID(id), Error: rpcErr}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// Decode parses one frame. A frame is either a single request or a
// non-empty batch. The returned error is always an *Error with a protocol
// code; single requests that fail validation are returned alongside it so
// the caller can echo their id.
func Decode(frame []byte) ([]Request, bool, *Error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return nil, false, Errorf(CodeInvalidRequest, "empty request")
	}
	if trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, true, Errorf(CodeParseError, "parse error: %v", err)
		}
		if len(raws) == 0 {
			return nil, false, Errorf(CodeInvalidRequest, "empty batch")
		}
		reqs := make([]Request, len(raws))
		for i, raw := range raws {
			reqs[i] = decodeOne(raw)
		}
		return reqs, true, nil
	}
	if !json.Valid(trimmed) {
		return nil, false, Errorf(CodeParseError, "parse error: invalid json")
	}
	return []Request{decodeOne(trimmed)}, false, nil
}

// decodeOne never fails; invalid members are reported by Validate.
func decodeOne(raw json.RawMessage) Request {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}
	}
	return req
}

// Validate checks the envelope of a decoded request.
func (r Request) Validate() *Error {
	if r.JSONRPC != Version {
		return Errorf(CodeInvalidRequest, "jsonrpc must be %q", Version)
	}
	if r.Method == "" {
		return Errorf(CodeInvalidRequest, "method is required")
	}
	if len(r.ID) > 0 {
		switch r.ID[0] {
		case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'n':
		default:
			return Errorf(CodeInvalidRequest, "id must be a string, number or null")
		}
	}
	return nil
}

// DecodeParams unmarshals params into dst. Missing params decode as {}.
func DecodeParams(params json.RawMessage, dst any) *Error {
	if len(params) == 0 || bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return Errorf(CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

// Call builds a request with a numeric id.
func Call(id int64, method string, params any) (Request, error) {
	req := Request{JSONRPC: Version, ID: json.RawMessage(fmt.Sprintf("%d", id)), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Request{}, err
		}
		req.Params = raw
	}
	return req, nil
}

package rpc

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/muxd/schema"
)

// Standard JSON-RPC codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Domain codes.
const (
	CodeSessionNotFound      = -32001
	CodePaneNotFound         = -32002
	CodeResourceLimit        = -32003
	CodeInvalidState         = -32004
	CodeSpawnError           = -32005
	CodeProcessExited        = -32006
	CodeCancelled            = -32007
	CodeIOError              = -32008
	CodeSnapshotNotFound     = -32009
	CodeRestartLimit         = -32010
	CodeSubscriptionNotFound = -32011
)

// Error is the JSON-RPC error object. Data.Kind names the domain error so
// clients can branch without memorizing codes.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the symbolic error name.
type ErrorData struct {
	Kind string `json:"kind"`
}

// Errorf builds an error whose kind follows from the code.
func Errorf(code int, format string, args ...any) *Error {
	e := &Error{Code: code, Message: fmt.Sprintf(format, args...)}
	if kind := KindForCode(code); kind != "" {
		e.Data = &ErrorData{Kind: kind}
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap maps domain codes back to the schema sentinels, so errors.Is works
// on errors returned by a remote server.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	for _, m := range mappings {
		if m.code == e.Code {
			return m.err
		}
	}
	return nil
}

type mapping struct {
	err  error
	code int
	kind string
}

// Order matters: an error wrapping several sentinels maps to the first match.
var mappings = []mapping{
	{schema.ErrSessionNotFound, CodeSessionNotFound, "SessionNotFound"},
	{schema.ErrPaneNotFound, CodePaneNotFound, "PaneNotFound"},
	{schema.ErrSpawn, CodeSpawnError, "SpawnError"},
	{schema.ErrProcessExited, CodeProcessExited, "ProcessExited"},
	{schema.ErrCancelled, CodeCancelled, "Cancelled"},
	{schema.ErrResourceLimit, CodeResourceLimit, "ResourceLimit"},
	{schema.ErrInvalidState, CodeInvalidState, "InvalidState"},
	{schema.ErrSnapshotNotFound, CodeSnapshotNotFound, "SnapshotNotFound"},
	{schema.ErrSubscriptionNotFound, CodeSubscriptionNotFound, "SubscriptionNotFound"},
	{schema.ErrInvalidRequest, CodeInvalidParams, "InvalidParams"},
}

var protocolKinds = map[int]string{
	CodeParseError:     "ParseError",
	CodeInvalidRequest: "InvalidRequest",
	CodeMethodNotFound: "MethodNotFound",
	CodeInternal:       "InternalError",
	CodeIOError:        "IoError",
	CodeRestartLimit:   "RestartLimit",
}

// KindForCode returns the symbolic name of a code, or "".
func KindForCode(code int) string {
	for _, m := range mappings {
		if m.code == code {
			return m.kind
		}
	}
	return protocolKinds[code]
}

// CodeForKind returns the code for a symbolic name, or CodeInternal.
func CodeForKind(kind string) int {
	for _, m := range mappings {
		if m.kind == kind {
			return m.code
		}
	}
	for code, k := range protocolKinds {
		if k == kind {
			return code
		}
	}
	return CodeInternal
}

// FromError converts a service error into a protocol error. Errors without a
// domain sentinel come from PTY, disk or snapshot I/O and map to IoError.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			return &Error{Code: m.code, Message: err.Error(), Data: &ErrorData{Kind: m.kind}}
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeCancelled, Message: err.Error(), Data: &ErrorData{Kind: "Cancelled"}}
	}
	return Errorf(CodeIOError, "%s", err.Error())
}

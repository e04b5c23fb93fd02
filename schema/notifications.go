package schema

import (
	"encoding/base64"
	"fmt"
	"time"
	"unicode/utf8"
)

// Data encodings used on the wire for raw terminal bytes.
const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

// EncodeData renders raw bytes for JSON. Valid UTF-8 is sent as is; anything
// else is base64 so no byte is lost.
func EncodeData(data []byte) (string, string) {
	if utf8.Valid(data) {
		return string(data), EncodingUTF8
	}
	return base64.StdEncoding.EncodeToString(data), EncodingBase64
}

// DecodeData reverses EncodeData. An empty encoding means utf8.
func DecodeData(data, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingUTF8:
		return []byte(data), nil
	case EncodingBase64:
		out, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("%w: data: %w", ErrInvalidRequest, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrInvalidRequest, encoding)
	}
}

// Notification is one server-to-client message.
type Notification struct {
	Method EventType
	Params any
}

// PaneOutputNotification carries a batch of pane output for one subscription.
// Sequence is the first chunk in Data and NextSequence the resume cursor.
// Discontinuity is set when output between MissedFrom and Sequence was
// dropped for this subscriber.
type PaneOutputNotification struct {
	SubscriptionID SubscriptionID `json:"subscription_id"`
	PaneID         PaneID         `json:"pane_id"`
	Data           string         `json:"data"`
	Encoding       string         `json:"encoding"`
	Sequence       uint64         `json:"sequence"`
	NextSequence   uint64         `json:"next_sequence"`
	Discontinuity  bool           `json:"discontinuity,omitempty"`
	MissedFrom     uint64         `json:"missed_from,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// PaneExitNotification reports child termination.
type PaneExitNotification struct {
	PaneID    PaneID    `json:"pane_id"`
	ExitCode  int       `json:"exit_code"`
	Signal    string    `json:"signal,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PaneHealthNotification reports a state change.
type PaneHealthNotification struct {
	PaneID    PaneID    `json:"pane_id"`
	Old       PaneState `json:"old"`
	New       PaneState `json:"new"`
	Timestamp time.Time `json:"timestamp"`
}

// PaneResizedNotification reports new dimensions.
type PaneResizedNotification struct {
	PaneID    PaneID    `json:"pane_id"`
	Rows      int       `json:"rows"`
	Cols      int       `json:"cols"`
	Timestamp time.Time `json:"timestamp"`
}

// PaneRestartedNotification reports a process replacement.
type PaneRestartedNotification struct {
	PaneID    PaneID    `json:"pane_id"`
	Attempt   int       `json:"attempt"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// PaneClosedNotification ends a subscription.
type PaneClosedNotification struct {
	SubscriptionID SubscriptionID `json:"subscription_id"`
	PaneID         PaneID         `json:"pane_id"`
	Timestamp      time.Time      `json:"timestamp"`
}

// SessionChangedNotification reports session metadata changes.
type SessionChangedNotification struct {
	SessionID    SessionID `json:"session_id"`
	Name         string    `json:"name,omitempty"`
	ActivePaneID PaneID    `json:"active_pane_id,omitempty"`
	Deleted      bool      `json:"deleted,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ErrorNotification reports an asynchronous failure.
type ErrorNotification struct {
	Code      int       `json:"code"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	PaneID    PaneID    `json:"pane_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

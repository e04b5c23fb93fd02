package schema

// EventType names a server-to-client notification.
type EventType string

const (
	// EventPaneOutput carries batched pane output.
	EventPaneOutput EventType = "pane.output"
	// EventPaneExit reports child termination.
	EventPaneExit EventType = "pane.exit"
	// EventPaneHealthChanged reports a pane state transition.
	EventPaneHealthChanged EventType = "pane.health_changed"
	// EventPaneResized reports a terminal size change.
	EventPaneResized EventType = "pane.resized"
	// EventPaneRestarted reports a process replacement.
	EventPaneRestarted EventType = "pane.restarted"
	// EventPaneClosed reports pane removal; subscriptions end after it.
	EventPaneClosed EventType = "pane.closed"
	// EventSessionChanged reports a session rename or active pane change.
	EventSessionChanged EventType = "session.changed"
	// EventError reports an asynchronous failure, such as an exhausted restart budget.
	EventError EventType = "error"
)

// OutputEvent signals that new output was appended to a pane buffer.
// The bytes themselves are read from the buffer by the dispatcher.
type OutputEvent struct {
	PaneID    PaneID
	SessionID SessionID
	Sequence  uint64
}

// ExitEvent reports a child process termination.
type ExitEvent struct {
	PaneID    PaneID     `json:"pane_id"`
	SessionID SessionID  `json:"session_id"`
	Status    ExitStatus `json:"status"`
}

// HealthEvent reports a pane state change.
type HealthEvent struct {
	PaneID PaneID    `json:"pane_id"`
	Old    PaneState `json:"old"`
	New    PaneState `json:"new"`
}

// ResizeEvent reports new pane dimensions.
type ResizeEvent struct {
	PaneID     PaneID     `json:"pane_id"`
	Dimensions Dimensions `json:"dimensions"`
}

// RestartEvent reports a process replacement.
type RestartEvent struct {
	PaneID  PaneID `json:"pane_id"`
	Attempt int    `json:"attempt"`
	PID     int    `json:"pid"`
}

// PaneClosedEvent reports pane removal.
type PaneClosedEvent struct {
	PaneID    PaneID    `json:"pane_id"`
	SessionID SessionID `json:"session_id"`
}

// SessionEvent reports session metadata changes.
type SessionEvent struct {
	SessionID    SessionID `json:"session_id"`
	Name         string    `json:"name,omitempty"`
	ActivePaneID PaneID    `json:"active_pane_id,omitempty"`
	Deleted      bool      `json:"deleted,omitempty"`
}

// ErrorEvent reports an asynchronous failure tied to a pane.
type ErrorEvent struct {
	PaneID  PaneID `json:"pane_id,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

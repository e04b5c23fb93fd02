package schema

import "time"

// SessionID identifies a session. Generated ids look like sess_<hex>.
type SessionID string

// PaneID identifies a pane. Generated ids look like pane_<hex>.
type PaneID string

// SnapshotID identifies a persisted registry snapshot.
type SnapshotID string

// SubscriptionID identifies a streaming subscription held by a connection.
type SubscriptionID string

// Dimensions is a terminal size in character cells.
type Dimensions struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Valid reports whether both dimensions are positive.
func (d Dimensions) Valid() bool {
	return d.Rows > 0 && d.Cols > 0
}

// PaneState is the process host lifecycle state exposed as pane health.
type PaneState string

const (
	// PaneSpawning is set while the PTY and child are being created.
	PaneSpawning PaneState = "spawning"
	// PaneRunning indicates the child is alive and answering probes.
	PaneRunning PaneState = "running"
	// PaneUnresponsive indicates repeated failed health probes.
	PaneUnresponsive PaneState = "unresponsive"
	// PaneExited indicates the child terminated on its own.
	PaneExited PaneState = "exited"
	// PaneKilled indicates the child was terminated on request.
	PaneKilled PaneState = "killed"
)

// Terminal reports whether no further transitions are possible without a restart.
func (s PaneState) Terminal() bool {
	return s == PaneExited || s == PaneKilled
}

// Live reports whether the pane is subject to health probing.
func (s PaneState) Live() bool {
	return s == PaneRunning || s == PaneUnresponsive
}

// SpawnSpec describes how to start a pane's child process.
type SpawnSpec struct {
	Shell      string            `json:"shell"`
	Args       []string          `json:"args,omitempty"`
	WorkingDir string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Dimensions Dimensions        `json:"dimensions"`
}

// ExitStatus describes how a child process terminated.
type ExitStatus struct {
	Code   int    `json:"exit_code"`
	Signal string `json:"signal,omitempty"`
}

// Crashed reports whether the exit was abnormal (non-zero code or a signal).
func (e ExitStatus) Crashed() bool {
	return e.Code != 0 || e.Signal != ""
}

// SearchMatch is one hit from a scrollback search.
type SearchMatch struct {
	Offset uint64 `json:"offset"`
	Match  string `json:"match"`
}

// ServerStatus summarizes the running engine.
type ServerStatus struct {
	Version      string        `json:"version"`
	PID          int           `json:"pid"`
	StartedAt    time.Time     `json:"started_at"`
	Uptime       time.Duration `json:"-"`
	SessionCount int           `json:"session_count"`
	PaneCount    int           `json:"pane_count"`
}

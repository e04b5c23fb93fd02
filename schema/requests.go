package schema

// Session lifecycle.

// CreateSessionRequest describes a request to create a session.
type CreateSessionRequest struct {
	Name string `json:"name"`
}

// CreateSessionResponse reports the created session.
type CreateSessionResponse struct {
	Session SessionSnapshot
}

// DeleteSessionRequest describes a request to delete a session and its panes.
type DeleteSessionRequest struct {
	ID SessionID `json:"id"`
}

// DeleteSessionResponse reports panes whose processes did not terminate
// cleanly. They are handed to the health monitor for retry.
type DeleteSessionResponse struct {
	Closed []PaneID
	Failed []PaneID
}

// GetSessionRequest describes a request for one session.
type GetSessionRequest struct {
	ID SessionID `json:"id"`
}

// GetSessionResponse reports one session.
type GetSessionResponse struct {
	Session SessionSnapshot
}

// ListSessionsRequest describes a request to list sessions.
type ListSessionsRequest struct{}

// ListSessionsResponse reports all sessions in creation order.
type ListSessionsResponse struct {
	Sessions []SessionSnapshot
}

// RenameSessionRequest describes a request to rename a session.
type RenameSessionRequest struct {
	ID   SessionID `json:"id"`
	Name string    `json:"name"`
}

// SetActivePaneRequest selects the active pane of a session.
type SetActivePaneRequest struct {
	ID     SessionID `json:"id"`
	PaneID PaneID    `json:"pane_id"`
}

// Pane lifecycle.

// CreatePaneRequest describes a request to spawn a pane in a session.
// Zero values fall back to the configured shell defaults.
type CreatePaneRequest struct {
	SessionID  SessionID         `json:"session_id"`
	Shell      string            `json:"shell,omitempty"`
	Args       []string          `json:"args,omitempty"`
	WorkingDir string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Rows       int               `json:"rows,omitempty"`
	Cols       int               `json:"cols,omitempty"`
	Title      string            `json:"title,omitempty"`
}

// CreatePaneResponse reports the created pane.
type CreatePaneResponse struct {
	Pane PaneSnapshot
}

// ClosePaneRequest describes a request to kill and remove a pane.
type ClosePaneRequest struct {
	PaneID PaneID `json:"pane_id"`
}

// ClosePaneResponse reports the pane as it was when removed.
type ClosePaneResponse struct {
	Pane PaneSnapshot
	// Orphaned is set when the process group did not terminate in time.
	Orphaned bool
}

// GetPaneRequest describes a request for one pane.
type GetPaneRequest struct {
	PaneID PaneID `json:"pane_id"`
}

// GetPaneResponse reports one pane.
type GetPaneResponse struct {
	Pane PaneSnapshot
}

// ListPanesRequest describes a request to list the panes of a session.
type ListPanesRequest struct {
	SessionID SessionID `json:"session_id"`
}

// ListPanesResponse reports panes in session order.
type ListPanesResponse struct {
	Panes []PaneSnapshot
}

// SetPaneTitleRequest describes a request to change a pane title.
type SetPaneTitleRequest struct {
	PaneID PaneID `json:"pane_id"`
	Title  string `json:"title"`
}

// Pane I/O.

// WritePaneRequest describes bytes to send to the pane's terminal input.
type WritePaneRequest struct {
	PaneID PaneID `json:"pane_id"`
	Data   []byte `json:"-"`
}

// ResizePaneRequest describes a terminal resize.
type ResizePaneRequest struct {
	PaneID PaneID `json:"pane_id"`
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
}

// ReadPaneRequest reads retained output starting at SinceSequence.
// Zero reads from the oldest retained chunk.
type ReadPaneRequest struct {
	PaneID        PaneID `json:"pane_id"`
	SinceSequence uint64 `json:"since_sequence,omitempty"`
	MaxBytes      int    `json:"max_bytes,omitempty"`
}

// ReadPaneResponse reports retained output and the resume cursor.
type ReadPaneResponse struct {
	Data          []byte
	FirstSequence uint64
	NextSequence  uint64
	// Truncated is set when SinceSequence pointed at evicted output.
	Truncated bool
}

// SearchPaneRequest searches retained output.
type SearchPaneRequest struct {
	PaneID        PaneID `json:"pane_id"`
	Pattern       string `json:"pattern"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
	Regex         bool   `json:"regex,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
}

// SearchPaneResponse reports matches in buffer order.
type SearchPaneResponse struct {
	Matches []SearchMatch
}

// RestartPaneRequest replaces a pane's process while keeping its id, title and scrollback.
type RestartPaneRequest struct {
	PaneID PaneID `json:"pane_id"`
}

// RestartPaneResponse reports the pane after restart.
type RestartPaneResponse struct {
	Pane PaneSnapshot
}

// Persistence.

// SaveStateResponse reports the stored snapshot.
type SaveStateResponse struct {
	Snapshot SnapshotInfo
}

// RestoreStateRequest selects a snapshot to restore. Empty means latest.
type RestoreStateRequest struct {
	SnapshotID SnapshotID `json:"snapshot_id,omitempty"`
}

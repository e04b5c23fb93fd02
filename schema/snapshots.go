package schema

import "time"

// SessionSnapshot is a read-only view of a session.
type SessionSnapshot struct {
	ID           SessionID      `json:"id"`
	Name         string         `json:"name"`
	CreatedAt    time.Time      `json:"created_at"`
	PaneIDs      []PaneID       `json:"pane_ids"`
	ActivePaneID PaneID         `json:"active_pane_id,omitempty"`
	Panes        []PaneSnapshot `json:"panes"`
}

// PaneSnapshot is a read-only view of a pane.
type PaneSnapshot struct {
	ID             PaneID     `json:"id"`
	SessionID      SessionID  `json:"session_id"`
	Title          string     `json:"title"`
	WorkingDir     string     `json:"cwd"`
	Dimensions     Dimensions `json:"dimensions"`
	State          PaneState  `json:"health"`
	PID            int        `json:"pid,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	Signal         string     `json:"signal,omitempty"`
	Restarts       int        `json:"restarts"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	NextSequence   uint64     `json:"next_sequence"`
	Shell          string     `json:"shell"`
	Args           []string   `json:"args,omitempty"`
}

// RegistryState is the durable form of the registry: metadata only, never
// process handles or buffer contents.
type RegistryState struct {
	Version  int                  `json:"version"`
	SavedAt  time.Time            `json:"saved_at"`
	Sessions []SessionStateRecord `json:"sessions"`
}

// SessionStateRecord is one persisted session.
type SessionStateRecord struct {
	ID           SessionID         `json:"id"`
	Name         string            `json:"name"`
	CreatedAt    time.Time         `json:"created_at"`
	ActivePaneID PaneID            `json:"active_pane_id,omitempty"`
	Panes        []PaneStateRecord `json:"panes"`
}

// PaneStateRecord is one persisted pane.
type PaneStateRecord struct {
	ID        PaneID    `json:"id"`
	Title     string    `json:"title"`
	Spawn     SpawnSpec `json:"spawn"`
	CreatedAt time.Time `json:"created_at"`
}

// RegistryStateVersion is the current persisted registry layout.
const RegistryStateVersion = 1

// SnapshotInfo describes a stored snapshot.
type SnapshotInfo struct {
	ID          SnapshotID `json:"id"`
	SavedAt     time.Time  `json:"saved_at"`
	Compression string     `json:"compression"`
	Size        int64      `json:"size"`
}

// PaneRestoreFailure records why one pane could not be respawned.
type PaneRestoreFailure struct {
	PaneID    PaneID    `json:"pane_id"`
	SessionID SessionID `json:"session_id"`
	Error     string    `json:"error"`
}

// RestoreReport is the outcome of a best-effort restore.
type RestoreReport struct {
	SnapshotID SnapshotID           `json:"snapshot_id"`
	Sessions   []SessionID          `json:"sessions"`
	Restored   []PaneID             `json:"restored"`
	Failed     []PaneRestoreFailure `json:"failed"`
}

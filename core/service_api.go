package core

import (
	"context"

	"pkt.systems/muxd/internal/ringbuf"
	"pkt.systems/muxd/schema"
)

// Service is the transport-agnostic API over sessions, panes and their
// processes. It is the only way to mutate the registry.
type Service interface {
	CreateSession(ctx context.Context, req schema.CreateSessionRequest) (schema.CreateSessionResponse, error)
	DeleteSession(ctx context.Context, req schema.DeleteSessionRequest) (schema.DeleteSessionResponse, error)
	GetSession(ctx context.Context, req schema.GetSessionRequest) (schema.GetSessionResponse, error)
	ListSessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error)
	RenameSession(ctx context.Context, req schema.RenameSessionRequest) (schema.GetSessionResponse, error)
	SetActivePane(ctx context.Context, req schema.SetActivePaneRequest) (schema.GetSessionResponse, error)

	CreatePane(ctx context.Context, req schema.CreatePaneRequest) (schema.CreatePaneResponse, error)
	ClosePane(ctx context.Context, req schema.ClosePaneRequest) (schema.ClosePaneResponse, error)
	GetPane(ctx context.Context, req schema.GetPaneRequest) (schema.GetPaneResponse, error)
	ListPanes(ctx context.Context, req schema.ListPanesRequest) (schema.ListPanesResponse, error)
	SetPaneTitle(ctx context.Context, req schema.SetPaneTitleRequest) (schema.GetPaneResponse, error)
	RestartPane(ctx context.Context, req schema.RestartPaneRequest) (schema.RestartPaneResponse, error)

	WritePane(ctx context.Context, req schema.WritePaneRequest) error
	ResizePane(ctx context.Context, req schema.ResizePaneRequest) error
	ReadPane(ctx context.Context, req schema.ReadPaneRequest) (schema.ReadPaneResponse, error)
	SearchPane(ctx context.Context, req schema.SearchPaneRequest) (schema.SearchPaneResponse, error)

	SaveState(ctx context.Context) (schema.SaveStateResponse, error)
	RestoreState(ctx context.Context, req schema.RestoreStateRequest) (schema.RestoreReport, error)
	ListSnapshots(ctx context.Context) ([]schema.SnapshotInfo, error)
	// Unsaved reports whether the registry changed since it was last saved
	// or restored.
	Unsaved() bool

	Status(ctx context.Context) schema.ServerStatus
	// Shutdown terminates every pane and empties the registry.
	Shutdown(ctx context.Context) error

	OutputSource
	HealthTarget
}

// OutputSource gives the dispatcher read access to pane buffers.
type OutputSource interface {
	PaneOutput(paneID schema.PaneID, from uint64, maxBytes int) (ringbuf.Range, error)
	PaneNextSequence(paneID schema.PaneID) (uint64, error)
	PaneSessionID(paneID schema.PaneID) (schema.SessionID, error)
}

// HealthTarget is the registry surface driven by the health monitor.
type HealthTarget interface {
	// HealthCandidates lists panes that are live or waiting for a crash restart.
	HealthCandidates() []schema.PaneID
	// ProbePane checks one pane. schema.ErrProcessExited means the process is gone.
	ProbePane(ctx context.Context, paneID schema.PaneID) error
	// MarkPaneResponsive moves a pane between Running and Unresponsive.
	MarkPaneResponsive(paneID schema.PaneID, ok bool)
	// RestartPaneAttempt replaces the process of a pane as an automatic recovery.
	RestartPaneAttempt(ctx context.Context, paneID schema.PaneID, attempt int) error
	// FailPane gives up on recovery: the pane is left Exited and an error event is raised.
	FailPane(paneID schema.PaneID, reason string)
	// ReapOrphans retries termination of processes that survived pane removal.
	ReapOrphans(ctx context.Context) int
}

package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrSessionNotFound indicates a requested session could not be found.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPaneNotFound indicates a requested pane could not be found.
	ErrPaneNotFound = errors.New("pane not found")
	// ErrSpawn indicates the pane process could not be started.
	ErrSpawn = errors.New("spawn failed")
	// ErrProcessExited indicates the pane process is no longer running.
	ErrProcessExited = errors.New("process exited")
	// ErrCancelled indicates an operation was aborted because its pane closed.
	ErrCancelled = errors.New("cancelled")
	// ErrResourceLimit indicates a configured session or pane limit was reached.
	ErrResourceLimit = errors.New("resource limit reached")
	// ErrInvalidState indicates the pane is not in a state that allows the operation.
	ErrInvalidState = errors.New("invalid state")
	// ErrSubscriptionNotFound indicates an unknown subscription id.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrSnapshotNotFound indicates no snapshot matched the request.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

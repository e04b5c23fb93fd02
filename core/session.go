package core

import (
	"slices"
	"time"

	"pkt.systems/muxd/schema"
)

// session is guarded by service.mu.
type session struct {
	id        schema.SessionID
	name      string
	createdAt time.Time
	paneIDs   []schema.PaneID
	active    schema.PaneID
	// pending counts panes being spawned so limits hold across the unlocked spawn.
	pending int
}

// removePane drops id from the pane order and picks a new active pane if
// needed. It reports whether the active pane changed.
func (sess *session) removePane(id schema.PaneID) bool {
	idx := slices.Index(sess.paneIDs, id)
	if idx < 0 {
		return false
	}
	sess.paneIDs = slices.Delete(sess.paneIDs, idx, idx+1)
	if sess.active != id {
		return false
	}
	sess.active = ""
	if len(sess.paneIDs) > 0 {
		next := idx
		if next >= len(sess.paneIDs) {
			next = len(sess.paneIDs) - 1
		}
		sess.active = sess.paneIDs[next]
	}
	return true
}

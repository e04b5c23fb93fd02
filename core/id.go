package core

import (
	"strings"

	"github.com/google/uuid"

	"pkt.systems/muxd/schema"
)

func newSessionID() schema.SessionID {
	return schema.SessionID("sess_" + compactUUID())
}

func newPaneID() schema.PaneID {
	return schema.PaneID("pane_" + compactUUID())
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

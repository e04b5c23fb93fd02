package core

import (
	"pkt.systems/muxd/internal/persist"
	"pkt.systems/muxd/internal/ptyhost"
	"pkt.systems/pslog"
)

// ServiceDeps captures optional dependencies for the registry.
type ServiceDeps struct {
	EventSink EventSink
	// Store enables state.save and state.restore when set.
	Store  persist.Store
	Spawn  ptyhost.SpawnFunc
	Logger pslog.Logger
}

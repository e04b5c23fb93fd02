package core

import (
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/muxd/internal/ptyhost"
	"pkt.systems/muxd/internal/ringbuf"
	"pkt.systems/muxd/schema"
)

// pane owns one process host at a time and one output buffer for its whole
// life. The buffer survives restarts; the host is replaced, never shared.
type pane struct {
	id        schema.PaneID
	sessionID schema.SessionID
	createdAt time.Time
	buffer    *ringbuf.Buffer
	activity  atomic.Int64

	// restartMu serializes process replacement.
	restartMu sync.Mutex

	mu       sync.Mutex
	title    string
	spec     schema.SpawnSpec
	host     *ptyhost.Host
	// readDone closes when the read loop of host has drained the PTY.
	readDone <-chan struct{}
	health   schema.PaneState
	restarts int
	// crashed marks an exit awaiting an automatic restart.
	crashed bool
	// failed marks an exhausted restart budget; the pane reports Exited.
	failed bool
	closed bool
}

func newPane(id schema.PaneID, sessionID schema.SessionID, title string, spec schema.SpawnSpec, createdAt time.Time, buffer *ringbuf.Buffer) *pane {
	p := &pane{
		id:        id,
		sessionID: sessionID,
		createdAt: createdAt,
		buffer:    buffer,
		title:     title,
		spec:      spec,
		health:    schema.PaneSpawning,
	}
	p.touch()
	return p
}

func (p *pane) touch() {
	p.activity.Store(time.Now().UnixNano())
}

func (p *pane) lastActivity() time.Time {
	return time.Unix(0, p.activity.Load()).UTC()
}

func (p *pane) currentHost() (*ptyhost.Host, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.host, p.failed
}

func (p *pane) stateLocked() schema.PaneState {
	if p.failed || p.crashed {
		return schema.PaneExited
	}
	if p.host == nil {
		return schema.PaneSpawning
	}
	return p.host.State()
}

func (p *pane) state() schema.PaneState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

// setHealth records the externally visible state and returns the previous one.
func (p *pane) setHealth(next schema.PaneState) (schema.PaneState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.health
	p.health = next
	return old, old != next
}

func (p *pane) snapshot() schema.PaneSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := schema.PaneSnapshot{
		ID:             p.id,
		SessionID:      p.sessionID,
		Title:          p.title,
		WorkingDir:     p.spec.WorkingDir,
		Dimensions:     p.spec.Dimensions,
		State:          p.stateLocked(),
		Restarts:       p.restarts,
		CreatedAt:      p.createdAt,
		LastActivityAt: p.lastActivity(),
		NextSequence:   p.buffer.NextSequence(),
		Shell:          p.spec.Shell,
		Args:           append([]string(nil), p.spec.Args...),
	}
	if p.host != nil {
		snap.PID = p.host.PID()
		if status, ok := p.host.ExitStatus(); ok {
			code := status.Code
			snap.ExitCode = &code
			snap.Signal = status.Signal
		}
	}
	return snap
}

func (p *pane) record() schema.PaneStateRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	spec := p.spec
	spec.Args = append([]string(nil), p.spec.Args...)
	if p.spec.Env != nil {
		spec.Env = make(map[string]string, len(p.spec.Env))
		for k, v := range p.spec.Env {
			spec.Env[k] = v
		}
	}
	return schema.PaneStateRecord{
		ID:        p.id,
		Title:     p.title,
		Spawn:     spec,
		CreatedAt: p.createdAt,
	}
}

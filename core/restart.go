package core

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/muxd/internal/logx"
	"pkt.systems/muxd/internal/ptyhost"
	"pkt.systems/muxd/schema"
)

const restartMarker = "\r\n[muxd: process restarted]\r\n"

func (s *service) RestartPane(ctx context.Context, req schema.RestartPaneRequest) (schema.RestartPaneResponse, error) {
	p, err := s.lookupPane(req.PaneID)
	if err != nil {
		return schema.RestartPaneResponse{}, err
	}
	if err := s.restart(ctx, p, 0); err != nil {
		return schema.RestartPaneResponse{}, err
	}
	return schema.RestartPaneResponse{Pane: p.snapshot()}, nil
}

func (s *service) RestartPaneAttempt(ctx context.Context, paneID schema.PaneID, attempt int) error {
	p, err := s.lookupPane(paneID)
	if err != nil {
		return err
	}
	return s.restart(ctx, p, attempt)
}

// restart tears down the current host before spawning its replacement, so a
// pane never has two live processes. Attempt zero is a manual restart.
func (s *service) restart(ctx context.Context, p *pane, attempt int) error {
	p.restartMu.Lock()
	defer p.restartMu.Unlock()

	log := logx.WithPane(ctx, p.sessionID, p.id)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return schema.ErrPaneNotFound
	}
	old, oldRead := p.host, p.readDone
	spec := p.spec
	spec.Args = append([]string(nil), p.spec.Args...)
	p.mu.Unlock()

	if old != nil {
		if err := old.Terminate(ctx, s.grace); err != nil {
			s.mu.Lock()
			s.orphans[p.id] = old
			s.mu.Unlock()
			log.Warn("registry pane restart terminate failed", "pid", old.PID(), "err", err)
		}
	}
	awaitRead(oldRead)

	seq := p.buffer.Append([]byte(restartMarker))
	s.sink.OnOutput(schema.OutputEvent{PaneID: p.id, SessionID: p.sessionID, Sequence: seq})

	h, err := s.spawn(ctx, withPaneEnv(spec, p.sessionID, p.id), ptyhost.Options{Logger: s.logger, Name: string(p.id)})
	if err != nil {
		p.mu.Lock()
		p.crashed = (s.cfg.RestartOnCrash || s.cfg.RestartOnExit) && attempt > 0
		p.failed = !p.crashed
		p.mu.Unlock()
		if old, changed := p.setHealth(schema.PaneExited); changed {
			s.sink.OnHealthChanged(schema.HealthEvent{PaneID: p.id, Old: old, New: schema.PaneExited})
		}
		log.Warn("registry pane restart failed", "attempt", attempt, "err", err)
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if err := h.Terminate(ctx, s.grace); err != nil {
			log.Warn("registry pane restart cleanup failed", "pid", h.PID(), "err", err)
		}
		return schema.ErrPaneNotFound
	}
	p.host = h
	p.restarts++
	p.crashed = false
	p.failed = false
	prev := p.health
	p.health = schema.PaneRunning
	p.mu.Unlock()

	s.attach(p, h)
	p.touch()
	log.Info("registry pane restarted", "attempt", attempt, "pid", h.PID())
	s.sink.OnRestart(schema.RestartEvent{PaneID: p.id, Attempt: attempt, PID: h.PID()})
	if prev != schema.PaneRunning {
		s.sink.OnHealthChanged(schema.HealthEvent{PaneID: p.id, Old: prev, New: schema.PaneRunning})
	}
	return nil
}

func (s *service) HealthCandidates() []schema.PaneID {
	s.mu.RLock()
	panes := make([]*pane, 0, len(s.panes))
	for _, p := range s.panes {
		panes = append(panes, p)
	}
	s.mu.RUnlock()

	out := make([]schema.PaneID, 0, len(panes))
	for _, p := range panes {
		p.mu.Lock()
		candidate := !p.closed && !p.failed && (p.crashed || (p.host != nil && p.host.State().Live()))
		p.mu.Unlock()
		if candidate {
			out = append(out, p.id)
		}
	}
	return out
}

// ProbePane reports schema.ErrProcessExited only for panes awaiting an
// automatic restart. A clean exit is left alone unless RestartOnExit is set.
func (s *service) ProbePane(ctx context.Context, paneID schema.PaneID) error {
	p, err := s.lookupPane(paneID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	h, crashed, failed := p.host, p.crashed, p.failed
	p.mu.Unlock()
	if failed {
		return nil
	}
	if crashed {
		return schema.ErrProcessExited
	}
	if h == nil || h.State().Terminal() {
		return nil
	}
	err = h.Probe(ctx)
	if errors.Is(err, schema.ErrProcessExited) {
		return nil
	}
	return err
}

func (s *service) MarkPaneResponsive(paneID schema.PaneID, ok bool) {
	p, err := s.lookupPane(paneID)
	if err != nil {
		return
	}
	h, _ := p.currentHost()
	if h == nil {
		return
	}
	if _, changed := h.SetResponsive(ok); !changed {
		return
	}
	next := h.State()
	if old, changed := p.setHealth(next); changed {
		s.logger.Info("registry pane health changed", "pane", p.id, "old", old, "new", next)
		s.sink.OnHealthChanged(schema.HealthEvent{PaneID: p.id, Old: old, New: next})
	}
}

func (s *service) FailPane(paneID schema.PaneID, reason string) {
	p, err := s.lookupPane(paneID)
	if err != nil {
		return
	}
	p.mu.Lock()
	if p.failed || p.closed {
		p.mu.Unlock()
		return
	}
	p.failed = true
	p.crashed = false
	h := p.host
	p.mu.Unlock()

	if h != nil {
		if err := h.Terminate(context.Background(), s.grace); err != nil {
			s.mu.Lock()
			s.orphans[p.id] = h
			s.mu.Unlock()
		}
	}
	s.logger.Error("registry pane recovery abandoned", "session", p.sessionID, "pane", p.id, "reason", reason)
	s.sink.OnError(schema.ErrorEvent{PaneID: p.id, Kind: "RestartLimit", Message: reason})
	if old, changed := p.setHealth(schema.PaneExited); changed {
		s.sink.OnHealthChanged(schema.HealthEvent{PaneID: p.id, Old: old, New: schema.PaneExited})
	}
}

func (s *service) ReapOrphans(ctx context.Context) int {
	s.mu.Lock()
	orphans := make(map[schema.PaneID]*ptyhost.Host, len(s.orphans))
	for id, h := range s.orphans {
		orphans[id] = h
	}
	s.mu.Unlock()

	reaped := 0
	for id, h := range orphans {
		if err := h.Terminate(ctx, s.grace); err != nil {
			s.logger.Warn("registry orphan terminate failed", "pane", id, "pid", h.PID(), "err", err)
			continue
		}
		s.mu.Lock()
		if s.orphans[id] == h {
			delete(s.orphans, id)
		}
		s.mu.Unlock()
		s.logger.Info("registry orphan reaped", "pane", id, "pid", h.PID())
		reaped++
	}
	return reaped
}

func orphanError(n int) error {
	if n == 0 {
		return nil
	}
	return fmt.Errorf("%d panes did not terminate: %w", n, ptyhost.ErrTerminate)
}

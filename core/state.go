package core

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/muxd/internal/logx"
	"pkt.systems/muxd/internal/persist"
	"pkt.systems/muxd/schema"
)

// ExportState copies registry metadata in session order. Process handles and
// buffer contents are never part of it.
func (s *service) ExportState() schema.RegistryState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := schema.RegistryState{
		Version:  schema.RegistryStateVersion,
		SavedAt:  time.Now().UTC(),
		Sessions: make([]schema.SessionStateRecord, 0, len(s.order)),
	}
	for _, id := range s.order {
		sess, ok := s.sessions[id]
		if !ok {
			continue
		}
		rec := schema.SessionStateRecord{
			ID:           sess.id,
			Name:         sess.name,
			CreatedAt:    sess.createdAt,
			ActivePaneID: sess.active,
			Panes:        make([]schema.PaneStateRecord, 0, len(sess.paneIDs)),
		}
		for _, paneID := range sess.paneIDs {
			if p, ok := s.panes[paneID]; ok {
				rec.Panes = append(rec.Panes, p.record())
			}
		}
		state.Sessions = append(state.Sessions, rec)
	}
	return state
}

func (s *service) SaveState(ctx context.Context) (schema.SaveStateResponse, error) {
	if s.store == nil {
		return schema.SaveStateResponse{}, fmt.Errorf("%w: persistence is not configured", schema.ErrInvalidState)
	}
	state := s.ExportState()
	info, err := s.store.Save(ctx, state)
	if err != nil {
		logx.Ctx(ctx).Warn("registry state save failed", "err", err)
		return schema.SaveStateResponse{}, err
	}
	s.markPersisted(state)
	logx.Ctx(ctx).Info("registry state saved", "snapshot", info.ID, "sessions", len(state.Sessions), "bytes", info.Size)
	return schema.SaveStateResponse{Snapshot: info}, nil
}

// Unsaved reports whether the registry differs from the state last saved or
// restored. A registry emptied since then counts as changed.
func (s *service) Unsaved() bool {
	current, err := persist.Fingerprint(s.ExportState())
	if err != nil {
		return true
	}
	s.persistedMu.Lock()
	defer s.persistedMu.Unlock()
	return current != s.persisted
}

func (s *service) markPersisted(state schema.RegistryState) {
	sum, err := persist.Fingerprint(state)
	if err != nil {
		s.logger.Debug("registry fingerprint failed", "err", err)
		return
	}
	s.persistedMu.Lock()
	s.persisted = sum
	s.persistedMu.Unlock()
}

func (s *service) ListSnapshots(ctx context.Context) ([]schema.SnapshotInfo, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: persistence is not configured", schema.ErrInvalidState)
	}
	return s.store.List(ctx)
}

// RestoreState recreates sessions and panes from a snapshot, keeping their
// ids. Every pane is respawned independently; failures are collected in the
// report instead of aborting. Sessions whose id is already registered are
// skipped and reported through their panes.
func (s *service) RestoreState(ctx context.Context, req schema.RestoreStateRequest) (schema.RestoreReport, error) {
	if s.store == nil {
		return schema.RestoreReport{}, fmt.Errorf("%w: persistence is not configured", schema.ErrInvalidState)
	}
	state, info, err := s.store.Load(ctx, req.SnapshotID)
	if err != nil {
		return schema.RestoreReport{}, err
	}
	report := schema.RestoreReport{
		SnapshotID: info.ID,
		Sessions:   []schema.SessionID{},
		Restored:   []schema.PaneID{},
		Failed:     []schema.PaneRestoreFailure{},
	}
	log := logx.Ctx(ctx)
	for _, rec := range state.Sessions {
		sess, err := s.restoreSession(rec)
		if err != nil {
			for _, pr := range rec.Panes {
				report.Failed = append(report.Failed, schema.PaneRestoreFailure{PaneID: pr.ID, SessionID: rec.ID, Error: err.Error()})
			}
			log.Warn("registry session restore failed", "session", rec.ID, "err", err)
			continue
		}
		report.Sessions = append(report.Sessions, sess.id)
		for _, pr := range rec.Panes {
			if err := s.restorePane(ctx, sess, pr); err != nil {
				report.Failed = append(report.Failed, schema.PaneRestoreFailure{PaneID: pr.ID, SessionID: rec.ID, Error: err.Error()})
				logx.WithPane(ctx, rec.ID, pr.ID).Warn("registry pane restore failed", "err", err)
				continue
			}
			report.Restored = append(report.Restored, pr.ID)
		}
		s.mu.Lock()
		if rec.ActivePaneID != "" && containsPane(sess.paneIDs, rec.ActivePaneID) {
			sess.active = rec.ActivePaneID
		}
		active := sess.active
		s.mu.Unlock()
		s.sink.OnSessionChanged(schema.SessionEvent{SessionID: sess.id, Name: sess.name, ActivePaneID: active})
	}
	s.markPersisted(state)
	log.Info("registry state restored", "snapshot", info.ID, "sessions", len(report.Sessions), "restored", len(report.Restored), "failed", len(report.Failed))
	return report, nil
}

func (s *service) restoreSession(rec schema.SessionStateRecord) (*session, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: session id is empty", schema.ErrInvalidRequest)
	}
	name, err := schema.NormalizeSessionName(rec.Name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[rec.ID]; exists {
		return nil, fmt.Errorf("%w: session %s already exists", schema.ErrInvalidState, rec.ID)
	}
	if len(s.sessions) >= s.cfg.MaxSessions {
		return nil, fmt.Errorf("%w: %d sessions", schema.ErrResourceLimit, s.cfg.MaxSessions)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	sess := &session{id: rec.ID, name: name, createdAt: createdAt}
	s.sessions[sess.id] = sess
	s.order = append(s.order, sess.id)
	return sess, nil
}

func (s *service) restorePane(ctx context.Context, sess *session, rec schema.PaneStateRecord) error {
	if err := schema.ValidatePaneID(rec.ID); err != nil {
		return err
	}
	spec := rec.Spawn
	if spec.Shell == "" {
		spec.Shell = s.cfg.DefaultShell
	}
	if spec.Dimensions.Rows == 0 || spec.Dimensions.Cols == 0 {
		spec.Dimensions = s.cfg.DefaultDimensions
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	s.mu.Lock()
	if _, exists := s.panes[rec.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: pane %s already exists", schema.ErrInvalidState, rec.ID)
	}
	if len(sess.paneIDs)+sess.pending >= s.cfg.MaxPanesPerSession {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d panes per session", schema.ErrResourceLimit, s.cfg.MaxPanesPerSession)
	}
	sess.pending++
	s.mu.Unlock()

	p, err := s.startPane(ctx, rec.ID, sess.id, rec.Title, spec, createdAt)

	s.mu.Lock()
	sess.pending--
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.sessions[sess.id] != sess {
		s.mu.Unlock()
		s.teardown(ctx, p)
		return schema.ErrSessionNotFound
	}
	if _, exists := s.panes[rec.ID]; exists {
		s.mu.Unlock()
		s.teardown(ctx, p)
		return fmt.Errorf("%w: pane %s already exists", schema.ErrInvalidState, rec.ID)
	}
	s.insertPaneLocked(sess, p)
	s.mu.Unlock()
	return nil
}

func containsPane(ids []schema.PaneID, id schema.PaneID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

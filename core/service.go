package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pkt.systems/muxd/internal/logx"
	"pkt.systems/muxd/internal/persist"
	"pkt.systems/muxd/internal/ptyhost"
	"pkt.systems/muxd/internal/ringbuf"
	"pkt.systems/muxd/internal/version"
	"pkt.systems/muxd/schema"
	"pkt.systems/pslog"
)

// exitDrain bounds how long exit handling waits for the read loop to
// collect trailing output after the child has been reaped.
var exitDrain = 200 * time.Millisecond

const readChunk = 32 * 1024

// service implements the registry. Lock order is service.mu before pane.mu.
type service struct {
	cfg       schema.ServiceConfig
	sink      EventSink
	store     persist.Store
	spawn     ptyhost.SpawnFunc
	logger    pslog.Logger
	grace     time.Duration
	startedAt time.Time

	mu       sync.RWMutex
	sessions map[schema.SessionID]*session
	order    []schema.SessionID
	panes    map[schema.PaneID]*pane
	// retired holds removed panes until their closed event is out, so
	// subscribers can still drain the last batch of output.
	retired map[schema.PaneID]*pane
	orphans map[schema.PaneID]*ptyhost.Host

	// persisted fingerprints the registry as last saved or restored.
	persistedMu sync.Mutex
	persisted   string

	loops sync.WaitGroup
}

// NewService constructs the registry.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	sink := deps.EventSink
	if sink == nil {
		sink = noopSink{}
	}
	spawn := deps.Spawn
	if spawn == nil {
		spawn = ptyhost.Spawn
	}
	s := &service{
		cfg:       cfg,
		sink:      sink,
		store:     deps.Store,
		spawn:     spawn,
		logger:    logger,
		grace:     time.Duration(cfg.TerminateGraceMillis) * time.Millisecond,
		startedAt: time.Now().UTC(),
		sessions:  make(map[schema.SessionID]*session),
		panes:     make(map[schema.PaneID]*pane),
		retired:   make(map[schema.PaneID]*pane),
		orphans:   make(map[schema.PaneID]*ptyhost.Host),
	}
	s.markPersisted(s.ExportState())
	return s, nil
}

func (s *service) CreateSession(ctx context.Context, req schema.CreateSessionRequest) (schema.CreateSessionResponse, error) {
	name, err := schema.NormalizeSessionName(req.Name)
	if err != nil {
		return schema.CreateSessionResponse{}, err
	}
	s.mu.Lock()
	if len(s.sessions) >= s.cfg.MaxSessions {
		s.mu.Unlock()
		return schema.CreateSessionResponse{}, fmt.Errorf("%w: %d sessions", schema.ErrResourceLimit, s.cfg.MaxSessions)
	}
	sess := &session{id: newSessionID(), name: name, createdAt: time.Now().UTC()}
	s.sessions[sess.id] = sess
	s.order = append(s.order, sess.id)
	snap := s.sessionSnapshotLocked(sess)
	s.mu.Unlock()
	logx.WithSession(ctx, sess.id).Info("registry session created", "name", name)
	return schema.CreateSessionResponse{Session: snap}, nil
}

func (s *service) DeleteSession(ctx context.Context, req schema.DeleteSessionRequest) (schema.DeleteSessionResponse, error) {
	s.mu.Lock()
	sess, ok := s.sessions[req.ID]
	if !ok {
		s.mu.Unlock()
		return schema.DeleteSessionResponse{}, schema.ErrSessionNotFound
	}
	delete(s.sessions, req.ID)
	s.removeOrderLocked(req.ID)
	panes := make([]*pane, 0, len(sess.paneIDs))
	for _, id := range sess.paneIDs {
		if p, ok := s.panes[id]; ok {
			panes = append(panes, p)
			s.retireLocked(p)
		}
	}
	s.mu.Unlock()

	log := logx.WithSession(ctx, req.ID)
	resp := schema.DeleteSessionResponse{}
	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		results = make(map[schema.PaneID]bool, len(panes))
	)
	for _, p := range panes {
		wg.Add(1)
		go func(p *pane) {
			defer wg.Done()
			orphaned := s.teardown(ctx, p)
			resMu.Lock()
			results[p.id] = orphaned
			resMu.Unlock()
		}(p)
	}
	wg.Wait()
	for _, p := range panes {
		if results[p.id] {
			resp.Failed = append(resp.Failed, p.id)
		} else {
			resp.Closed = append(resp.Closed, p.id)
		}
		s.emitClosed(p)
	}
	s.sink.OnSessionChanged(schema.SessionEvent{SessionID: req.ID, Deleted: true})
	if len(resp.Failed) > 0 {
		log.Warn("registry session deleted with orphans", "closed", len(resp.Closed), "failed", len(resp.Failed))
	} else {
		log.Info("registry session deleted", "closed", len(resp.Closed))
	}
	return resp, nil
}

func (s *service) GetSession(ctx context.Context, req schema.GetSessionRequest) (schema.GetSessionResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[req.ID]
	if !ok {
		return schema.GetSessionResponse{}, schema.ErrSessionNotFound
	}
	return schema.GetSessionResponse{Session: s.sessionSnapshotLocked(sess)}, nil
}

func (s *service) ListSessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.SessionSnapshot, 0, len(s.order))
	for _, id := range s.order {
		if sess, ok := s.sessions[id]; ok {
			out = append(out, s.sessionSnapshotLocked(sess))
		}
	}
	return schema.ListSessionsResponse{Sessions: out}, nil
}

func (s *service) RenameSession(ctx context.Context, req schema.RenameSessionRequest) (schema.GetSessionResponse, error) {
	name, err := schema.NormalizeSessionName(req.Name)
	if err != nil {
		return schema.GetSessionResponse{}, err
	}
	s.mu.Lock()
	sess, ok := s.sessions[req.ID]
	if !ok {
		s.mu.Unlock()
		return schema.GetSessionResponse{}, schema.ErrSessionNotFound
	}
	sess.name = name
	snap := s.sessionSnapshotLocked(sess)
	s.mu.Unlock()
	logx.WithSession(ctx, req.ID).Info("registry session renamed", "name", name)
	s.sink.OnSessionChanged(schema.SessionEvent{SessionID: req.ID, Name: name, ActivePaneID: snap.ActivePaneID})
	return schema.GetSessionResponse{Session: snap}, nil
}

func (s *service) SetActivePane(ctx context.Context, req schema.SetActivePaneRequest) (schema.GetSessionResponse, error) {
	s.mu.Lock()
	sess, ok := s.sessions[req.ID]
	if !ok {
		s.mu.Unlock()
		return schema.GetSessionResponse{}, schema.ErrSessionNotFound
	}
	p, ok := s.panes[req.PaneID]
	if !ok || p.sessionID != req.ID {
		s.mu.Unlock()
		return schema.GetSessionResponse{}, schema.ErrPaneNotFound
	}
	sess.active = req.PaneID
	snap := s.sessionSnapshotLocked(sess)
	s.mu.Unlock()
	s.sink.OnSessionChanged(schema.SessionEvent{SessionID: req.ID, Name: snap.Name, ActivePaneID: req.PaneID})
	return schema.GetSessionResponse{Session: snap}, nil
}

func (s *service) CreatePane(ctx context.Context, req schema.CreatePaneRequest) (schema.CreatePaneResponse, error) {
	spec := s.spawnSpec(req)
	if err := schema.ValidateDimensions(spec.Dimensions); err != nil {
		return schema.CreatePaneResponse{}, err
	}
	title, err := schema.NormalizePaneTitle(req.Title)
	if err != nil {
		return schema.CreatePaneResponse{}, err
	}
	if title == "" {
		title = filepath.Base(spec.Shell)
	}

	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		s.mu.Unlock()
		return schema.CreatePaneResponse{}, schema.ErrSessionNotFound
	}
	if len(sess.paneIDs)+sess.pending >= s.cfg.MaxPanesPerSession {
		s.mu.Unlock()
		return schema.CreatePaneResponse{}, fmt.Errorf("%w: %d panes per session", schema.ErrResourceLimit, s.cfg.MaxPanesPerSession)
	}
	sess.pending++
	s.mu.Unlock()

	id := newPaneID()
	log := logx.WithPane(ctx, req.SessionID, id)
	p, err := s.startPane(ctx, id, req.SessionID, title, spec, time.Now().UTC())

	s.mu.Lock()
	sess.pending--
	if err != nil {
		s.mu.Unlock()
		log.Warn("registry pane create failed", "shell", spec.Shell, "err", err)
		return schema.CreatePaneResponse{}, err
	}
	if s.sessions[req.SessionID] != sess {
		s.mu.Unlock()
		s.teardown(ctx, p)
		log.Warn("registry pane create failed", "err", schema.ErrSessionNotFound)
		return schema.CreatePaneResponse{}, schema.ErrSessionNotFound
	}
	s.insertPaneLocked(sess, p)
	s.mu.Unlock()

	snap := p.snapshot()
	log.Info("registry pane created", "shell", spec.Shell, "cwd", spec.WorkingDir, "pid", snap.PID)
	return schema.CreatePaneResponse{Pane: snap}, nil
}

func (s *service) insertPaneLocked(sess *session, p *pane) {
	s.panes[p.id] = p
	sess.paneIDs = append(sess.paneIDs, p.id)
	if sess.active == "" {
		sess.active = p.id
	}
}

func (s *service) spawnSpec(req schema.CreatePaneRequest) schema.SpawnSpec {
	spec := schema.SpawnSpec{
		Shell:      req.Shell,
		Args:       append([]string(nil), req.Args...),
		WorkingDir: req.WorkingDir,
		Dimensions: schema.Dimensions{Rows: req.Rows, Cols: req.Cols},
	}
	if spec.Shell == "" {
		spec.Shell = s.cfg.DefaultShell
		if len(spec.Args) == 0 {
			spec.Args = append([]string(nil), s.cfg.DefaultArgs...)
		}
	}
	if spec.Dimensions.Rows == 0 {
		spec.Dimensions.Rows = s.cfg.DefaultDimensions.Rows
	}
	if spec.Dimensions.Cols == 0 {
		spec.Dimensions.Cols = s.cfg.DefaultDimensions.Cols
	}
	if len(s.cfg.DefaultEnv)+len(req.Env) > 0 {
		spec.Env = make(map[string]string, len(s.cfg.DefaultEnv)+len(req.Env))
		for k, v := range s.cfg.DefaultEnv {
			spec.Env[k] = v
		}
		for k, v := range req.Env {
			spec.Env[k] = v
		}
	}
	return spec
}

// startPane spawns the first process of a pane and starts its loops. The
// pane is not visible in the registry until the caller inserts it.
func (s *service) startPane(ctx context.Context, id schema.PaneID, sessionID schema.SessionID, title string, spec schema.SpawnSpec, createdAt time.Time) (*pane, error) {
	p := newPane(id, sessionID, title, spec, createdAt, ringbuf.New(s.cfg.BufferMaxBytes, s.cfg.BufferMaxChunks))
	h, err := s.spawn(ctx, withPaneEnv(spec, sessionID, id), ptyhost.Options{Logger: s.logger, Name: string(id)})
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.host = h
	p.health = schema.PaneRunning
	p.mu.Unlock()
	s.attach(p, h)
	return p, nil
}

func withPaneEnv(spec schema.SpawnSpec, sessionID schema.SessionID, paneID schema.PaneID) schema.SpawnSpec {
	env := make(map[string]string, len(spec.Env)+2)
	for k, v := range spec.Env {
		env[k] = v
	}
	env["MUXD_SESSION_ID"] = string(sessionID)
	env["MUXD_PANE_ID"] = string(paneID)
	spec.Env = env
	return spec
}

func (s *service) ClosePane(ctx context.Context, req schema.ClosePaneRequest) (schema.ClosePaneResponse, error) {
	s.mu.Lock()
	p, ok := s.panes[req.PaneID]
	if !ok {
		s.mu.Unlock()
		return schema.ClosePaneResponse{}, schema.ErrPaneNotFound
	}
	s.retireLocked(p)
	var (
		activeChanged bool
		sessionName   string
		active        schema.PaneID
	)
	if sess, ok := s.sessions[p.sessionID]; ok {
		activeChanged = sess.removePane(req.PaneID)
		sessionName = sess.name
		active = sess.active
	}
	s.mu.Unlock()

	snap := p.snapshot()
	orphaned := s.teardown(ctx, p)
	s.emitClosed(p)
	if activeChanged {
		s.sink.OnSessionChanged(schema.SessionEvent{SessionID: p.sessionID, Name: sessionName, ActivePaneID: active})
	}
	logx.WithPane(ctx, p.sessionID, p.id).Info("registry pane closed", "orphaned", orphaned)
	snap.State = schema.PaneKilled
	return schema.ClosePaneResponse{Pane: snap, Orphaned: orphaned}, nil
}

// teardown terminates the pane's process group. A host that survives is
// parked as an orphan for the health monitor; teardown reports that case.
func (s *service) teardown(ctx context.Context, p *pane) bool {
	p.mu.Lock()
	p.closed = true
	h, readDone := p.host, p.readDone
	p.mu.Unlock()
	if h == nil {
		return false
	}
	if err := h.Terminate(ctx, s.grace); err != nil {
		s.mu.Lock()
		s.orphans[p.id] = h
		s.mu.Unlock()
		s.logger.Warn("registry pane terminate failed", "pane", p.id, "pid", h.PID(), "err", err)
		return true
	}
	awaitRead(readDone)
	return false
}

// awaitRead waits up to exitDrain for a read loop to reach EOF.
func awaitRead(done <-chan struct{}) {
	if done == nil {
		return
	}
	timer := time.NewTimer(exitDrain)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
}

func (s *service) GetPane(ctx context.Context, req schema.GetPaneRequest) (schema.GetPaneResponse, error) {
	p, err := s.lookupPane(req.PaneID)
	if err != nil {
		return schema.GetPaneResponse{}, err
	}
	return schema.GetPaneResponse{Pane: p.snapshot()}, nil
}

func (s *service) ListPanes(ctx context.Context, req schema.ListPanesRequest) (schema.ListPanesResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		return schema.ListPanesResponse{}, schema.ErrSessionNotFound
	}
	return schema.ListPanesResponse{Panes: s.paneSnapshotsLocked(sess)}, nil
}

func (s *service) SetPaneTitle(ctx context.Context, req schema.SetPaneTitleRequest) (schema.GetPaneResponse, error) {
	title, err := schema.NormalizePaneTitle(req.Title)
	if err != nil {
		return schema.GetPaneResponse{}, err
	}
	p, err := s.lookupPane(req.PaneID)
	if err != nil {
		return schema.GetPaneResponse{}, err
	}
	p.mu.Lock()
	p.title = title
	p.mu.Unlock()
	logx.WithPane(ctx, p.sessionID, p.id).Debug("registry pane title set", "title", title)
	return schema.GetPaneResponse{Pane: p.snapshot()}, nil
}

func (s *service) Status(ctx context.Context) schema.ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return schema.ServerStatus{
		Version:      version.Current(),
		PID:          os.Getpid(),
		StartedAt:    s.startedAt,
		Uptime:       time.Since(s.startedAt),
		SessionCount: len(s.sessions),
		PaneCount:    len(s.panes),
	}
}

func (s *service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	panes := make([]*pane, 0, len(s.panes))
	for _, p := range s.panes {
		panes = append(panes, p)
		s.retired[p.id] = p
	}
	s.panes = make(map[schema.PaneID]*pane)
	s.sessions = make(map[schema.SessionID]*session)
	s.order = nil
	s.mu.Unlock()

	var (
		wg     sync.WaitGroup
		failed sync.Map
	)
	for _, p := range panes {
		wg.Add(1)
		go func(p *pane) {
			defer wg.Done()
			if s.teardown(ctx, p) {
				failed.Store(p.id, true)
			}
			s.emitClosed(p)
		}(p)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	count := 0
	failed.Range(func(_, _ any) bool {
		count++
		return true
	})
	s.logger.Info("registry shutdown", "panes", len(panes), "orphans", count)
	return orphanError(count)
}

func (s *service) retireLocked(p *pane) {
	delete(s.panes, p.id)
	s.retired[p.id] = p
}

func (s *service) emitClosed(p *pane) {
	s.sink.OnPaneClosed(schema.PaneClosedEvent{PaneID: p.id, SessionID: p.sessionID})
	s.mu.Lock()
	if s.retired[p.id] == p {
		delete(s.retired, p.id)
	}
	s.mu.Unlock()
}

// lookupOutput also finds panes that are being closed.
func (s *service) lookupOutput(id schema.PaneID) (*pane, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.panes[id]; ok {
		return p, nil
	}
	if p, ok := s.retired[id]; ok {
		return p, nil
	}
	return nil, schema.ErrPaneNotFound
}

func (s *service) lookupPane(id schema.PaneID) (*pane, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.panes[id]
	if !ok {
		return nil, schema.ErrPaneNotFound
	}
	return p, nil
}

func (s *service) removeOrderLocked(id schema.SessionID) {
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *service) sessionSnapshotLocked(sess *session) schema.SessionSnapshot {
	return schema.SessionSnapshot{
		ID:           sess.id,
		Name:         sess.name,
		CreatedAt:    sess.createdAt,
		PaneIDs:      append([]schema.PaneID{}, sess.paneIDs...),
		ActivePaneID: sess.active,
		Panes:        s.paneSnapshotsLocked(sess),
	}
}

func (s *service) paneSnapshotsLocked(sess *session) []schema.PaneSnapshot {
	out := make([]schema.PaneSnapshot, 0, len(sess.paneIDs))
	for _, id := range sess.paneIDs {
		if p, ok := s.panes[id]; ok {
			out = append(out, p.snapshot())
		}
	}
	return out
}

// attach starts the read loop and exit watcher for the pane's current host.
// recovers reports whether an exit with status should be restarted by the
// health monitor.
func (s *service) recovers(status schema.ExitStatus) bool {
	if status.Crashed() {
		return s.cfg.RestartOnCrash || s.cfg.RestartOnExit
	}
	return s.cfg.RestartOnExit
}

func (s *service) attach(p *pane, h *ptyhost.Host) {
	readDone := make(chan struct{})
	p.mu.Lock()
	p.readDone = readDone
	p.mu.Unlock()
	s.loops.Add(2)
	go s.readLoop(p, h, readDone)
	go s.watchExit(p, h, readDone)
}

func (s *service) readLoop(p *pane, h *ptyhost.Host, done chan<- struct{}) {
	defer s.loops.Done()
	defer close(done)
	buf := make([]byte, readChunk)
	for {
		n, err := h.Read(buf)
		if n > 0 {
			seq := p.buffer.Append(buf[:n])
			p.touch()
			s.sink.OnOutput(schema.OutputEvent{PaneID: p.id, SessionID: p.sessionID, Sequence: seq})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("registry pane read ended", "pane", p.id, "err", err)
			}
			return
		}
	}
}

func (s *service) watchExit(p *pane, h *ptyhost.Host, readDone <-chan struct{}) {
	defer s.loops.Done()
	<-h.Done()
	timer := time.NewTimer(exitDrain)
	select {
	case <-readDone:
	case <-timer.C:
	}
	timer.Stop()
	s.handleExit(p, h)
}

func (s *service) handleExit(p *pane, h *ptyhost.Host) {
	status, _ := h.ExitStatus()
	p.mu.Lock()
	if p.host != h || p.closed || h.State() == schema.PaneKilled {
		p.mu.Unlock()
		return
	}
	p.crashed = s.recovers(status)
	crashed := p.crashed
	p.mu.Unlock()

	log := s.logger.With("session", p.sessionID, "pane", p.id)
	if status.Crashed() {
		log.Warn("registry pane process crashed", "exit_code", status.Code, "signal", status.Signal, "restart", crashed)
	} else {
		log.Info("registry pane process exited", "exit_code", status.Code)
	}
	s.sink.OnExit(schema.ExitEvent{PaneID: p.id, SessionID: p.sessionID, Status: status})
	if old, changed := p.setHealth(schema.PaneExited); changed {
		s.sink.OnHealthChanged(schema.HealthEvent{PaneID: p.id, Old: old, New: schema.PaneExited})
	}
}

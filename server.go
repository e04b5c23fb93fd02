package muxd

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/muxd/core"
	"pkt.systems/muxd/internal/dispatch"
	"pkt.systems/muxd/internal/health"
	"pkt.systems/muxd/internal/persist"
	"pkt.systems/muxd/internal/ptyhost"
	"pkt.systems/muxd/rpcserver"
	"pkt.systems/muxd/schema"
	"pkt.systems/muxd/sshserver"
)

// Server composes the registry, dispatcher, control protocol and SSH attach.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service  schema.ServiceConfig
	RPC      rpcserver.Config
	SSH      sshserver.Config
	Dispatch dispatch.Options
	Health   health.Config
	Persist  PersistConfig
}

// PersistConfig configures snapshot storage and the autosave loop.
type PersistConfig struct {
	Backend     string
	Keep        int
	Compression string
	// Autosave is the snapshot interval. Zero disables autosave.
	Autosave       time.Duration
	RestoreOnStart bool
	// SaveOnStop writes a final snapshot before panes are terminated.
	SaveOnStop bool
}

// ServerDeps captures optional dependencies.
type ServerDeps struct {
	// EventSink receives registry events alongside the dispatcher.
	EventSink core.EventSink
	// Store replaces the configured snapshot backend.
	Store  persist.Store
	Spawn  ptyhost.SpawnFunc
	Logger pslog.Logger
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableRPC    bool
	enableSSH    bool
	enableHealth bool
}

// WithRPC enables the JSON-RPC control server.
func WithRPC() ServerOption {
	return func(o *serverOptions) { o.enableRPC = true }
}

// WithSSH enables the SSH attach server.
func WithSSH() ServerOption {
	return func(o *serverOptions) { o.enableSSH = true }
}

// WithHealth enables the health monitor.
func WithHealth() ServerOption {
	return func(o *serverOptions) { o.enableHealth = true }
}

// New constructs a composable muxd server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableRPC && !options.enableSSH {
		return nil, errors.New("no services enabled")
	}
	if options.enableRPC && strings.TrimSpace(cfg.RPC.Addr) == "" && strings.TrimSpace(cfg.RPC.TCPAddr) == "" {
		return nil, errors.New("control server needs a websocket or tcp address")
	}
	if options.enableSSH && strings.TrimSpace(cfg.SSH.Addr) == "" {
		return nil, errors.New("ssh attach needs an address")
	}
	for _, addr := range []string{cfg.RPC.Addr, cfg.RPC.TCPAddr} {
		if options.enableRPC && addr != "" {
			if err := rpcserver.CheckBindAddr(addr, cfg.RPC.AllowRemote); err != nil {
				return nil, err
			}
		}
	}
	if options.enableSSH {
		if err := rpcserver.CheckBindAddr(cfg.SSH.Addr, cfg.SSH.AllowRemote); err != nil {
			return nil, err
		}
	}

	normalized, err := schema.NormalizeServiceConfig(cfg.Service)
	if err != nil {
		return nil, err
	}
	cfg.Service = normalized

	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	store := deps.Store
	ownsStore := false
	if store == nil {
		store, err = persist.Open(context.Background(), persist.Options{
			Backend:     cfg.Persist.Backend,
			Dir:         filepath.Join(cfg.Service.StateDir, "snapshots"),
			Keep:        cfg.Persist.Keep,
			Compression: cfg.Persist.Compression,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		ownsStore = true
	}

	dispatchOpts := cfg.Dispatch
	if dispatchOpts.Logger == nil {
		dispatchOpts.Logger = logger
	}
	dispatcher := dispatch.New(nil, dispatchOpts)

	var sink core.EventSink = dispatcher
	if deps.EventSink != nil {
		sink = eventFanout{sinks: []core.EventSink{dispatcher, deps.EventSink}}
	}

	service, err := core.NewService(cfg.Service, core.ServiceDeps{
		EventSink: sink,
		Store:     store,
		Spawn:     deps.Spawn,
		Logger:    logger,
	})
	if err != nil {
		dispatcher.Close()
		if ownsStore {
			_ = store.Close()
		}
		return nil, err
	}
	dispatcher.SetSource(service)

	s := &compositeServer{
		cfg:        cfg,
		options:    options,
		service:    service,
		dispatcher: dispatcher,
		store:      store,
		ownsStore:  ownsStore,
		logger:     logger,
	}
	if options.enableRPC {
		s.rpcSrv = rpcserver.NewServer(cfg.RPC, service, dispatcher, s.requestShutdown)
	}
	if options.enableSSH {
		s.sshSrv = sshserver.NewServer(cfg.SSH, service, dispatcher)
	}
	if options.enableHealth {
		s.monitor = health.New(service, cfg.Health, logger)
	}
	return s, nil
}

type compositeServer struct {
	cfg        ServerConfig
	options    serverOptions
	service    core.Service
	dispatcher *dispatch.Dispatcher
	store      persist.Store
	ownsStore  bool
	rpcSrv     *rpcserver.Server
	sshSrv     *sshserver.Server
	monitor    *health.Monitor
	logger     pslog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	errCh    chan error
	wg       sync.WaitGroup
	addrs    Addrs
	started  bool
	stopped  bool
	stopDone chan struct{}
	stopErr  error
}

// Addrs lists the bound listener addresses.
type Addrs struct {
	WS  string
	TCP string
	SSH string
}

// Addrs reports where the listeners bound, which differs from the
// configured address when a port of 0 was requested.
func (s *compositeServer) Addrs() Addrs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"rpc", s.options.enableRPC,
		"ssh", s.options.enableSSH,
		"health", s.options.enableHealth,
		"ws_addr", s.cfg.RPC.Addr,
		"tcp_addr", s.cfg.RPC.TCPAddr,
		"ssh_addr", s.cfg.SSH.Addr,
		"state_dir", s.cfg.Service.StateDir,
	)

	if s.cfg.Persist.RestoreOnStart {
		s.restore(s.ctx)
	}

	listeners, err := s.listen()
	if err != nil {
		s.cancel()
		return err
	}
	if ln := listeners.ws; ln != nil {
		s.spawn("http server", func(ctx context.Context) error {
			return rpcserver.Serve(ctx, ln, s.rpcSrv.Handler())
		})
	}
	if ln := listeners.tcp; ln != nil {
		s.spawn("tcp server", func(ctx context.Context) error {
			return s.rpcSrv.ServeTCP(ctx, ln)
		})
	}
	if ln := listeners.ssh; ln != nil {
		s.sshSrv.Listener = ln
		s.spawn("ssh server", s.sshSrv.ListenAndServe)
	}
	if s.monitor != nil {
		s.spawn("health monitor", s.monitor.Run)
	}
	if s.cfg.Persist.Autosave > 0 {
		s.spawn("autosave", s.autosave)
	}
	return nil
}

type listenerSet struct {
	ws, tcp, ssh net.Listener
}

func (l listenerSet) closeAll() {
	for _, ln := range []net.Listener{l.ws, l.tcp, l.ssh} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// listen binds every listener up front so address errors fail Start.
func (s *compositeServer) listen() (listenerSet, error) {
	var set listenerSet
	var err error
	if s.rpcSrv != nil && s.cfg.RPC.Addr != "" {
		if set.ws, err = net.Listen("tcp", s.cfg.RPC.Addr); err != nil {
			return set, err
		}
	}
	if s.rpcSrv != nil && s.cfg.RPC.TCPAddr != "" {
		if set.tcp, err = net.Listen("tcp", s.cfg.RPC.TCPAddr); err != nil {
			set.closeAll()
			return listenerSet{}, err
		}
	}
	if s.sshSrv != nil {
		if set.ssh, err = net.Listen("tcp", s.cfg.SSH.Addr); err != nil {
			set.closeAll()
			return listenerSet{}, err
		}
	}
	s.mu.Lock()
	s.addrs = Addrs{WS: addrOf(set.ws), TCP: addrOf(set.tcp), SSH: addrOf(set.ssh)}
	s.mu.Unlock()
	return set, nil
}

func addrOf(ln net.Listener) string {
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

func (s *compositeServer) spawn(name string, run func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(s.ctx); err != nil {
			s.logger.Error(name+" failed", "err", err)
			select {
			case s.errCh <- err:
			default:
			}
		}
	}()
}

func (s *compositeServer) restore(ctx context.Context) {
	report, err := s.service.RestoreState(ctx, schema.RestoreStateRequest{})
	switch {
	case errors.Is(err, schema.ErrSnapshotNotFound):
		s.logger.Info("server restore skipped", "reason", "no snapshot")
	case err != nil:
		s.logger.Warn("server restore failed", "err", err)
	default:
		s.logger.Info("server restore ok", "snapshot", report.SnapshotID, "sessions", len(report.Sessions), "restored", len(report.Restored), "failed", len(report.Failed))
	}
}

func (s *compositeServer) autosave(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Persist.Autosave)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.service.Unsaved() {
				continue
			}
			resp, err := s.service.SaveState(ctx)
			if err != nil {
				s.logger.Warn("server autosave failed", "err", err)
				continue
			}
			s.logger.Debug("server autosave ok", "snapshot", resp.Snapshot.ID)
		}
	}
}

// requestShutdown is invoked by server_shutdown after its response is sent.
func (s *compositeServer) requestShutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		s.logger.Info("server shutdown requested", "source", "rpc")
		cancel()
	}
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

// Stop cancels the listeners, optionally saves a final snapshot, terminates
// every pane and releases the store. Concurrent callers share one teardown.
func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.stopped {
		done := s.stopDone
		s.mu.Unlock()
		return s.awaitStop(ctx, done)
	}
	s.stopped = true
	s.stopDone = make(chan struct{})
	done := s.stopDone
	cancel := s.cancel
	log := s.logger
	s.mu.Unlock()
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	if ctx == nil {
		ctx = context.Background()
	}

	log.Info("server stop requested")
	go func() {
		defer close(done)
		err := s.teardown(ctx, cancel, log)
		s.mu.Lock()
		s.stopErr = err
		s.mu.Unlock()
	}()
	return s.awaitStop(ctx, done)
}

func (s *compositeServer) awaitStop(ctx context.Context, done <-chan struct{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		s.logger.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopErr
	}
}

func (s *compositeServer) teardown(ctx context.Context, cancel context.CancelFunc, log pslog.Logger) error {
	if s.cfg.Persist.SaveOnStop && s.service.Unsaved() {
		if resp, err := s.service.SaveState(ctx); err != nil {
			log.Warn("server final save failed", "err", err)
		} else {
			log.Info("server final save ok", "snapshot", resp.Snapshot.ID)
		}
	}
	if cancel != nil {
		cancel()
	}
	if s.rpcSrv != nil {
		s.rpcSrv.Close()
	}
	s.wg.Wait()

	var errs []error
	if err := s.service.Shutdown(ctx); err != nil {
		log.Warn("server registry shutdown failed", "err", err)
		errs = append(errs, err)
	}
	s.dispatcher.Close()
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			log.Warn("server store close failed", "err", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		log.Info("server stopped")
	}
	return errors.Join(errs...)
}

package muxd

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/muxd/client"
	"pkt.systems/muxd/internal/health"
	"pkt.systems/muxd/internal/persist"
	"pkt.systems/muxd/rpcserver"
	"pkt.systems/muxd/schema"
)

type recordingSink struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *recordingSink) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[name]++
}

func (r *recordingSink) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func (r *recordingSink) OnOutput(schema.OutputEvent) { r.add("output") }
func (r *recordingSink) OnExit(schema.ExitEvent) { r.add("exit") }
func (r *recordingSink) OnHealthChanged(schema.HealthEvent) { r.add("health") }
func (r *recordingSink) OnResize(schema.ResizeEvent) { r.add("resize") }
func (r *recordingSink) OnRestart(schema.RestartEvent) { r.add("restart") }
func (r *recordingSink) OnPaneClosed(schema.PaneClosedEvent) { r.add("closed") }
func (r *recordingSink) OnSessionChanged(schema.SessionEvent) { r.add("session") }
func (r *recordingSink) OnError(schema.ErrorEvent) { r.add("error") }

func testConfig(stateDir string) ServerConfig {
	return ServerConfig{
		Service: schema.ServiceConfig{
			StateDir:             stateDir,
			DefaultShell:         "/bin/sh",
			TerminateGraceMillis: 200,
		},
		RPC: rpcserver.Config{
			Addr:    "127.0.0.1:0",
			TCPAddr: "127.0.0.1:0",
		},
		Health: health.Config{Interval: 50 * time.Millisecond},
		Persist: PersistConfig{
			Backend:    persist.BackendFile,
			Keep:       3,
			SaveOnStop: true,
		},
	}
}

func startTestServer(t *testing.T, cfg ServerConfig, deps ServerDeps) *compositeServer {
	t.Helper()
	srv, err := New(cfg, deps, WithRPC(), WithHealth())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	cs := srv.(*compositeServer)
	if err := cs.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = cs.Stop(ctx)
	})
	return cs
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, addr, client.Options{})
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServerRequiresAService(t *testing.T) {
	if _, err := New(testConfig(t.TempDir()), ServerDeps{}); err == nil {
		t.Fatalf("expected error with no services enabled")
	}
}

func TestServerRejectsRemoteBind(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.RPC.Addr = "0.0.0.0:0"
	if _, err := New(cfg, ServerDeps{}, WithRPC()); err == nil {
		t.Fatalf("expected non-loopback bind to be rejected")
	}
	cfg.RPC.AllowRemote = true
	srv, err := New(cfg, ServerDeps{}, WithRPC())
	if err != nil {
		t.Fatalf("expected allow_remote to permit bind, got %v", err)
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
}

func TestServerServesBothTransportsAndFansOutEvents(t *testing.T) {
	sink := &recordingSink{}
	srv := startTestServer(t, testConfig(t.TempDir()), ServerDeps{EventSink: sink})
	addrs := srv.Addrs()
	if addrs.WS == "" || addrs.TCP == "" {
		t.Fatalf("expected bound addresses, got %+v", addrs)
	}

	ws := dial(t, "ws://"+addrs.WS+"/ws")
	tcp := dial(t, addrs.TCP)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := ws.CreateSession(ctx, "fanout")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	pane, err := tcp.CreatePane(ctx, schema.CreatePaneRequest{SessionID: sess.ID})
	if err != nil {
		t.Fatalf("create pane: %v", err)
	}
	if err := ws.Write(ctx, pane.ID, []byte("echo fan-$((1+1))\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		read, err := tcp.Read(ctx, pane.ID, 0)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.Contains(string(read.Data), "fan-2") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected fan-2 in output, got %q", read.Data)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sink.count("output") == 0 {
		t.Fatalf("expected output events to reach the extra sink")
	}

	st, err := tcp.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Connections != 2 {
		t.Fatalf("expected 2 connections, got %d", st.Connections)
	}
}

func TestServerShutdownSavesAndRestores(t *testing.T) {
	stateDir := t.TempDir()
	cfg := testConfig(stateDir)
	srv, err := New(cfg, ServerDeps{}, WithRPC())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	cs := srv.(*compositeServer)
	if err := cs.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	c := dial(t, cs.Addrs().TCP)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sess, err := c.CreateSession(ctx, "keepme")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	pane, err := c.CreatePane(ctx, schema.CreatePaneRequest{SessionID: sess.ID, Title: "main"})
	if err != nil {
		t.Fatalf("create pane: %v", err)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- srv.Wait() }()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-waitDone:
		if err != nil {
			t.Fatalf("expected clean wait, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected server_shutdown to end Wait")
	}
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	store, err := persist.Open(context.Background(), persist.Options{Dir: filepath.Join(stateDir, "snapshots")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	snaps, err := store.List(context.Background())
	_ = store.Close()
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot after stop, got %d", len(snaps))
	}

	cfg.Persist.RestoreOnStart = true
	restored := startTestServer(t, cfg, ServerDeps{})
	info, err := restored.service.GetPane(ctx, schema.GetPaneRequest{PaneID: pane.ID})
	if err != nil {
		t.Fatalf("expected pane %s restored: %v", pane.ID, err)
	}
	if info.Pane.SessionID != sess.ID || info.Pane.Title != "main" {
		t.Fatalf("expected restored pane in %s titled main, got %+v", sess.ID, info.Pane)
	}
}

func TestServerStopPersistsDeletedSessions(t *testing.T) {
	stateDir := t.TempDir()
	cfg := testConfig(stateDir)
	srv, err := New(cfg, ServerDeps{}, WithRPC())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	cs := srv.(*compositeServer)
	if err := cs.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := cs.service.CreateSession(ctx, schema.CreateSessionRequest{Name: "gone"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := cs.service.CreatePane(ctx, schema.CreatePaneRequest{SessionID: sess.Session.ID}); err != nil {
		t.Fatalf("create pane: %v", err)
	}
	if _, err := cs.service.SaveState(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	if cs.service.Unsaved() {
		t.Fatalf("expected registry clean right after save")
	}
	if _, err := cs.service.DeleteSession(ctx, schema.DeleteSessionRequest{ID: sess.Session.ID}); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if !cs.service.Unsaved() {
		t.Fatalf("expected emptied registry to count as unsaved")
	}
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	cfg.Persist.RestoreOnStart = true
	restored := startTestServer(t, cfg, ServerDeps{})
	if n := restored.service.Status(ctx).SessionCount; n != 0 {
		t.Fatalf("expected deleted session to stay deleted after restore, got %d sessions", n)
	}
}

func TestServerStartTwiceFails(t *testing.T) {
	srv := startTestServer(t, testConfig(t.TempDir()), ServerDeps{})
	if err := srv.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
}

func TestServerStopIsShared(t *testing.T) {
	srv, err := New(testConfig(t.TempDir()), ServerDeps{}, WithRPC())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = srv.Stop(ctx)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
	if err := srv.Wait(); err != nil {
		t.Fatalf("wait after stop: %v", err)
	}
}

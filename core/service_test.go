package core

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/muxd/internal/dispatch"
	"pkt.systems/muxd/internal/persist"
	"pkt.systems/muxd/schema"
)

type recordingSink struct {
	mu       sync.Mutex
	outputs  []schema.OutputEvent
	exits    []schema.ExitEvent
	health   []schema.HealthEvent
	resizes  []schema.ResizeEvent
	restarts []schema.RestartEvent
	closed   []schema.PaneClosedEvent
	sessions []schema.SessionEvent
	errors   []schema.ErrorEvent
}

func (r *recordingSink) OnOutput(e schema.OutputEvent) {
	r.mu.Lock()
	r.outputs = append(r.outputs, e)
	r.mu.Unlock()
}

func (r *recordingSink) OnExit(e schema.ExitEvent) {
	r.mu.Lock()
	r.exits = append(r.exits, e)
	r.mu.Unlock()
}

func (r *recordingSink) OnHealthChanged(e schema.HealthEvent) {
	r.mu.Lock()
	r.health = append(r.health, e)
	r.mu.Unlock()
}

func (r *recordingSink) OnResize(e schema.ResizeEvent) {
	r.mu.Lock()
	r.resizes = append(r.resizes, e)
	r.mu.Unlock()
}

func (r *recordingSink) OnRestart(e schema.RestartEvent) {
	r.mu.Lock()
	r.restarts = append(r.restarts, e)
	r.mu.Unlock()
}

func (r *recordingSink) OnPaneClosed(e schema.PaneClosedEvent) {
	r.mu.Lock()
	r.closed = append(r.closed, e)
	r.mu.Unlock()
}

func (r *recordingSink) OnSessionChanged(e schema.SessionEvent) {
	r.mu.Lock()
	r.sessions = append(r.sessions, e)
	r.mu.Unlock()
}

func (r *recordingSink) OnError(e schema.ErrorEvent) {
	r.mu.Lock()
	r.errors = append(r.errors, e)
	r.mu.Unlock()
}

func (r *recordingSink) exitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exits)
}

func testConfig(t *testing.T) schema.ServiceConfig {
	t.Helper()
	return schema.ServiceConfig{
		StateDir:             t.TempDir(),
		DefaultShell:         "/bin/sh",
		BufferMaxBytes:       64 * 1024,
		TerminateGraceMillis: 200,
	}
}

func newTestService(t *testing.T, cfg schema.ServiceConfig) (*service, *recordingSink) {
	t.Helper()
	store, err := persist.Open(context.Background(), persist.Options{Dir: t.TempDir(), Keep: 3})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	sink := &recordingSink{}
	svc, err := NewService(cfg, ServiceDeps{EventSink: sink, Store: store})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		_ = store.Close()
	})
	return svc.(*service), sink
}

func mustSession(t *testing.T, svc Service, name string) schema.SessionSnapshot {
	t.Helper()
	resp, err := svc.CreateSession(context.Background(), schema.CreateSessionRequest{Name: name})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return resp.Session
}

func mustPane(t *testing.T, svc Service, req schema.CreatePaneRequest) schema.PaneSnapshot {
	t.Helper()
	resp, err := svc.CreatePane(context.Background(), req)
	if err != nil {
		t.Fatalf("create pane: %v", err)
	}
	return resp.Pane
}

func waitForOutput(t *testing.T, svc Service, paneID schema.PaneID, needle string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last string
	for time.Now().Before(deadline) {
		resp, err := svc.ReadPane(context.Background(), schema.ReadPaneRequest{PaneID: paneID})
		if err != nil {
			t.Fatalf("read pane: %v", err)
		}
		last = string(resp.Data)
		if strings.Contains(last, needle) {
			return last
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected output containing %q, got %q", needle, last)
	return ""
}

func waitForState(t *testing.T, svc Service, paneID schema.PaneID, want schema.PaneState) schema.PaneSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var snap schema.PaneSnapshot
	for time.Now().Before(deadline) {
		resp, err := svc.GetPane(context.Background(), schema.GetPaneRequest{PaneID: paneID})
		if err != nil {
			t.Fatalf("get pane: %v", err)
		}
		snap = resp.Pane
		if snap.State == want {
			return snap
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected pane state %s, got %s", want, snap.State)
	return snap
}

func TestCreatePaneWriteRead(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))
	sess := mustSession(t, svc, "dev")
	pane := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID, Shell: "/bin/sh"})
	if pane.State != schema.PaneRunning {
		t.Fatalf("expected running pane, got %s", pane.State)
	}
	if pane.Title != "sh" {
		t.Fatalf("expected default title sh, got %q", pane.Title)
	}
	if pane.Dimensions != (schema.Dimensions{Rows: schema.DefaultRows, Cols: schema.DefaultCols}) {
		t.Fatalf("unexpected default dimensions %+v", pane.Dimensions)
	}
	if err := svc.WritePane(context.Background(), schema.WritePaneRequest{PaneID: pane.ID, Data: []byte("echo hi\n")}); err != nil {
		t.Fatalf("write pane: %v", err)
	}
	waitForOutput(t, svc, pane.ID, "hi")

	got, err := svc.GetSession(context.Background(), schema.GetSessionRequest{ID: sess.ID})
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(got.Session.PaneIDs) != 1 || got.Session.ActivePaneID != pane.ID {
		t.Fatalf("expected pane to be listed and active, got %+v", got.Session)
	}
}

func TestCreatePaneInvalidShellRollsBack(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))
	sess := mustSession(t, svc, "dev")
	_, err := svc.CreatePane(context.Background(), schema.CreatePaneRequest{SessionID: sess.ID, Shell: "/nonexistent/shell"})
	if !errors.Is(err, schema.ErrSpawn) {
		t.Fatalf("expected spawn error, got %v", err)
	}
	list, err := svc.ListSessions(context.Background(), schema.ListSessionsRequest{})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(list.Sessions) != 1 || len(list.Sessions[0].PaneIDs) != 0 {
		t.Fatalf("expected one session with zero panes, got %+v", list.Sessions)
	}
	if svc.Status(context.Background()).PaneCount != 0 {
		t.Fatalf("expected no registered panes")
	}
}

func TestCreatePaneUnknownSession(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))
	_, err := svc.CreatePane(context.Background(), schema.CreatePaneRequest{SessionID: "sess_missing"})
	if !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestDeleteSessionClosesPanes(t *testing.T) {
	svc, sink := newTestService(t, testConfig(t))
	sess := mustSession(t, svc, "work")
	a := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID})
	b := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID, Shell: "/bin/sh", Args: []string{"-c", "trap '' TERM; sleep 30"}})

	resp, err := svc.DeleteSession(context.Background(), schema.DeleteSessionRequest{ID: sess.ID})
	if err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if len(resp.Closed) != 2 || len(resp.Failed) != 0 {
		t.Fatalf("expected both panes closed, got %+v", resp)
	}
	for _, id := range []schema.PaneID{a.ID, b.ID} {
		if _, err := svc.GetPane(context.Background(), schema.GetPaneRequest{PaneID: id}); !errors.Is(err, schema.ErrPaneNotFound) {
			t.Fatalf("expected pane %s to be gone, got %v", id, err)
		}
	}
	if _, err := svc.DeleteSession(context.Background(), schema.DeleteSessionRequest{ID: sess.ID}); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected session not found on second delete, got %v", err)
	}
	sink.mu.Lock()
	closed := len(sink.closed)
	sink.mu.Unlock()
	if closed != 2 {
		t.Fatalf("expected 2 pane closed events, got %d", closed)
	}
}

func TestConcurrentClosePaneHasOneWinner(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))
	sess := mustSession(t, svc, "race")
	pane := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID})

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		notFound int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ClosePane(context.Background(), schema.ClosePaneRequest{PaneID: pane.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, schema.ErrPaneNotFound):
				notFound++
			default:
				t.Errorf("unexpected close error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || notFound != callers-1 {
		t.Fatalf("expected 1 winner and %d not found, got %d and %d", callers-1, wins, notFound)
	}
}

func TestClosePaneCancelsWriteAndPicksNextActive(t *testing.T) {
	svc, sink := newTestService(t, testConfig(t))
	sess := mustSession(t, svc, "dev")
	first := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID})
	second := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID})

	resp, err := svc.ClosePane(context.Background(), schema.ClosePaneRequest{PaneID: first.ID})
	if err != nil {
		t.Fatalf("close pane: %v", err)
	}
	if resp.Pane.State != schema.PaneKilled {
		t.Fatalf("expected killed state, got %s", resp.Pane.State)
	}
	got, err := svc.GetSession(context.Background(), schema.GetSessionRequest{ID: sess.ID})
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Session.ActivePaneID != second.ID {
		t.Fatalf("expected active pane %s, got %s", second.ID, got.Session.ActivePaneID)
	}
	if err := svc.WritePane(context.Background(), schema.WritePaneRequest{PaneID: first.ID, Data: []byte("x")}); !errors.Is(err, schema.ErrPaneNotFound) {
		t.Fatalf("expected pane not found after close, got %v", err)
	}
	sink.mu.Lock()
	changed := len(sink.sessions)
	sink.mu.Unlock()
	if changed == 0 {
		t.Fatalf("expected a session change event for the new active pane")
	}
}

func TestWriteAfterExitReportsProcessExited(t *testing.T) {
	cfg := testConfig(t)
	svc, sink := newTestService(t, cfg)
	sess := mustSession(t, svc, "dev")
	pane := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID, Shell: "/bin/sh", Args: []string{"-c", "echo bye"}})
	waitForOutput(t, svc, pane.ID, "bye")
	snap := waitForState(t, svc, pane.ID, schema.PaneExited)
	if snap.ExitCode == nil || *snap.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", snap.ExitCode)
	}
	err := svc.WritePane(context.Background(), schema.WritePaneRequest{PaneID: pane.ID, Data: []byte("ls\n")})
	if !errors.Is(err, schema.ErrProcessExited) {
		t.Fatalf("expected process exited, got %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sink.exitCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.exitCount() != 1 {
		t.Fatalf("expected one exit event, got %d", sink.exitCount())
	}
	// Output after the exit is still readable.
	waitForOutput(t, svc, pane.ID, "bye")
}

func TestResizePaneUpdatesDimensions(t *testing.T) {
	svc, sink := newTestService(t, testConfig(t))
	sess := mustSession(t, svc, "dev")
	pane := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID})
	if err := svc.ResizePane(context.Background(), schema.ResizePaneRequest{PaneID: pane.ID, Rows: 40, Cols: 120}); err != nil {
		t.Fatalf("resize: %v", err)
	}
	got, err := svc.GetPane(context.Background(), schema.GetPaneRequest{PaneID: pane.ID})
	if err != nil {
		t.Fatalf("get pane: %v", err)
	}
	if got.Pane.Dimensions != (schema.Dimensions{Rows: 40, Cols: 120}) {
		t.Fatalf("expected 40x120, got %+v", got.Pane.Dimensions)
	}
	if err := svc.ResizePane(context.Background(), schema.ResizePaneRequest{PaneID: pane.ID, Rows: 0, Cols: 10}); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for zero rows, got %v", err)
	}
	sink.mu.Lock()
	resizes := len(sink.resizes)
	sink.mu.Unlock()
	if resizes != 1 {
		t.Fatalf("expected one resize event, got %d", resizes)
	}
}

func TestSessionLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSessions = 2
	svc, _ := newTestService(t, cfg)
	mustSession(t, svc, "a")
	mustSession(t, svc, "b")
	if _, err := svc.CreateSession(context.Background(), schema.CreateSessionRequest{Name: "c"}); !errors.Is(err, schema.ErrResourceLimit) {
		t.Fatalf("expected resource limit, got %v", err)
	}
}

func TestPaneLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPanesPerSession = 1
	svc, _ := newTestService(t, cfg)
	sess := mustSession(t, svc, "a")
	mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID})
	if _, err := svc.CreatePane(context.Background(), schema.CreatePaneRequest{SessionID: sess.ID}); !errors.Is(err, schema.ErrResourceLimit) {
		t.Fatalf("expected resource limit, got %v", err)
	}
}

func TestRenameAndTitle(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))
	sess := mustSession(t, svc, "old")
	if _, err := svc.RenameSession(context.Background(), schema.RenameSessionRequest{ID: sess.ID, Name: "  "}); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for blank name, got %v", err)
	}
	renamed, err := svc.RenameSession(context.Background(), schema.RenameSessionRequest{ID: sess.ID, Name: "new"})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Session.Name != "new" {
		t.Fatalf("expected name new, got %q", renamed.Session.Name)
	}
	pane := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID, Title: "build"})
	if pane.Title != "build" {
		t.Fatalf("expected title build, got %q", pane.Title)
	}
	titled, err := svc.SetPaneTitle(context.Background(), schema.SetPaneTitleRequest{PaneID: pane.ID, Title: "logs"})
	if err != nil {
		t.Fatalf("set title: %v", err)
	}
	if titled.Pane.Title != "logs" {
		t.Fatalf("expected title logs, got %q", titled.Pane.Title)
	}
}

func TestRestartPreservesIdentityAndScrollback(t *testing.T) {
	svc, sink := newTestService(t, testConfig(t))
	sess := mustSession(t, svc, "dev")
	pane := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID, Title: "shell"})
	if err := svc.WritePane(context.Background(), schema.WritePaneRequest{PaneID: pane.ID, Data: []byte("echo before-$((1+1))\n")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForOutput(t, svc, pane.ID, "before-2")

	resp, err := svc.RestartPane(context.Background(), schema.RestartPaneRequest{PaneID: pane.ID})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if resp.Pane.ID != pane.ID || resp.Pane.Title != "shell" {
		t.Fatalf("expected identity preserved, got %+v", resp.Pane)
	}
	if resp.Pane.PID == pane.PID {
		t.Fatalf("expected a new process, pid stayed %d", pane.PID)
	}
	if resp.Pane.Restarts != 1 || resp.Pane.State != schema.PaneRunning {
		t.Fatalf("expected one restart and running state, got %+v", resp.Pane)
	}
	if err := svc.WritePane(context.Background(), schema.WritePaneRequest{PaneID: pane.ID, Data: []byte("echo after-$((2+2))\n")}); err != nil {
		t.Fatalf("write after restart: %v", err)
	}
	out := waitForOutput(t, svc, pane.ID, "after-4")
	if !strings.Contains(out, "before-2") || !strings.Contains(out, "process restarted") {
		t.Fatalf("expected scrollback and restart marker, got %q", out)
	}
	if strings.Index(out, "before-2") > strings.Index(out, "process restarted") {
		t.Fatalf("expected restart marker after old output, got %q", out)
	}
	sink.mu.Lock()
	restarts := len(sink.restarts)
	sink.mu.Unlock()
	if restarts != 1 {
		t.Fatalf("expected one restart event, got %d", restarts)
	}
}

func TestCrashMarksPaneForRecovery(t *testing.T) {
	cfg := testConfig(t)
	cfg.RestartOnCrash = true
	svc, sink := newTestService(t, cfg)
	sess := mustSession(t, svc, "dev")
	pane := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID, Shell: "/bin/sh", Args: []string{"-c", "exit 7"}})
	waitForState(t, svc, pane.ID, schema.PaneExited)

	deadline := time.Now().Add(2 * time.Second)
	for sink.exitCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := svc.ProbePane(context.Background(), pane.ID); !errors.Is(err, schema.ErrProcessExited) {
		t.Fatalf("expected crashed pane to probe as exited, got %v", err)
	}
	candidates := svc.HealthCandidates()
	if len(candidates) != 1 || candidates[0] != pane.ID {
		t.Fatalf("expected crashed pane as health candidate, got %v", candidates)
	}

	svc.FailPane(pane.ID, "restart limit reached")
	if len(svc.HealthCandidates()) != 0 {
		t.Fatalf("expected no candidates after giving up")
	}
	sink.mu.Lock()
	errs := append([]schema.ErrorEvent(nil), sink.errors...)
	sink.mu.Unlock()
	if len(errs) != 1 || errs[0].Kind != "RestartLimit" {
		t.Fatalf("expected a restart limit error event, got %+v", errs)
	}
	if err := svc.WritePane(context.Background(), schema.WritePaneRequest{PaneID: pane.ID, Data: []byte("x")}); !errors.Is(err, schema.ErrProcessExited) {
		t.Fatalf("expected process exited for failed pane, got %v", err)
	}
}

func TestCleanExitIsNotRecovered(t *testing.T) {
	cfg := testConfig(t)
	cfg.RestartOnCrash = true
	svc, sink := newTestService(t, cfg)
	sess := mustSession(t, svc, "dev")
	pane := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID, Shell: "/bin/sh", Args: []string{"-c", "exit 0"}})
	waitForState(t, svc, pane.ID, schema.PaneExited)
	deadline := time.Now().Add(2 * time.Second)
	for sink.exitCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := svc.ProbePane(context.Background(), pane.ID); err != nil {
		t.Fatalf("expected clean exit to probe nil, got %v", err)
	}
	if len(svc.HealthCandidates()) != 0 {
		t.Fatalf("expected no health candidates after a clean exit")
	}
}

func TestCleanExitRecoveredWithRestartOnExit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RestartOnExit = true
	svc, sink := newTestService(t, cfg)
	sess := mustSession(t, svc, "dev")
	pane := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID, Shell: "/bin/sh", Args: []string{"-c", "exit 0"}})
	waitForState(t, svc, pane.ID, schema.PaneExited)
	deadline := time.Now().Add(2 * time.Second)
	for sink.exitCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := svc.ProbePane(context.Background(), pane.ID); !errors.Is(err, schema.ErrProcessExited) {
		t.Fatalf("expected clean exit to probe as exited, got %v", err)
	}
	candidates := svc.HealthCandidates()
	if len(candidates) != 1 || candidates[0] != pane.ID {
		t.Fatalf("expected exited pane as health candidate, got %v", candidates)
	}
}

func TestRestartMarkerFollowsOldOutput(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))
	sess := mustSession(t, svc, "dev")
	marker := filepath.Join(t.TempDir(), "started")
	script := "if [ -e " + marker + " ]; then echo fresh-start; exec sleep 300; fi; : > " + marker + "; while :; do echo old-output; done"
	pane := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID, Shell: "/bin/sh", Args: []string{"-c", script}})
	waitForOutput(t, svc, pane.ID, "old-output")

	if _, err := svc.RestartPane(context.Background(), schema.RestartPaneRequest{PaneID: pane.ID}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	out := waitForOutput(t, svc, pane.ID, "fresh-start")
	at := strings.LastIndex(out, "process restarted")
	if at < 0 {
		t.Fatalf("expected restart marker, got %q", out)
	}
	if strings.Contains(out[at:], "old-output") {
		t.Fatalf("expected no old process output after the restart marker, got %q", out[at:])
	}
}

func TestClosePaneDeliversFinalOutput(t *testing.T) {
	d := dispatch.New(nil, dispatch.Options{BatchWindow: time.Hour})
	t.Cleanup(d.Close)
	svc, err := NewService(testConfig(t), ServiceDeps{EventSink: d})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	d.SetSource(svc)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	sess := mustSession(t, svc, "dev")
	script := "trap 'echo bye-$((6*7)); exit 0' TERM; echo ready; while :; do sleep 0.05; done"
	pane := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID, Shell: "/bin/sh", Args: []string{"-c", script}})
	waitForOutput(t, svc, pane.ID, "ready")

	sub := d.NewSubscriber("test")
	defer d.CloseSubscriber(sub)
	if _, _, err := d.Subscribe(sub, pane.ID, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := svc.ClosePane(context.Background(), schema.ClosePaneRequest{PaneID: pane.ID}); err != nil {
		t.Fatalf("close pane: %v", err)
	}

	var got strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n := <-sub.C():
			switch params := n.Params.(type) {
			case schema.PaneOutputNotification:
				data, err := schema.DecodeData(params.Data, params.Encoding)
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				got.Write(data)
			case schema.PaneClosedNotification:
				if !strings.Contains(got.String(), "bye-42") {
					t.Fatalf("expected output printed on SIGTERM before pane.closed, got %q", got.String())
				}
				deadline := time.Now().Add(time.Second)
				for {
					_, err := svc.PaneOutput(pane.ID, 0, 0)
					if errors.Is(err, schema.ErrPaneNotFound) {
						return
					}
					if time.Now().After(deadline) {
						t.Fatalf("expected closed pane gone from the registry, got %v", err)
					}
					time.Sleep(10 * time.Millisecond)
				}
			}
		case <-timeout:
			t.Fatalf("expected pane.closed, got output %q", got.String())
		}
	}
}

func TestUnsavedTracksRegistryChanges(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))
	if svc.Unsaved() {
		t.Fatalf("expected a fresh registry to have nothing to save")
	}
	sess := mustSession(t, svc, "dev")
	if !svc.Unsaved() {
		t.Fatalf("expected new session to be unsaved")
	}
	if _, err := svc.SaveState(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if svc.Unsaved() {
		t.Fatalf("expected registry clean after save")
	}
	if _, err := svc.RenameSession(context.Background(), schema.RenameSessionRequest{ID: sess.ID, Name: "ops"}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if !svc.Unsaved() {
		t.Fatalf("expected rename to be unsaved")
	}
}

func TestSearchPane(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))
	sess := mustSession(t, svc, "dev")
	pane := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID, Shell: "/bin/sh", Args: []string{"-c", "printf 'alpha Beta alpha beta\\n'; sleep 30"}})
	waitForOutput(t, svc, pane.ID, "beta")

	resp, err := svc.SearchPane(context.Background(), schema.SearchPaneRequest{PaneID: pane.ID, Pattern: "beta"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Matches) != 2 {
		t.Fatalf("expected 2 case-insensitive matches, got %+v", resp.Matches)
	}
	if resp.Matches[0].Match != "Beta" || resp.Matches[0].Offset != 6 {
		t.Fatalf("unexpected first match %+v", resp.Matches[0])
	}

	resp, err = svc.SearchPane(context.Background(), schema.SearchPaneRequest{PaneID: pane.ID, Pattern: "beta", CaseSensitive: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Matches) != 1 || resp.Matches[0].Offset != 17 {
		t.Fatalf("expected one case-sensitive match at 17, got %+v", resp.Matches)
	}

	resp, err = svc.SearchPane(context.Background(), schema.SearchPaneRequest{PaneID: pane.ID, Pattern: "a[lp]+ha", Regex: true, MaxResults: 1})
	if err != nil {
		t.Fatalf("regex search: %v", err)
	}
	if len(resp.Matches) != 1 || resp.Matches[0].Match != "alpha" {
		t.Fatalf("expected one regex match, got %+v", resp.Matches)
	}

	if _, err := svc.SearchPane(context.Background(), schema.SearchPaneRequest{PaneID: pane.ID, Pattern: "(", Regex: true}); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for bad regex, got %v", err)
	}
	if _, err := svc.SearchPane(context.Background(), schema.SearchPaneRequest{PaneID: pane.ID, Pattern: "("}); err != nil {
		t.Fatalf("expected literal search to accept %q, got %v", "(", err)
	}
}

func TestSaveAndRestoreState(t *testing.T) {
	cfg := testConfig(t)
	svc, _ := newTestService(t, cfg)
	sess := mustSession(t, svc, "dev")
	dir := t.TempDir()
	pane := mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID, Title: "editor", WorkingDir: dir, Rows: 30, Cols: 100})

	saved, err := svc.SaveState(context.Background())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Snapshot.ID == "" {
		t.Fatalf("expected snapshot id")
	}
	snaps, err := svc.ListSnapshots(context.Background())
	if err != nil || len(snaps) != 1 {
		t.Fatalf("expected one snapshot, got %v (%v)", snaps, err)
	}

	// Restoring into a registry that still holds the ids reports failures.
	report, err := svc.RestoreState(context.Background(), schema.RestoreStateRequest{})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(report.Restored) != 0 || len(report.Failed) != 1 {
		t.Fatalf("expected conflicting restore to fail one pane, got %+v", report)
	}

	if _, err := svc.DeleteSession(context.Background(), schema.DeleteSessionRequest{ID: sess.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	report, err = svc.RestoreState(context.Background(), schema.RestoreStateRequest{SnapshotID: saved.Snapshot.ID})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(report.Failed) != 0 || len(report.Restored) != 1 || report.Restored[0] != pane.ID {
		t.Fatalf("expected pane restored, got %+v", report)
	}
	got, err := svc.GetPane(context.Background(), schema.GetPaneRequest{PaneID: pane.ID})
	if err != nil {
		t.Fatalf("get restored pane: %v", err)
	}
	if got.Pane.SessionID != sess.ID || got.Pane.Title != "editor" || got.Pane.WorkingDir != dir {
		t.Fatalf("unexpected restored metadata %+v", got.Pane)
	}
	if got.Pane.Dimensions != (schema.Dimensions{Rows: 30, Cols: 100}) {
		t.Fatalf("expected restored dimensions, got %+v", got.Pane.Dimensions)
	}
	if got.Pane.State != schema.PaneRunning {
		t.Fatalf("expected restored pane running, got %s", got.Pane.State)
	}
}

func TestRestoreReportsInvalidShell(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))
	state := schema.RegistryState{
		Version: schema.RegistryStateVersion,
		Sessions: []schema.SessionStateRecord{{
			ID:   "sess_restored",
			Name: "restored",
			Panes: []schema.PaneStateRecord{
				{ID: "pane_good", Title: "good", Spawn: schema.SpawnSpec{Shell: "/bin/sh"}},
				{ID: "pane_bad", Title: "bad", Spawn: schema.SpawnSpec{Shell: "/nonexistent/shell"}},
			},
		}},
	}
	if _, err := svc.store.Save(context.Background(), state); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	report, err := svc.RestoreState(context.Background(), schema.RestoreStateRequest{})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(report.Restored) != 1 || report.Restored[0] != "pane_good" {
		t.Fatalf("expected good pane restored, got %+v", report.Restored)
	}
	if len(report.Failed) != 1 || report.Failed[0].PaneID != "pane_bad" {
		t.Fatalf("expected bad pane reported, got %+v", report.Failed)
	}
	sess, err := svc.GetSession(context.Background(), schema.GetSessionRequest{ID: "sess_restored"})
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Session.ActivePaneID != "pane_good" {
		t.Fatalf("expected active pane_good, got %s", sess.Session.ActivePaneID)
	}
}

func TestShutdownEmptiesRegistry(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))
	sess := mustSession(t, svc, "dev")
	mustPane(t, svc, schema.CreatePaneRequest{SessionID: sess.ID})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	status := svc.Status(context.Background())
	if status.SessionCount != 0 || status.PaneCount != 0 {
		t.Fatalf("expected empty registry, got %+v", status)
	}
}

package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/muxd/core"
	"pkt.systems/muxd/internal/dispatch"
	"pkt.systems/muxd/internal/persist"
	"pkt.systems/muxd/internal/rpc"
	"pkt.systems/muxd/schema"
)

type testEnv struct {
	srv      *Server
	addr     string
	shutdown atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := persist.Open(context.Background(), persist.Options{Dir: t.TempDir(), Keep: 3})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	d := dispatch.New(nil, dispatch.Options{BatchWindow: 5 * time.Millisecond})
	svc, err := core.NewService(schema.ServiceConfig{
		StateDir:             t.TempDir(),
		DefaultShell:         "/bin/sh",
		BufferMaxBytes:       64 * 1024,
		TerminateGraceMillis: 200,
	}, core.ServiceDeps{EventSink: d, Store: store})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	d.SetSource(svc)

	env := &testEnv{}
	env.srv = NewServer(Config{}, svc, d, func() { env.shutdown.Add(1) })
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	env.addr = ln.Addr().String()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.srv.ServeTCP(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		env.srv.Close()
		<-done
		d.Close()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = svc.Shutdown(shutdownCtx)
		_ = store.Close()
	})
	return env
}

type lineClient struct {
	t      *testing.T
	nc     net.Conn
	reader *bufio.Reader
	nextID int64
	notes  []rpc.Notification
}

func (e *testEnv) dial(t *testing.T) *lineClient {
	t.Helper()
	nc, err := net.Dial("tcp", e.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = nc.Close() })
	return &lineClient{t: t, nc: nc, reader: bufio.NewReader(nc)}
}

func (c *lineClient) send(raw string) {
	c.t.Helper()
	_ = c.nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.nc.Write([]byte(raw + "\n")); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// readFrame returns the next frame, keeping notifications aside.
func (c *lineClient) readFrame() json.RawMessage {
	c.t.Helper()
	for {
		_ = c.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		var peek struct {
			Method string          `json:"method"`
			ID     json.RawMessage `json:"id"`
			Params json.RawMessage `json:"params"`
		}
		if len(line) > 0 && line[0] == '{' {
			if err := json.Unmarshal(line, &peek); err == nil && peek.Method != "" && peek.ID == nil {
				c.notes = append(c.notes, rpc.Notification{Method: peek.Method, Params: peek.Params})
				continue
			}
		}
		return json.RawMessage(line)
	}
}

func (c *lineClient) call(method string, params any) rpc.Response {
	c.t.Helper()
	c.nextID++
	req, err := rpc.Call(c.nextID, method, params)
	if err != nil {
		c.t.Fatalf("build request: %v", err)
	}
	raw, _ := json.Marshal(req)
	c.send(string(raw))
	var resp rpc.Response
	if err := json.Unmarshal(c.readFrame(), &resp); err != nil {
		c.t.Fatalf("decode response: %v", err)
	}
	return resp
}

func (c *lineClient) mustCall(method string, params any, out any) {
	c.t.Helper()
	resp := c.call(method, params)
	if resp.Error != nil {
		c.t.Fatalf("%s failed: %v", method, resp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			c.t.Fatalf("%s decode result: %v", method, err)
		}
	}
}

// waitNote reads frames until a notification with the given method arrives.
func (c *lineClient) waitNote(method string, match func(json.RawMessage) bool) json.RawMessage {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for i, n := range c.notes {
			raw, _ := n.Params.(json.RawMessage)
			if n.Method == method && (match == nil || match(raw)) {
				c.notes = append(c.notes[:i], c.notes[i+1:]...)
				return raw
			}
		}
		c.notes = append(c.notes, c.readNote())
	}
	c.t.Fatalf("expected %s notification", method)
	return nil
}

func (c *lineClient) readNote() rpc.Notification {
	c.t.Helper()
	_ = c.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read notification: %v", err)
	}
	var n struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &n); err != nil {
		c.t.Fatalf("decode notification: %v", err)
	}
	return rpc.Notification{Method: n.Method, Params: n.Params}
}

func TestPingAndUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	var pong string
	c.mustCall("server.ping", nil, &pong)
	if pong != "pong" {
		t.Fatalf("expected pong, got %q", pong)
	}
	resp := c.call("pane.teleport", nil)
	if resp.Error == nil || resp.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.send(`{"jsonrpc":"2.0","id":1,`)
	var resp rpc.Response
	if err := json.Unmarshal(c.readFrame(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != rpc.CodeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
	if string(resp.ID) != "null" {
		t.Fatalf("expected null id, got %s", resp.ID)
	}
	c.send(`{"jsonrpc":"1.0","id":7,"method":"server.ping"}`)
	if err := json.Unmarshal(c.readFrame(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != rpc.CodeInvalidRequest || string(resp.ID) != "7" {
		t.Fatalf("expected invalid request for id 7, got %+v", resp)
	}
	var pong string
	c.mustCall("server.ping", nil, &pong)
}

func TestBatchSkipsNotifications(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.send(`[{"jsonrpc":"2.0","id":1,"method":"server.ping"},{"jsonrpc":"2.0","method":"server.ping"},{"jsonrpc":"2.0","id":2,"method":"session.get","params":{"id":"sess_missing"}}]`)
	var resps []rpc.Response
	if err := json.Unmarshal(c.readFrame(), &resps); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
	if resps[1].Error == nil || resps[1].Error.Code != rpc.CodeSessionNotFound || resps[1].Error.Data.Kind != "SessionNotFound" {
		t.Fatalf("expected SessionNotFound, got %+v", resps[1].Error)
	}
}

func TestSessionPaneRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	var sess schema.SessionSnapshot
	c.mustCall("session.create", map[string]any{"name": "dev"}, &sess)
	if sess.ID == "" || sess.Name != "dev" {
		t.Fatalf("unexpected session %+v", sess)
	}
	var pane schema.PaneSnapshot
	c.mustCall("pane.create", map[string]any{"session_id": sess.ID, "shell": "/bin/sh"}, &pane)
	if pane.SessionID != sess.ID {
		t.Fatalf("expected pane in %s, got %s", sess.ID, pane.SessionID)
	}
	c.mustCall("pane.write", map[string]any{"pane_id": pane.ID, "data": "echo hi-there\n"}, nil)

	deadline := time.Now().Add(5 * time.Second)
	var read readResult
	for time.Now().Before(deadline) {
		c.mustCall("pane.read", map[string]any{"pane_id": pane.ID}, &read)
		if strings.Contains(read.Data, "hi-there\r\n") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(read.Data, "hi-there") || read.NextSequence == 0 {
		t.Fatalf("expected output with hi-there, got %+v", read)
	}

	var matches []schema.SearchMatch
	c.mustCall("pane.search", map[string]any{"pane_id": pane.ID, "pattern": "HI-THERE"}, &matches)
	if len(matches) == 0 {
		t.Fatalf("expected search matches")
	}

	var info schema.PaneSnapshot
	c.mustCall("pane.info", map[string]any{"pane_id": pane.ID}, &info)
	if info.ID != pane.ID || info.State != schema.PaneRunning {
		t.Fatalf("unexpected info %+v", info)
	}

	var sessions []schema.SessionSnapshot
	c.mustCall("session.list", nil, &sessions)
	if len(sessions) != 1 || len(sessions[0].Panes) != 1 {
		t.Fatalf("expected one session with one pane, got %+v", sessions)
	}

	c.mustCall("pane.kill", map[string]any{"pane_id": pane.ID}, nil)
	resp := c.call("pane.info", map[string]any{"pane_id": pane.ID})
	if resp.Error == nil || resp.Error.Code != rpc.CodePaneNotFound {
		t.Fatalf("expected PaneNotFound after kill, got %+v", resp.Error)
	}
}

func TestSpawnErrorLeavesEmptySession(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	var sess schema.SessionSnapshot
	c.mustCall("session.create", map[string]any{"name": "bad"}, &sess)
	resp := c.call("pane.create", map[string]any{"session_id": sess.ID, "shell": "/nonexistent/shell"})
	if resp.Error == nil || resp.Error.Code != rpc.CodeSpawnError {
		t.Fatalf("expected SpawnError, got %+v", resp.Error)
	}
	var sessions []schema.SessionSnapshot
	c.mustCall("session.list", nil, &sessions)
	if len(sessions) != 1 || len(sessions[0].Panes) != 0 {
		t.Fatalf("expected session with zero panes, got %+v", sessions)
	}
}

func TestSubscribeStreamsOutputAndExit(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	var sess schema.SessionSnapshot
	c.mustCall("session.create", map[string]any{"name": "s"}, &sess)
	var pane schema.PaneSnapshot
	c.mustCall("pane.create", map[string]any{"session_id": sess.ID}, &pane)

	var sub subscribeResult
	c.mustCall("pane.subscribe", map[string]any{"pane_id": pane.ID, "since_sequence": 0}, &sub)
	if sub.SubscriptionID == "" {
		t.Fatalf("expected subscription id")
	}
	c.mustCall("pane.write", map[string]any{"pane_id": pane.ID, "data": "echo streamed; exit 3\n"}, nil)

	c.waitNote(string(schema.EventPaneOutput), func(raw json.RawMessage) bool {
		var n schema.PaneOutputNotification
		_ = json.Unmarshal(raw, &n)
		return n.SubscriptionID == sub.SubscriptionID && strings.Contains(n.Data, "streamed\r\n")
	})
	raw := c.waitNote(string(schema.EventPaneExit), nil)
	var exit schema.PaneExitNotification
	if err := json.Unmarshal(raw, &exit); err != nil {
		t.Fatalf("decode exit: %v", err)
	}
	if exit.PaneID != pane.ID || exit.ExitCode != 3 {
		t.Fatalf("expected exit code 3 for %s, got %+v", pane.ID, exit)
	}
	resp := c.call("pane.write", map[string]any{"pane_id": pane.ID, "data": "x"})
	if resp.Error == nil || resp.Error.Code != rpc.CodeProcessExited {
		t.Fatalf("expected ProcessExited, got %+v", resp.Error)
	}
}

func TestUnsubscribeOtherConnection(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	b := env.dial(t)
	var sess schema.SessionSnapshot
	a.mustCall("session.create", map[string]any{"name": "s"}, &sess)
	var pane schema.PaneSnapshot
	a.mustCall("pane.create", map[string]any{"session_id": sess.ID}, &pane)
	var sub subscribeResult
	a.mustCall("pane.subscribe", map[string]any{"pane_id": pane.ID}, &sub)

	resp := b.call("pane.unsubscribe", map[string]any{"subscription_id": sub.SubscriptionID})
	if resp.Error == nil || resp.Error.Code != rpc.CodeSubscriptionNotFound {
		t.Fatalf("expected SubscriptionNotFound, got %+v", resp.Error)
	}
	a.mustCall("pane.unsubscribe", map[string]any{"subscription_id": sub.SubscriptionID}, nil)
}

func TestBinaryWriteUsesBase64(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	var sess schema.SessionSnapshot
	c.mustCall("session.create", map[string]any{"name": "s"}, &sess)
	var pane schema.PaneSnapshot
	c.mustCall("pane.create", map[string]any{"session_id": sess.ID}, &pane)
	resp := c.call("pane.write", map[string]any{"pane_id": pane.ID, "data": "!!", "encoding": "base64"})
	if resp.Error == nil || resp.Error.Code != rpc.CodeInvalidParams {
		t.Fatalf("expected invalid params for bad base64, got %+v", resp.Error)
	}
	// "echo ok\n"
	c.mustCall("pane.write", map[string]any{"pane_id": pane.ID, "data": "ZWNobyBvawo=", "encoding": "base64"}, nil)
}

func TestStateSaveAndList(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	var sess schema.SessionSnapshot
	c.mustCall("session.create", map[string]any{"name": "keep"}, &sess)
	var saved saveResult
	c.mustCall("state.save", nil, &saved)
	if saved.SnapshotID == "" {
		t.Fatalf("expected snapshot id")
	}
	var infos []schema.SnapshotInfo
	c.mustCall("state.list", nil, &infos)
	if len(infos) != 1 || infos[0].ID != saved.SnapshotID {
		t.Fatalf("expected listed snapshot %s, got %+v", saved.SnapshotID, infos)
	}
	c.mustCall("session.delete", map[string]any{"id": sess.ID}, nil)
	var report schema.RestoreReport
	c.mustCall("state.restore", map[string]any{"snapshot_id": saved.SnapshotID}, &report)
	if len(report.Sessions) != 1 || report.Sessions[0] != sess.ID || len(report.Failed) != 0 {
		t.Fatalf("unexpected restore report %+v", report)
	}
}

func TestStatusAndShutdown(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	var status statusResult
	c.mustCall("server_status", nil, &status)
	if status.PID == 0 || status.Connections != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
	c.mustCall("server_shutdown", nil, nil)
	deadline := time.Now().Add(2 * time.Second)
	for env.shutdown.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if env.shutdown.Load() != 1 {
		t.Fatalf("expected shutdown callback once, got %d", env.shutdown.Load())
	}
}

func TestWebSocketTransportAndHealth(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	buf := make([]byte, 8)
	n, _ := resp.Body.Read(buf)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(buf[:n]) != "OK" {
		t.Fatalf("expected 200 OK, got %d %q", resp.StatusCode, buf[:n])
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":"a","method":"server.ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out rpc.Response
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(out.ID) != `"a"` || string(out.Result) != `"pong"` {
		t.Fatalf("unexpected response %s", data)
	}
	env.srv.Close()
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected connection closed after server close")
	}
}

func TestCheckBindAddr(t *testing.T) {
	if err := CheckBindAddr("127.0.0.1:7890", false); err != nil {
		t.Fatalf("expected loopback allowed, got %v", err)
	}
	if err := CheckBindAddr("[::1]:7890", false); err != nil {
		t.Fatalf("expected ipv6 loopback allowed, got %v", err)
	}
	if err := CheckBindAddr("0.0.0.0:7890", false); err == nil {
		t.Fatalf("expected wildcard bind rejected")
	}
	if err := CheckBindAddr(":7890", false); err == nil {
		t.Fatalf("expected empty host rejected")
	}
	if err := CheckBindAddr("0.0.0.0:7890", true); err != nil {
		t.Fatalf("expected allow_remote to permit wildcard, got %v", err)
	}
	if !trustedPeer("127.0.0.1:5555", false) || trustedPeer("10.1.2.3:5555", false) {
		t.Fatalf("unexpected peer trust decisions")
	}
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/muxd/core"
	"pkt.systems/muxd/internal/dispatch"
	"pkt.systems/muxd/rpcserver"
	"pkt.systems/muxd/schema"
)

type testServer struct {
	tcpAddr string
	wsURL   string
}

func startServer(t *testing.T) testServer {
	t.Helper()
	d := dispatch.New(nil, dispatch.Options{BatchWindow: 5 * time.Millisecond})
	svc, err := core.NewService(schema.ServiceConfig{
		StateDir:             t.TempDir(),
		DefaultShell:         "/bin/sh",
		TerminateGraceMillis: 200,
	}, core.ServiceDeps{EventSink: d})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	d.SetSource(svc)
	srv := rpcserver.NewServer(rpcserver.Config{}, svc, d, func() {})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ServeTCP(ctx, ln)
	}()
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
		hs.Close()
		d.Close()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = svc.Shutdown(shutdownCtx)
	})
	return testServer{
		tcpAddr: ln.Addr().String(),
		wsURL:   "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

func dialT(t *testing.T, addr string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, Options{})
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPingOverBothTransports(t *testing.T) {
	ts := startServer(t)
	for _, addr := range []string{ts.tcpAddr, "tcp://" + ts.tcpAddr, ts.wsURL} {
		c := dialT(t, addr)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.Ping(ctx); err != nil {
			cancel()
			t.Fatalf("ping via %s: %v", addr, err)
		}
		cancel()
	}
}

func TestErrorsMatchSentinels(t *testing.T) {
	ts := startServer(t)
	c := dialT(t, ts.tcpAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Call(ctx, "pane.info", map[string]any{"pane_id": "pane_missing"}, nil)
	if !errors.Is(err, schema.ErrPaneNotFound) {
		t.Fatalf("expected ErrPaneNotFound, got %v", err)
	}
	_, err = c.CreatePane(ctx, schema.CreatePaneRequest{SessionID: "sess_missing"})
	if !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestWriteReadAndStream(t *testing.T) {
	ts := startServer(t)
	c := dialT(t, ts.wsURL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := c.CreateSession(ctx, "dev")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	pane, err := c.CreatePane(ctx, schema.CreatePaneRequest{SessionID: sess.ID, Shell: "/bin/sh"})
	if err != nil {
		t.Fatalf("create pane: %v", err)
	}
	sub, err := c.Subscribe(ctx, pane.ID, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Write(ctx, pane.ID, []byte("echo marker-42\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var streamed bytes.Buffer
	for !strings.Contains(streamed.String(), "marker-42\r\n") {
		select {
		case n, ok := <-c.Notifications():
			if !ok {
				t.Fatalf("notifications closed: %v", c.Err())
			}
			if n.Method != string(schema.EventPaneOutput) {
				continue
			}
			var out schema.PaneOutputNotification
			if err := json.Unmarshal(n.Params, &out); err != nil {
				t.Fatalf("decode output: %v", err)
			}
			if out.SubscriptionID != sub.SubscriptionID {
				t.Fatalf("expected subscription %s, got %s", sub.SubscriptionID, out.SubscriptionID)
			}
			data, err := schema.DecodeData(out.Data, out.Encoding)
			if err != nil {
				t.Fatalf("decode data: %v", err)
			}
			streamed.Write(data)
		case <-ctx.Done():
			t.Fatalf("expected streamed marker, got %q", streamed.String())
		}
	}

	read, err := c.Read(ctx, pane.ID, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(read.Data, []byte("marker-42")) {
		t.Fatalf("expected marker in scrollback, got %q", read.Data)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.SessionCount != 1 || st.PaneCount != 1 {
		t.Fatalf("expected 1 session and 1 pane, got %+v", st)
	}
}

func TestCallAfterCloseFails(t *testing.T) {
	ts := startServer(t)
	c := dialT(t, ts.tcpAddr)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := c.Ping(context.Background())
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

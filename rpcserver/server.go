// Package rpcserver exposes the registry over JSON-RPC 2.0 on WebSocket and
// raw TCP transports.
package rpcserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"pkt.systems/muxd/core"
	"pkt.systems/muxd/internal/dispatch"
	"pkt.systems/muxd/internal/logx"
	"pkt.systems/muxd/internal/rpc"
)

// Server serves the control protocol.
type Server struct {
	cfg        Config
	service    core.Service
	dispatcher *dispatch.Dispatcher
	onShutdown func()
	methods    map[string]methodFunc
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

// NewServer constructs a control server. onShutdown is invoked once the
// response to server_shutdown has been written; it must not block.
func NewServer(cfg Config, service core.Service, dispatcher *dispatch.Dispatcher, onShutdown func()) *Server {
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = defaultWriteQueue
	}
	s := &Server{
		cfg:        cfg,
		service:    service,
		dispatcher: dispatcher,
		onShutdown: onShutdown,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
		},
		conns: make(map[string]*conn),
	}
	s.methods = s.methodTable()
	return s
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", handleHealth)
	return withRequestLogging(mux)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", r.RemoteAddr)
	if !trustedPeer(r.RemoteAddr, s.cfg.AllowRemote) {
		log.Warn("rpc connection rejected", "reason", "remote peer")
		http.Error(w, "remote connections are disabled", http.StatusForbidden)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("rpc websocket upgrade failed", "err", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	s.serveConn(r.Context(), &wsTransport{ws: ws}, "ws")
}

// ServeTCP accepts newline-delimited JSON-RPC connections until ctx ends.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !trustedPeer(nc.RemoteAddr().String(), s.cfg.AllowRemote) {
			pslog.Ctx(ctx).Warn("rpc connection rejected", "remote", nc.RemoteAddr().String(), "reason", "remote peer")
			_ = nc.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, newLineTransport(nc), "tcp")
		}()
	}
}

// ServeConn serves one already-accepted stream connection using the line transport.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	s.serveConn(ctx, newLineTransport(nc), "tcp")
}

// Close disconnects every client. Connections accepted afterwards are
// closed immediately.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// Connections returns the number of connected clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

func newConnID() string {
	return "conn_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// handleFrame processes one inbound frame and returns the encoded reply,
// or nil when nothing must be sent back.
func (s *Server) handleFrame(ctx context.Context, c *conn, frame []byte) ([]byte, []func()) {
	reqs, batch, decodeErr := rpc.Decode(frame)
	if decodeErr != nil {
		c.log.Debug("rpc decode failed", "err", decodeErr)
		return encodeFrame(c, rpc.NewError(nil, decodeErr)), nil
	}
	var (
		responses []rpc.Response
		after     []func()
	)
	for _, req := range reqs {
		resp, fn, reply := s.handleRequest(ctx, c, req)
		if fn != nil {
			after = append(after, fn)
		}
		if reply {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return nil, after
	}
	if !batch {
		return encodeFrame(c, responses[0]), after
	}
	return encodeFrame(c, responses), after
}

func (s *Server) handleRequest(ctx context.Context, c *conn, req rpc.Request) (rpc.Response, func(), bool) {
	if verr := req.Validate(); verr != nil {
		return rpc.NewError(req.ID, verr), nil, true
	}
	c.activate()
	log := c.log.With("method", req.Method)
	method, ok := s.methods[req.Method]
	if !ok {
		log.Debug("rpc method not found")
		return rpc.NewError(req.ID, rpc.Errorf(rpc.CodeMethodNotFound, "method %q not found", req.Method)), nil, !req.IsNotification()
	}
	result, err := method(ctx, c, req.Params)
	if err != nil {
		rpcErr := rpc.FromError(err)
		log.Debug("rpc call failed", "code", rpcErr.Code, "err", err)
		return rpc.NewError(req.ID, rpcErr), nil, !req.IsNotification()
	}
	log.Trace("rpc call ok")
	var after func()
	if d, ok := result.(deferred); ok {
		result = d.result
		after = d.after
	}
	resp, mErr := rpc.NewResult(req.ID, result)
	if mErr != nil {
		log.Error("rpc result encode failed", "err", mErr)
		return rpc.NewError(req.ID, rpc.Errorf(rpc.CodeInternal, "encode result: %v", mErr)), after, !req.IsNotification()
	}
	return resp, after, !req.IsNotification()
}

// deferred carries a result plus work to run after it reached the client.
type deferred struct {
	result any
	after  func()
}

func encodeFrame(c *conn, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("rpc frame encode failed", "err", err)
		data, _ = json.Marshal(rpc.NewError(nil, rpc.Errorf(rpc.CodeInternal, "encode response")))
	}
	return data
}

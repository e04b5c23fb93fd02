package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"pkt.systems/muxd/internal/dispatch"
	"pkt.systems/muxd/internal/logx"
	"pkt.systems/muxd/internal/rpc"
	"pkt.systems/muxd/schema"
)

// transport moves whole JSON frames.
type transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
	RemoteAddr() string
}

type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := t.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteFrame(data []byte) error {
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing")
	_ = t.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.ws.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.ws.RemoteAddr().String()
}

type lineTransport struct {
	nc      net.Conn
	scanner *bufio.Scanner
}

func newLineTransport(nc net.Conn) *lineTransport {
	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 64<<10), maxFrameBytes)
	return &lineTransport{nc: nc, scanner: scanner}
}

func (t *lineTransport) ReadFrame() ([]byte, error) {
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, net.ErrClosed
}

func (t *lineTransport) WriteFrame(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := t.nc.Write(buf)
	return err
}

func (t *lineTransport) Close() error {
	return t.nc.Close()
}

func (t *lineTransport) RemoteAddr() string {
	return t.nc.RemoteAddr().String()
}

type connState int32

const (
	stateConnected connState = iota
	stateTrusted
	stateActive
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateTrusted:
		return "trusted"
	case stateActive:
		return "active"
	default:
		return "closed"
	}
}

type outFrame struct {
	data  []byte
	after []func()
}

// conn is one client connection. Responses and notifications share one
// ordered write queue drained by a single writer.
type conn struct {
	id    string
	kind  string
	t     transport
	sub   *dispatch.Subscriber
	out   chan outFrame
	done  chan struct{}
	state atomic.Int32
	log   pslog.Logger

	closeOnce sync.Once
}

func (c *conn) activate() {
	c.state.CompareAndSwap(int32(stateTrusted), int32(stateActive))
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		close(c.done)
		_ = c.t.Close()
	})
}

// enqueue blocks until the writer accepts the frame or the connection closes.
func (c *conn) enqueue(f outFrame) bool {
	select {
	case c.out <- f:
		return true
	case <-c.done:
		return false
	}
}

func (s *Server) serveConn(ctx context.Context, t transport, kind string) {
	c := &conn{
		id:   newConnID(),
		kind: kind,
		t:    t,
		out:  make(chan outFrame, s.cfg.WriteQueue),
		done: make(chan struct{}),
	}
	c.log = logx.WithConn(ctx, c.id).With("transport", kind, "remote", t.RemoteAddr())
	c.state.Store(int32(stateConnected))
	if !s.register(c) {
		_ = t.Close()
		return
	}
	c.state.Store(int32(stateTrusted))
	c.sub = s.dispatcher.NewSubscriber(c.id)
	ctx = logx.ContextWithConnLogger(ctx, c.log, c.id)
	c.log.Info("rpc connection opened", "state", stateTrusted.String())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(c)
	}()

	var frames uint64
	for {
		frame, err := t.ReadFrame()
		if err != nil {
			if c.state.Load() != int32(stateClosed) {
				c.log.Debug("rpc connection read ended", "err", err)
			}
			break
		}
		frames++
		reply, after := s.handleFrame(ctx, c, frame)
		if reply == nil && len(after) == 0 {
			continue
		}
		if !c.enqueue(outFrame{data: reply, after: after}) {
			break
		}
	}

	last := connState(c.state.Load())
	s.dispatcher.CloseSubscriber(c.sub)
	c.close()
	<-writerDone
	s.unregister(c)
	c.log.Info("rpc connection closed", "state", last.String(), "frames", frames, "dropped", c.sub.Dropped())
}

func (s *Server) writeLoop(c *conn) {
	notes := c.sub.C()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			if len(f.data) > 0 {
				if err := c.t.WriteFrame(f.data); err != nil {
					c.log.Debug("rpc write failed", "err", err)
					c.close()
					return
				}
			}
			for _, fn := range f.after {
				fn()
			}
		case n, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			data, err := json.Marshal(rpc.NewNotification(string(n.Method), n.Params))
			if err != nil {
				c.log.Error("rpc notification encode failed", "method", n.Method, "err", err)
				continue
			}
			if err := c.t.WriteFrame(data); err != nil {
				c.log.Debug("rpc write failed", "err", err)
				c.close()
				return
			}
			if n.Method == schema.EventPaneOutput {
				c.log.Trace("rpc output delivered", "bytes", len(data))
			}
		}
	}
}

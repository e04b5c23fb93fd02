// Package client is a JSON-RPC client for the muxd control protocol.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"pkt.systems/muxd/internal/rpc"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client closed")

// Notification is a server push with undecoded params.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type conn interface {
	readFrame() ([]byte, error)
	writeFrame([]byte) error
	close() error
}

type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) readFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) writeFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) close() error {
	c.mu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.ws.Close()
}

type lineConn struct {
	nc     net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

func (c *lineConn) readFrame() ([]byte, error) {
	return c.reader.ReadBytes('\n')
}

func (c *lineConn) writeFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.nc.Write(append(data, '\n'))
	return err
}

func (c *lineConn) close() error {
	return c.nc.Close()
}

// Client multiplexes calls over one connection and surfaces notifications
// on a channel.
type Client struct {
	conn  conn
	notes chan Notification
	log   pslog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[string]chan rpc.Response
	err     error
	done    chan struct{}
}

// Options tunes a client.
type Options struct {
	// NotificationBuffer bounds undelivered notifications; extra ones are dropped.
	NotificationBuffer int
	Logger             pslog.Logger
}

// Dial connects to addr. A ws:// or wss:// URL uses the WebSocket
// transport, tcp://host:port or a bare host:port the line transport.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	c, err := dialConn(ctx, addr)
	if err != nil {
		return nil, err
	}
	return newClient(c, opts), nil
}

func dialConn(ctx context.Context, addr string) (conn, error) {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		u, err := url.Parse(addr)
		if err != nil {
			return nil, err
		}
		if u.Path == "" {
			u.Path = "/ws"
		}
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", u, err)
		}
		return &wsConn{ws: ws}, nil
	default:
		hostport := strings.TrimPrefix(addr, "tcp://")
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", hostport)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", hostport, err)
		}
		return &lineConn{nc: nc, reader: bufio.NewReaderSize(nc, 64<<10)}, nil
	}
}

func newClient(c conn, opts Options) *Client {
	if opts.NotificationBuffer <= 0 {
		opts.NotificationBuffer = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	cl := &Client{
		conn:    c,
		notes:   make(chan Notification, opts.NotificationBuffer),
		log:     logger,
		pending: make(map[string]chan rpc.Response),
		done:    make(chan struct{}),
	}
	go cl.readLoop()
	return cl
}

// Notifications returns server pushes. The channel closes with the connection.
func (c *Client) Notifications() <-chan Notification {
	return c.notes
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection.
func (c *Client) Close() error {
	err := c.conn.close()
	<-c.done
	return err
}

// Call invokes method and decodes the result into out when out is non-nil.
// Protocol errors are returned as *rpc.Error, which matches the schema
// sentinels with errors.Is.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpc.Response, 1)
	key := fmt.Sprintf("%d", id)
	c.pending[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	req, err := rpc.Call(id, method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := c.conn.writeFrame(data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer func() {
		close(c.notes)
		close(c.done)
	}()
	for {
		frame, err := c.conn.readFrame()
		if err != nil {
			c.fail(err)
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame []byte) {
	trimmed := strings.TrimSpace(string(frame))
	if trimmed == "" {
		return
	}
	if trimmed[0] == '[' {
		var resps []rpc.Response
		if err := json.Unmarshal([]byte(trimmed), &resps); err != nil {
			c.log.Warn("client batch decode failed", "err", err)
			return
		}
		for _, resp := range resps {
			c.resolve(resp)
		}
		return
	}
	var envelope struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		c.log.Warn("client frame decode failed", "err", err)
		return
	}
	if envelope.Method != "" && len(envelope.ID) == 0 {
		select {
		case c.notes <- Notification{Method: envelope.Method, Params: envelope.Params}:
		default:
			c.log.Warn("client notification dropped", "method", envelope.Method)
		}
		return
	}
	var resp rpc.Response
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		c.log.Warn("client response decode failed", "err", err)
		return
	}
	c.resolve(resp)
}

func (c *Client) resolve(resp rpc.Response) {
	key := string(resp.ID)
	c.mu.Lock()
	ch := c.pending[key]
	c.mu.Unlock()
	if ch == nil {
		if resp.Error != nil {
			c.log.Warn("client unsolicited error", "err", resp.Error)
		}
		return
	}
	ch <- resp
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if errors.Is(err, net.ErrClosed) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.err = ErrClosed
		return
	}
	c.err = fmt.Errorf("%w: %w", ErrClosed, err)
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	var pong string
	if err := c.Call(ctx, "server.ping", nil, &pong); err != nil {
		return err
	}
	if pong != "pong" {
		return fmt.Errorf("unexpected ping reply %q", pong)
	}
	return nil
}

// DialTimeout is Dial bounded by a timeout.
func DialTimeout(addr string, timeout time.Duration, opts Options) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Dial(ctx, addr, opts)
}

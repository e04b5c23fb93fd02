// Package sshserver attaches SSH sessions to panes: the SSH user name
// selects the pane, keystrokes go to its terminal and its output streams back.
package sshserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"
	"pkt.systems/pslog"

	"pkt.systems/muxd/core"
	"pkt.systems/muxd/internal/dispatch"
	"pkt.systems/muxd/internal/logx"
	"pkt.systems/muxd/schema"
)

// Server exposes panes over SSH.
type Server struct {
	Addr               string
	HostKeyPath        string
	AuthorizedKeysPath string
	AllowRemote        bool
	Listener           net.Listener
	Service            core.Service
	Dispatcher         *dispatch.Dispatcher
	logger             pslog.Logger
}

// NewServer builds a server from config.
func NewServer(cfg Config, service core.Service, dispatcher *dispatch.Dispatcher) *Server {
	keys := cfg.AuthorizedKeysPath
	if keys == "" {
		keys = DefaultAuthorizedKeysPath()
	}
	return &Server{
		Addr:               cfg.Addr,
		HostKeyPath:        cfg.HostKeyPath,
		AuthorizedKeysPath: keys,
		AllowRemote:        cfg.AllowRemote,
		Service:            service,
		Dispatcher:         dispatcher,
	}
}

// ListenAndServe starts the SSH server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	if s.Service == nil || s.Dispatcher == nil {
		return errors.New("ssh attach requires a service and a dispatcher")
	}

	hostKey, err := EnsureHostKey(s.HostKeyPath)
	if err != nil {
		return err
	}
	if hostKey.Created {
		s.logger.Info("ssh host key generated", "path", s.HostKeyPath, "fingerprint", hostKey.Fingerprint)
	}
	if hostKey.LoosePerms {
		s.logger.Warn("ssh host key readable by others", "path", s.HostKeyPath)
	}

	server := &gliderssh.Server{
		Addr:             s.Addr,
		Handler:          s.handleSession,
		PublicKeyHandler: s.handlePublicKey,
	}
	server.AddHostKey(hostKey.Signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("ssh attach listening", "addr", s.Addr, "fingerprint", hostKey.Fingerprint)

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, gliderssh.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	fingerprint := ssh.FingerprintSHA256(key)
	remote := remoteAddr(ctx)
	log = log.With("user", ctx.User(), "remote", remote, "fingerprint", fingerprint)
	if !s.AllowRemote && !loopbackPeer(ctx.RemoteAddr()) {
		log.Warn("ssh pubkey rejected", "reason", "remote peer")
		return false
	}
	keys, err := loadAuthorizedKeys(s.AuthorizedKeysPath)
	if err != nil {
		log.Warn("ssh pubkey rejected", "err", err)
		return false
	}
	if !keyAuthorized(keys, key) {
		log.Warn("ssh pubkey rejected", "reason", "no matching key")
		return false
	}
	log.Debug("ssh pubkey accepted")
	return true
}

func loopbackPeer(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr == nil || addr.Network() == "unix"
	}
	return tcp.IP.IsLoopback()
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(sess.Context())
	}
	paneID := schema.PaneID(strings.TrimSpace(sess.User()))
	log = log.With("pane", paneID, "remote", sess.RemoteAddr().String())
	if sshSession := sess.Context().SessionID(); sshSession != "" {
		log = log.With("ssh_session", shortID(sshSession))
	}
	ctx, cancel := context.WithCancel(sess.Context())
	defer cancel()

	info, err := s.Service.GetPane(ctx, schema.GetPaneRequest{PaneID: paneID})
	if err != nil {
		log.Info("ssh attach rejected", "err", err)
		_, _ = fmt.Fprintf(sess, "muxd: unknown pane %q\r\n", paneID)
		_ = sess.Exit(1)
		return
	}
	ctx = logx.ContextWithPaneLogger(ctx, log, info.Pane.SessionID, paneID)

	pty, winCh, hasPty := sess.Pty()
	if hasPty {
		s.resize(ctx, paneID, pty.Window)
	}

	sub := s.Dispatcher.NewSubscriber("ssh:" + string(paneID))
	defer s.Dispatcher.CloseSubscriber(sub)
	replay := uint64(0)
	if _, _, err := s.Dispatcher.Subscribe(sub, paneID, &replay); err != nil {
		log.Warn("ssh attach subscribe failed", "err", err)
		_, _ = fmt.Fprintf(sess, "muxd: %v\r\n", err)
		_ = sess.Exit(1)
		return
	}
	log.Info("ssh attach opened", "pty", hasPty)

	go s.pumpInput(ctx, cancel, sess, paneID)
	if hasPty {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case win, ok := <-winCh:
					if !ok {
						return
					}
					s.resize(ctx, paneID, win)
				}
			}
		}()
	}

	status := s.pumpOutput(ctx, sess, sub)
	log.Info("ssh attach closed", "exit", status, "dropped", sub.Dropped())
	_ = sess.Exit(status)
}

func (s *Server) resize(ctx context.Context, paneID schema.PaneID, win gliderssh.Window) {
	if win.Height <= 0 || win.Width <= 0 {
		return
	}
	err := s.Service.ResizePane(ctx, schema.ResizePaneRequest{PaneID: paneID, Rows: win.Height, Cols: win.Width})
	if err != nil {
		pslog.Ctx(ctx).Debug("ssh attach resize failed", "rows", win.Height, "cols", win.Width, "err", err)
	}
}

// pumpInput forwards keystrokes until the client goes away.
func (s *Server) pumpInput(ctx context.Context, cancel context.CancelFunc, r io.Reader, paneID schema.PaneID) {
	defer cancel()
	buf := make([]byte, 4096)
	notified := false
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			werr := s.Service.WritePane(ctx, schema.WritePaneRequest{PaneID: paneID, Data: data})
			switch {
			case werr == nil:
				notified = false
			case errors.Is(werr, schema.ErrProcessExited):
				if !notified {
					pslog.Ctx(ctx).Debug("ssh attach input dropped", "reason", "process exited")
					notified = true
				}
			case errors.Is(werr, schema.ErrPaneNotFound), errors.Is(werr, schema.ErrCancelled):
				return
			default:
				pslog.Ctx(ctx).Warn("ssh attach write failed", "err", werr)
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpOutput streams pane output until the pane closes or the session ends.
// It returns the SSH exit status.
func (s *Server) pumpOutput(ctx context.Context, w io.Writer, sub *dispatch.Subscriber) int {
	for {
		select {
		case <-ctx.Done():
			return 0
		case n, ok := <-sub.C():
			if !ok {
				return 0
			}
			switch params := n.Params.(type) {
			case schema.PaneOutputNotification:
				data, err := schema.DecodeData(params.Data, params.Encoding)
				if err != nil {
					continue
				}
				if params.Discontinuity {
					_, _ = io.WriteString(w, "\r\n[muxd: output skipped]\r\n")
				}
				if _, err := w.Write(data); err != nil {
					return 0
				}
			case schema.PaneExitNotification:
				msg := fmt.Sprintf("\r\n[muxd: process exited with code %d]\r\n", params.ExitCode)
				if params.Signal != "" {
					msg = fmt.Sprintf("\r\n[muxd: process killed by %s]\r\n", params.Signal)
				}
				_, _ = io.WriteString(w, msg)
			case schema.PaneClosedNotification:
				_, _ = io.WriteString(w, "\r\n[muxd: pane closed]\r\n")
				return 0
			}
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

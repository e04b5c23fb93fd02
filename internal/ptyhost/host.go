// Package ptyhost owns a single PTY-backed child process.
package ptyhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	"pkt.systems/muxd/schema"
)

const writeChunk = 4096

// killWait bounds how long Terminate waits for the child after SIGKILL.
var killWait = 2 * time.Second

// drainWait bounds how long Terminate lets a reader drain the PTY before
// closing it.
var drainWait = 100 * time.Millisecond

const settlePoll = 10 * time.Millisecond

// ErrTerminate indicates the process group survived SIGKILL within the wait window.
var ErrTerminate = errors.New("process did not terminate")

// SpawnFunc starts a host. The registry takes one so tests can substitute it.
type SpawnFunc func(ctx context.Context, spec schema.SpawnSpec, opts Options) (*Host, error)

// Options tunes a spawned host.
type Options struct {
	Logger pslog.Logger
	// Name labels log lines, normally the pane id.
	Name string
}

// Host is one child process attached to the slave side of a PTY. The
// caller must call Terminate exactly when the host is no longer needed;
// it is the only path that releases the PTY and the process group.
type Host struct {
	name string
	log  pslog.Logger
	cmd  *exec.Cmd
	tty  *os.File
	pid  int

	mu        sync.Mutex
	state     schema.PaneState
	exit      schema.ExitStatus
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	ttyOnce   sync.Once
	eof       chan struct{}
	eofOnce   sync.Once
	writeMu   sync.Mutex
}

// Spawn resolves the shell, allocates a PTY and starts the child in its own
// session so the whole process group can be signalled. Failures wrap
// schema.ErrSpawn together with the OS cause.
func Spawn(ctx context.Context, spec schema.SpawnSpec, opts Options) (*Host, error) {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	if err := schema.ValidateDimensions(spec.Dimensions); err != nil {
		return nil, fmt.Errorf("%w: dimensions %dx%d: %w", schema.ErrSpawn, spec.Dimensions.Rows, spec.Dimensions.Cols, err)
	}
	if spec.Shell == "" {
		return nil, fmt.Errorf("%w: shell is empty", schema.ErrSpawn)
	}
	path, err := exec.LookPath(spec.Shell)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", schema.ErrSpawn, spec.Shell, err)
	}
	if spec.WorkingDir != "" {
		info, err := os.Stat(spec.WorkingDir)
		if err != nil {
			return nil, fmt.Errorf("%w: working directory: %w", schema.ErrSpawn, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: working directory %s is not a directory", schema.ErrSpawn, spec.WorkingDir)
		}
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = buildEnv(os.Environ(), spec.Env)

	h := &Host{
		name:    opts.Name,
		log:     logger.With("pane", opts.Name),
		cmd:     cmd,
		state:   schema.PaneSpawning,
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		eof:     make(chan struct{}),
	}
	tty, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(spec.Dimensions.Rows),
		Cols: uint16(spec.Dimensions.Cols),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", schema.ErrSpawn, path, err)
	}
	h.tty = tty
	h.pid = cmd.Process.Pid
	h.mu.Lock()
	h.state = schema.PaneRunning
	h.mu.Unlock()
	h.log.Debug("ptyhost spawned", "shell", path, "pid", h.pid, "rows", spec.Dimensions.Rows, "cols", spec.Dimensions.Cols)

	go h.wait()
	return h, nil
}

func buildEnv(base []string, extra map[string]string) []string {
	env := make([]string, 0, len(base)+len(extra)+1)
	seen := make(map[string]bool, len(extra))
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, entry := range base {
		key := entry
		for i := 0; i < len(entry); i++ {
			if entry[i] == '=' {
				key = entry[:i]
				break
			}
		}
		if _, ok := extra[key]; ok {
			continue
		}
		if key == "TERM" {
			seen["TERM"] = true
		}
		env = append(env, entry)
	}
	for _, k := range keys {
		if k == "TERM" {
			seen["TERM"] = true
		}
		env = append(env, k+"="+extra[k])
	}
	if !seen["TERM"] {
		env = append(env, "TERM=xterm-256color")
	}
	return env
}

func (h *Host) wait() {
	err := h.cmd.Wait()
	status := schema.ExitStatus{Code: -1}
	if ps := h.cmd.ProcessState; ps != nil {
		status.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	} else if err != nil {
		status.Signal = err.Error()
	}
	h.mu.Lock()
	if h.state != schema.PaneKilled {
		h.state = schema.PaneExited
	}
	h.exit = status
	h.mu.Unlock()
	close(h.done)
	h.log.Debug("ptyhost exited", "pid", h.pid, "exit_code", status.Code, "signal", status.Signal)
}

// PID returns the child process id, which is also its process group id.
func (h *Host) PID() int {
	return h.pid
}

// State returns the current lifecycle state.
func (h *Host) State() schema.PaneState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the child has been reaped.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// ExitStatus returns the exit status once the child has been reaped.
func (h *Host) ExitStatus() (schema.ExitStatus, bool) {
	select {
	case <-h.done:
	default:
		return schema.ExitStatus{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit, true
}

// Wait blocks until the child exits or ctx ends.
func (h *Host) Wait(ctx context.Context) (schema.ExitStatus, error) {
	select {
	case <-h.done:
		status, _ := h.ExitStatus()
		return status, nil
	case <-ctx.Done():
		return schema.ExitStatus{}, ctx.Err()
	}
}

// Read reads PTY output. The end of the child's output is reported as io.EOF.
func (h *Host) Read(p []byte) (int, error) {
	n, err := h.tty.Read(p)
	if err != nil {
		if errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) {
			h.eofOnce.Do(func() { close(h.eof) })
			return n, io.EOF
		}
		return n, err
	}
	return n, nil
}

// Write sends input to the child. It fails with schema.ErrProcessExited once
// the child is gone and with schema.ErrCancelled when Terminate runs while
// the write is still in progress.
func (h *Host) Write(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for len(data) > 0 {
		if h.isClosing() {
			return schema.ErrCancelled
		}
		if h.State().Terminal() {
			return schema.ErrProcessExited
		}
		n := min(len(data), writeChunk)
		written, err := h.tty.Write(data[:n])
		if err != nil {
			if h.isClosing() {
				return schema.ErrCancelled
			}
			if h.State().Terminal() {
				return schema.ErrProcessExited
			}
			return fmt.Errorf("pty write: %w", err)
		}
		data = data[written:]
	}
	return nil
}

// Resize changes the PTY window size; the kernel delivers SIGWINCH to the child.
func (h *Host) Resize(d schema.Dimensions) error {
	if err := schema.ValidateDimensions(d); err != nil {
		return err
	}
	if h.State().Terminal() {
		return schema.ErrProcessExited
	}
	if err := pty.Setsize(h.tty, &pty.Winsize{Rows: uint16(d.Rows), Cols: uint16(d.Cols)}); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}
	return nil
}

// SetResponsive moves the host between Running and Unresponsive. It reports
// the previous state and whether a transition happened.
func (h *Host) SetResponsive(ok bool) (schema.PaneState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.state
	switch {
	case ok && old == schema.PaneUnresponsive:
		h.state = schema.PaneRunning
	case !ok && old == schema.PaneRunning:
		h.state = schema.PaneUnresponsive
	default:
		return old, false
	}
	return old, true
}

// SignalTerminate sends SIGTERM to the child's process group.
func (h *Host) SignalTerminate() error {
	return h.signalGroup(unix.SIGTERM)
}

func (h *Host) signalGroup(sig unix.Signal) error {
	if h.pid <= 0 {
		return nil
	}
	err := unix.Kill(-h.pid, sig)
	if errors.Is(err, unix.ESRCH) && !h.reaped() {
		err = unix.Kill(h.pid, sig)
	}
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %s: %w", sig, err)
	}
	return nil
}

func (h *Host) isClosing() bool {
	select {
	case <-h.closing:
		return true
	default:
		return false
	}
}

// Terminate kills the process group: SIGTERM, then SIGKILL after grace.
// The group is signalled even when the shell itself has already been reaped,
// so background members do not outlive the pane. The PTY is closed
// afterwards. It is safe to call repeatedly; a later call retries the kill
// if an earlier one timed out.
func (h *Host) Terminate(ctx context.Context, grace time.Duration) error {
	h.closeOnce.Do(func() { close(h.closing) })
	h.mu.Lock()
	if h.state.Live() || h.state == schema.PaneSpawning {
		h.state = schema.PaneKilled
	}
	h.mu.Unlock()

	if h.settled() {
		h.drainTTY()
		return nil
	}
	if err := h.SignalTerminate(); err != nil {
		h.log.Warn("ptyhost sigterm failed", "pid", h.pid, "err", err)
	}
	if h.awaitSettled(ctx, grace) {
		h.drainTTY()
		return nil
	}
	if err := h.signalGroup(unix.SIGKILL); err != nil {
		h.log.Warn("ptyhost sigkill failed", "pid", h.pid, "err", err)
	}
	h.closeTTY()
	kill := time.NewTimer(killWait)
	defer kill.Stop()
	select {
	case <-h.done:
		if h.groupAlive() {
			h.log.Debug("ptyhost group members left after sigkill", "pgid", h.pid)
		}
		return nil
	case <-kill.C:
		return fmt.Errorf("pid %d: %w", h.pid, ErrTerminate)
	}
}

// awaitSettled polls until the child is reaped and its group is empty, or
// until grace or ctx runs out.
func (h *Host) awaitSettled(ctx context.Context, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	tick := time.NewTicker(settlePoll)
	defer tick.Stop()
	done := h.done
	for {
		select {
		case <-done:
			done = nil
		case <-tick.C:
		case <-timer.C:
			return h.settled()
		case <-ctx.Done():
			return h.settled()
		}
		if h.settled() {
			return true
		}
	}
}

func (h *Host) reaped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// groupAlive reports whether any process still belongs to the child's group.
func (h *Host) groupAlive() bool {
	if h.pid <= 0 {
		return false
	}
	return !errors.Is(unix.Kill(-h.pid, 0), unix.ESRCH)
}

func (h *Host) settled() bool {
	return h.reaped() && !h.groupAlive()
}

// drainTTY gives a reader the chance to reach EOF on output the group wrote
// before exiting, then closes the PTY.
func (h *Host) drainTTY() {
	timer := time.NewTimer(drainWait)
	select {
	case <-h.eof:
	case <-timer.C:
	}
	timer.Stop()
	h.closeTTY()
}

func (h *Host) closeTTY() {
	h.ttyOnce.Do(func() {
		if err := h.tty.Close(); err != nil {
			h.log.Debug("ptyhost tty close failed", "err", err)
		}
	})
}

package ptyhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"pkt.systems/muxd/schema"
)

// ErrStopped indicates the child is stopped by job control or a tracer.
var ErrStopped = errors.New("process stopped")

// procRoot is where process status is read from.
var procRoot = "/proc"

// Probe checks that the child is alive and schedulable. It returns
// schema.ErrProcessExited when the process is gone or a zombie, ErrStopped
// when it is stopped, and the context error when the check does not finish
// in time.
func (h *Host) Probe(ctx context.Context) error {
	if h.State().Terminal() {
		return schema.ErrProcessExited
	}
	result := make(chan error, 1)
	go func() {
		result <- probePID(h.pid)
	}()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("probe pid %d: %w", h.pid, ctx.Err())
	}
}

func probePID(pid int) error {
	if err := unix.Kill(pid, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return schema.ErrProcessExited
		}
		if !errors.Is(err, unix.EPERM) {
			return fmt.Errorf("probe pid %d: %w", pid, err)
		}
	}
	state, ok := procState(pid)
	if !ok {
		return nil
	}
	switch state {
	case 'Z', 'X', 'x':
		return schema.ErrProcessExited
	case 'T', 't':
		return ErrStopped
	}
	return nil
}

// procState returns the one-letter scheduler state from /proc/<pid>/stat.
func procState(pid int) (byte, bool) {
	raw, err := os.ReadFile(procRoot + "/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, false
	}
	// The command name is parenthesized and may itself contain ')'.
	end := bytes.LastIndexByte(raw, ')')
	if end < 0 || end+2 >= len(raw) {
		return 0, false
	}
	return raw[end+2], true
}

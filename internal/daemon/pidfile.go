// Package daemon guards a single muxd instance per state directory.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned when another instance holds the lock.
var ErrAlreadyRunning = errors.New("muxd already running")

// ErrNotRunning is returned when no live instance is recorded.
var ErrNotRunning = errors.New("muxd not running")

const (
	pidFileName  = "muxd.pid"
	lockFileName = "muxd.lock"
)

// PIDPath returns the pid file path inside stateDir.
func PIDPath(stateDir string) string {
	return filepath.Join(stateDir, pidFileName)
}

// Lock is the held single-instance lock plus its pid file.
type Lock struct {
	mu      sync.Mutex
	file    *os.File
	pidPath string
}

// Acquire takes the instance lock in stateDir and records the current pid.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(stateDir, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid, perr := ReadPID(stateDir); perr == nil {
				return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
			}
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("lock %s: %w", f.Name(), err)
	}
	pidPath := PIDPath(stateDir)
	if err := writeFileAtomic(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n")); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &Lock{file: f, pidPath: pidPath}, nil
}

// Release removes the pid file and drops the lock. It is safe to call twice.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	f := l.file
	l.file = nil
	l.mu.Unlock()
	if f == nil {
		return nil
	}
	_ = os.Remove(l.pidPath)
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadPID returns the recorded pid in stateDir.
func ReadPID(stateDir string) (int, error) {
	data, err := os.ReadFile(PIDPath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", PIDPath(stateDir))
	}
	return pid, nil
}

// Alive reports whether pid names a live process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Running returns the pid of the live instance in stateDir.
func Running(stateDir string) (int, error) {
	pid, err := ReadPID(stateDir)
	if err != nil {
		return 0, err
	}
	if !Alive(pid) {
		return 0, fmt.Errorf("%w (stale pid %d)", ErrNotRunning, pid)
	}
	return pid, nil
}

// Terminate sends SIGTERM to the recorded instance and waits for it to exit.
func Terminate(stateDir string, timeout time.Duration) error {
	pid, err := Running(stateDir)
	if err != nil {
		return err
	}
	if err := unix.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("pid %d still running after %s", pid, timeout)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

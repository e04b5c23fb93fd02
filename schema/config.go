package schema

import (
	"errors"
	"os"
	"path/filepath"
)

// ServiceConfig defines defaults and limits for the registry.
type ServiceConfig struct {
	StateDir           string
	DefaultShell       string
	DefaultArgs        []string
	DefaultEnv         map[string]string
	DefaultDimensions  Dimensions
	BufferMaxBytes     int
	BufferMaxChunks    int
	MaxSessions        int
	MaxPanesPerSession int
	// RestartOnCrash lets the health monitor respawn panes whose process
	// exited abnormally.
	RestartOnCrash bool
	// RestartOnExit extends automatic restarts to clean exits.
	RestartOnExit bool
	// TerminateGrace is how long a process group gets between SIGTERM and SIGKILL.
	TerminateGraceMillis int
}

const (
	// DefaultRows is the default pane height.
	DefaultRows = 24
	// DefaultCols is the default pane width.
	DefaultCols = 80
	// DefaultBufferMaxBytes is the default per-pane scrollback cap.
	DefaultBufferMaxBytes = 10 << 20
	// DefaultBufferMaxChunks is the default per-pane chunk cap.
	DefaultBufferMaxChunks = 10000
	// DefaultMaxSessions is the default session limit.
	DefaultMaxSessions = 100
	// DefaultMaxPanesPerSession is the default per-session pane limit.
	DefaultMaxPanesPerSession = 50
	// DefaultTerminateGraceMillis is the default SIGTERM grace period.
	DefaultTerminateGraceMillis = 2000
	// SessionNameMax caps session names and pane titles, in runes.
	SessionNameMax = 128
)

// DefaultShell returns $SHELL, or /bin/sh when unset.
func DefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ServiceConfig{}, err
		}
		cfg.StateDir = filepath.Join(home, ".muxd", "state")
	}
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = DefaultShell()
	}
	if cfg.DefaultDimensions.Rows <= 0 {
		cfg.DefaultDimensions.Rows = DefaultRows
	}
	if cfg.DefaultDimensions.Cols <= 0 {
		cfg.DefaultDimensions.Cols = DefaultCols
	}
	if cfg.BufferMaxBytes <= 0 {
		cfg.BufferMaxBytes = DefaultBufferMaxBytes
	}
	if cfg.BufferMaxChunks <= 0 {
		cfg.BufferMaxChunks = DefaultBufferMaxChunks
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.MaxPanesPerSession <= 0 {
		cfg.MaxPanesPerSession = DefaultMaxPanesPerSession
	}
	if cfg.TerminateGraceMillis <= 0 {
		cfg.TerminateGraceMillis = DefaultTerminateGraceMillis
	}
	if cfg.BufferMaxBytes < 1024 {
		return ServiceConfig{}, errors.New("buffer max bytes must be at least 1024")
	}
	return cfg, nil
}

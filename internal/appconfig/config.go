package appconfig

import (
	"os"
	"path/filepath"

	"pkt.systems/muxd/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string         `mapstructure:"state_dir" yaml:"state_dir"`
	Server        ServerConfig   `mapstructure:"server" yaml:"server"`
	Shell         ShellConfig    `mapstructure:"shell" yaml:"shell"`
	Buffer        BufferConfig   `mapstructure:"buffer" yaml:"buffer"`
	Limits        LimitsConfig   `mapstructure:"limits" yaml:"limits"`
	Dispatch      DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Health        HealthConfig   `mapstructure:"health" yaml:"health"`
	Persist       PersistConfig  `mapstructure:"persist" yaml:"persist"`
	SSH           SSHConfig      `mapstructure:"ssh" yaml:"ssh"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ServerConfig configures the control protocol listeners.
type ServerConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	TCPAddr     string `mapstructure:"tcp_addr" yaml:"tcp_addr"`
	WriteQueue  int    `mapstructure:"write_queue" yaml:"write_queue"`
	AllowRemote bool   `mapstructure:"allow_remote" yaml:"allow_remote"`
}

// ShellConfig sets what new panes run by default.
type ShellConfig struct {
	Default          string            `mapstructure:"default" yaml:"default"`
	Args             []string          `mapstructure:"args" yaml:"args"`
	Env              map[string]string `mapstructure:"env" yaml:"env"`
	Rows             int               `mapstructure:"rows" yaml:"rows"`
	Cols             int               `mapstructure:"cols" yaml:"cols"`
	TerminateGraceMS int               `mapstructure:"terminate_grace_ms" yaml:"terminate_grace_ms"`
}

// BufferConfig caps per-pane scrollback.
type BufferConfig struct {
	MaxBytes  int `mapstructure:"max_bytes" yaml:"max_bytes"`
	MaxChunks int `mapstructure:"max_chunks" yaml:"max_chunks"`
}

// LimitsConfig caps registry size.
type LimitsConfig struct {
	MaxSessions        int `mapstructure:"max_sessions" yaml:"max_sessions"`
	MaxPanesPerSession int `mapstructure:"max_panes_per_session" yaml:"max_panes_per_session"`
}

// DispatchConfig tunes output batching.
type DispatchConfig struct {
	BatchWindowMS   int `mapstructure:"batch_window_ms" yaml:"batch_window_ms"`
	MaxBatchBytes   int `mapstructure:"max_batch_bytes" yaml:"max_batch_bytes"`
	SubscriberQueue int `mapstructure:"subscriber_queue" yaml:"subscriber_queue"`
}

// HealthConfig tunes probing and automatic restarts.
type HealthConfig struct {
	IntervalSeconds    int  `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	ProbeTimeoutMS     int  `mapstructure:"probe_timeout_ms" yaml:"probe_timeout_ms"`
	FailureThreshold   int  `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	UnresponsiveCycles int  `mapstructure:"unresponsive_cycles" yaml:"unresponsive_cycles"`
	RestartMax         int  `mapstructure:"restart_max" yaml:"restart_max"`
	RestartBackoffMS   int  `mapstructure:"restart_backoff_ms" yaml:"restart_backoff_ms"`
	RestartOnCrash     bool `mapstructure:"restart_on_crash" yaml:"restart_on_crash"`
	RestartOnExit      bool `mapstructure:"restart_on_exit" yaml:"restart_on_exit"`
}

// PersistConfig configures snapshots.
type PersistConfig struct {
	Backend         string `mapstructure:"backend" yaml:"backend"`
	AutosaveSeconds int    `mapstructure:"autosave_seconds" yaml:"autosave_seconds"`
	Keep            int    `mapstructure:"keep" yaml:"keep"`
	Compression     string `mapstructure:"compression" yaml:"compression"`
	RestoreOnStart  bool   `mapstructure:"restore_on_start" yaml:"restore_on_start"`
}

// SSHConfig configures the SSH attach server.
type SSHConfig struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath        string `mapstructure:"host_key_path" yaml:"host_key_path"`
	AuthorizedKeysPath string `mapstructure:"authorized_keys_path" yaml:"authorized_keys_path"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".muxd", "state"),
		Server: ServerConfig{
			Addr:        "127.0.0.1:7890",
			TCPAddr:     "127.0.0.1:7891",
			WriteQueue:  256,
			AllowRemote: false,
		},
		Shell: ShellConfig{
			Default:          schema.DefaultShell(),
			Args:             []string{},
			Env:              map[string]string{},
			Rows:             schema.DefaultRows,
			Cols:             schema.DefaultCols,
			TerminateGraceMS: schema.DefaultTerminateGraceMillis,
		},
		Buffer: BufferConfig{
			MaxBytes:  schema.DefaultBufferMaxBytes,
			MaxChunks: schema.DefaultBufferMaxChunks,
		},
		Limits: LimitsConfig{
			MaxSessions:        schema.DefaultMaxSessions,
			MaxPanesPerSession: schema.DefaultMaxPanesPerSession,
		},
		Dispatch: DispatchConfig{
			BatchWindowMS:   16,
			MaxBatchBytes:   1 << 20,
			SubscriberQueue: 64,
		},
		Health: HealthConfig{
			IntervalSeconds:    5,
			ProbeTimeoutMS:     1000,
			FailureThreshold:   3,
			UnresponsiveCycles: 2,
			RestartMax:         3,
			RestartBackoffMS:   500,
			RestartOnCrash:     true,
		},
		Persist: PersistConfig{
			Backend:         "file",
			AutosaveSeconds: 60,
			Keep:            10,
			Compression:     "none",
			RestoreOnStart:  false,
		},
		SSH: SSHConfig{
			Addr:               "",
			HostKeyPath:        filepath.Join(home, ".muxd", "ssh_host_key"),
			AuthorizedKeysPath: filepath.Join(home, ".ssh", "authorized_keys"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".muxd", "config.yaml"), nil
}

// ServiceConfig maps the file layout onto the registry config.
func (c Config) ServiceConfig() schema.ServiceConfig {
	return schema.ServiceConfig{
		StateDir:             c.StateDir,
		DefaultShell:         c.Shell.Default,
		DefaultArgs:          c.Shell.Args,
		DefaultEnv:           c.Shell.Env,
		DefaultDimensions:    schema.Dimensions{Rows: c.Shell.Rows, Cols: c.Shell.Cols},
		BufferMaxBytes:       c.Buffer.MaxBytes,
		BufferMaxChunks:      c.Buffer.MaxChunks,
		MaxSessions:          c.Limits.MaxSessions,
		MaxPanesPerSession:   c.Limits.MaxPanesPerSession,
		RestartOnCrash:       c.Health.RestartOnCrash,
		RestartOnExit:        c.Health.RestartOnExit,
		TerminateGraceMillis: c.Shell.TerminateGraceMS,
	}
}

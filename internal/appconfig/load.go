package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.tcp_addr", cfg.Server.TCPAddr)
	v.SetDefault("server.write_queue", cfg.Server.WriteQueue)
	v.SetDefault("server.allow_remote", cfg.Server.AllowRemote)
	v.SetDefault("shell.default", cfg.Shell.Default)
	v.SetDefault("shell.args", cfg.Shell.Args)
	v.SetDefault("shell.env", cfg.Shell.Env)
	v.SetDefault("shell.rows", cfg.Shell.Rows)
	v.SetDefault("shell.cols", cfg.Shell.Cols)
	v.SetDefault("shell.terminate_grace_ms", cfg.Shell.TerminateGraceMS)
	v.SetDefault("buffer.max_bytes", cfg.Buffer.MaxBytes)
	v.SetDefault("buffer.max_chunks", cfg.Buffer.MaxChunks)
	v.SetDefault("limits.max_sessions", cfg.Limits.MaxSessions)
	v.SetDefault("limits.max_panes_per_session", cfg.Limits.MaxPanesPerSession)
	v.SetDefault("dispatch.batch_window_ms", cfg.Dispatch.BatchWindowMS)
	v.SetDefault("dispatch.max_batch_bytes", cfg.Dispatch.MaxBatchBytes)
	v.SetDefault("dispatch.subscriber_queue", cfg.Dispatch.SubscriberQueue)
	v.SetDefault("health.interval_seconds", cfg.Health.IntervalSeconds)
	v.SetDefault("health.probe_timeout_ms", cfg.Health.ProbeTimeoutMS)
	v.SetDefault("health.failure_threshold", cfg.Health.FailureThreshold)
	v.SetDefault("health.unresponsive_cycles", cfg.Health.UnresponsiveCycles)
	v.SetDefault("health.restart_max", cfg.Health.RestartMax)
	v.SetDefault("health.restart_backoff_ms", cfg.Health.RestartBackoffMS)
	v.SetDefault("health.restart_on_crash", cfg.Health.RestartOnCrash)
	v.SetDefault("health.restart_on_exit", cfg.Health.RestartOnExit)
	v.SetDefault("persist.backend", cfg.Persist.Backend)
	v.SetDefault("persist.autosave_seconds", cfg.Persist.AutosaveSeconds)
	v.SetDefault("persist.keep", cfg.Persist.Keep)
	v.SetDefault("persist.compression", cfg.Persist.Compression)
	v.SetDefault("persist.restore_on_start", cfg.Persist.RestoreOnStart)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key_path", cfg.SSH.HostKeyPath)
	v.SetDefault("ssh.authorized_keys_path", cfg.SSH.AuthorizedKeysPath)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// isNotFound covers both viper's search error and a missing explicit file.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return os.IsNotExist(err)
}

func validate(cfg Config) error {
	switch cfg.Persist.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unsupported persist.backend %q", cfg.Persist.Backend)
	}
	switch cfg.Persist.Compression {
	case "", "none", "zstd":
	default:
		return fmt.Errorf("unsupported persist.compression %q", cfg.Persist.Compression)
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" && strings.TrimSpace(cfg.Server.TCPAddr) == "" {
		return fmt.Errorf("server.addr or server.tcp_addr must be set")
	}
	if cfg.Shell.Rows < 0 || cfg.Shell.Cols < 0 {
		return fmt.Errorf("shell.rows and shell.cols must not be negative")
	}
	if cfg.Buffer.MaxBytes != 0 && cfg.Buffer.MaxBytes < 1024 {
		return fmt.Errorf("buffer.max_bytes must be at least 1024")
	}
	if cfg.Health.RestartMax < 0 {
		return fmt.Errorf("health.restart_max must not be negative")
	}
	if cfg.Persist.AutosaveSeconds < 0 {
		return fmt.Errorf("persist.autosave_seconds must not be negative")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Shell.Default = expandEnv(cfg.Shell.Default)
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
	cfg.SSH.AuthorizedKeysPath = expandEnv(cfg.SSH.AuthorizedKeysPath)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	if value == "~" || strings.HasPrefix(value, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			value = filepath.Join(home, strings.TrimPrefix(value, "~"))
		}
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

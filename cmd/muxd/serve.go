package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/muxd"
	"pkt.systems/muxd/internal/appconfig"
	"pkt.systems/muxd/internal/daemon"
	"pkt.systems/muxd/internal/dispatch"
	"pkt.systems/muxd/internal/health"
	"pkt.systems/muxd/internal/version"
	"pkt.systems/muxd/rpcserver"
	"pkt.systems/muxd/sshserver"
	"pkt.systems/pslog"
)

const stopTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var cfgPath string
	var noSSH bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the muxd daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if noSSH {
				cfg.SSH.Addr = ""
			}

			lock, err := daemon.Acquire(cfg.StateDir)
			if err != nil {
				return err
			}
			defer func() {
				if err := lock.Release(); err != nil {
					logger.Warn("daemon lock release failed", "err", err)
				}
			}()
			logger.Info("daemon lock acquired", "state_dir", cfg.StateDir, "pid_file", daemon.PIDPath(cfg.StateDir), "version", version.Current())

			server, err := muxd.New(toServerConfig(cfg), muxd.ServerDeps{Logger: logger}, serverOptions(cfg)...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			if err := server.Wait(); err != nil {
				return err
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			return server.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&noSSH, "no-ssh", false, "disable the ssh attach server")
	return cmd
}

func serverOptions(cfg appconfig.Config) []muxd.ServerOption {
	var opts []muxd.ServerOption
	if strings.TrimSpace(cfg.Server.Addr) != "" || strings.TrimSpace(cfg.Server.TCPAddr) != "" {
		opts = append(opts, muxd.WithRPC())
	}
	if strings.TrimSpace(cfg.SSH.Addr) != "" {
		opts = append(opts, muxd.WithSSH())
	}
	if cfg.Health.IntervalSeconds > 0 {
		opts = append(opts, muxd.WithHealth())
	}
	return opts
}

func toServerConfig(cfg appconfig.Config) muxd.ServerConfig {
	return muxd.ServerConfig{
		Service: cfg.ServiceConfig(),
		RPC: rpcserver.Config{
			Addr:        cfg.Server.Addr,
			TCPAddr:     cfg.Server.TCPAddr,
			WriteQueue:  cfg.Server.WriteQueue,
			AllowRemote: cfg.Server.AllowRemote,
		},
		SSH: sshserver.Config{
			Addr:               cfg.SSH.Addr,
			HostKeyPath:        cfg.SSH.HostKeyPath,
			AuthorizedKeysPath: cfg.SSH.AuthorizedKeysPath,
			AllowRemote:        cfg.Server.AllowRemote,
		},
		Dispatch: dispatch.Options{
			BatchWindow:   millis(cfg.Dispatch.BatchWindowMS),
			MaxBatchBytes: cfg.Dispatch.MaxBatchBytes,
			QueueDepth:    cfg.Dispatch.SubscriberQueue,
		},
		Health: health.Config{
			Interval:           time.Duration(cfg.Health.IntervalSeconds) * time.Second,
			ProbeTimeout:       millis(cfg.Health.ProbeTimeoutMS),
			FailureThreshold:   cfg.Health.FailureThreshold,
			UnresponsiveCycles: cfg.Health.UnresponsiveCycles,
			RestartMax:         cfg.Health.RestartMax,
			RestartBackoff:     millis(cfg.Health.RestartBackoffMS),
		},
		Persist: muxd.PersistConfig{
			Backend:        cfg.Persist.Backend,
			Keep:           cfg.Persist.Keep,
			Compression:    cfg.Persist.Compression,
			Autosave:       time.Duration(cfg.Persist.AutosaveSeconds) * time.Second,
			RestoreOnStart: cfg.Persist.RestoreOnStart,
			SaveOnStop:     cfg.Persist.AutosaveSeconds > 0,
		},
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

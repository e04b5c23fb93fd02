package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/muxd/core"
	"pkt.systems/muxd/internal/appconfig"
	"pkt.systems/muxd/internal/daemon"
	"pkt.systems/muxd/internal/persist"
	"pkt.systems/muxd/rpcserver"
	"pkt.systems/muxd/schema"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var paneTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run muxd diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath, "shell", cfg.Shell.Default, "backend", cfg.Persist.Backend)

			for _, addr := range []string{cfg.Server.Addr, cfg.Server.TCPAddr, cfg.SSH.Addr} {
				if err := rpcserver.CheckBindAddr(addr, cfg.Server.AllowRemote); err != nil {
					return err
				}
			}
			logger.Info("doctor listen addresses ok")

			if pid, err := daemon.Running(cfg.StateDir); err == nil {
				logger.Info("doctor daemon running", "pid", pid)
			} else {
				logger.Info("doctor daemon not running", "reason", err)
			}

			if err := runDoctorPane(cmd.Context(), logger, cfg, paneTimeout); err != nil {
				return err
			}
			if err := runDoctorPersist(cmd.Context(), logger, cfg); err != nil {
				return err
			}
			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().DurationVar(&paneTimeout, "pane-timeout", 10*time.Second, "timeout for the pane round trip")
	return cmd
}

// runDoctorPane spawns the configured shell in a scratch registry and checks
// that input reaches it and output comes back.
func runDoctorPane(ctx context.Context, logger pslog.Logger, cfg appconfig.Config, timeout time.Duration) error {
	scratch, err := os.MkdirTemp("", "muxd-doctor-")
	if err != nil {
		return fmt.Errorf("doctor scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	serviceCfg := cfg.ServiceConfig()
	serviceCfg.StateDir = scratch
	svc, err := core.NewService(serviceCfg, core.ServiceDeps{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(shutdownCtx)
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sess, err := svc.CreateSession(runCtx, schema.CreateSessionRequest{Name: "doctor"})
	if err != nil {
		return err
	}
	pane, err := svc.CreatePane(runCtx, schema.CreatePaneRequest{SessionID: sess.Session.ID})
	if err != nil {
		return fmt.Errorf("doctor pane spawn: %w", err)
	}
	logger.Info("doctor pane spawned", "pane", pane.Pane.ID, "pid", pane.Pane.PID, "shell", pane.Pane.Shell)

	if err := svc.WritePane(runCtx, schema.WritePaneRequest{PaneID: pane.Pane.ID, Data: []byte("echo muxd-doctor-$((6*7))\n")}); err != nil {
		return fmt.Errorf("doctor pane write: %w", err)
	}
	want := []byte("muxd-doctor-42")
	for {
		read, err := svc.ReadPane(runCtx, schema.ReadPaneRequest{PaneID: pane.Pane.ID})
		if err != nil {
			return fmt.Errorf("doctor pane read: %w", err)
		}
		if bytes.Contains(read.Data, want) {
			logger.Info("doctor pane round trip ok", "bytes", len(read.Data))
			break
		}
		select {
		case <-runCtx.Done():
			logger.Debug("doctor pane output", "text", string(read.Data))
			return fmt.Errorf("doctor pane round trip: no echo within %s", timeout)
		case <-time.After(50 * time.Millisecond):
		}
	}
	if _, err := svc.ClosePane(runCtx, schema.ClosePaneRequest{PaneID: pane.Pane.ID}); err != nil {
		return fmt.Errorf("doctor pane close: %w", err)
	}
	return nil
}

// runDoctorPersist round-trips an empty registry through the configured backend.
func runDoctorPersist(ctx context.Context, logger pslog.Logger, cfg appconfig.Config) error {
	scratch, err := os.MkdirTemp("", "muxd-doctor-persist-")
	if err != nil {
		return fmt.Errorf("doctor scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	store, err := persist.Open(ctx, persist.Options{
		Backend:     cfg.Persist.Backend,
		Dir:         scratch,
		Keep:        1,
		Compression: cfg.Persist.Compression,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("doctor persist open: %w", err)
	}
	defer func() { _ = store.Close() }()

	info, err := store.Save(ctx, schema.RegistryState{
		Version:  schema.RegistryStateVersion,
		SavedAt:  time.Now().UTC(),
		Sessions: []schema.SessionStateRecord{},
	})
	if err != nil {
		return fmt.Errorf("doctor persist save: %w", err)
	}
	if _, _, err := store.Load(ctx, info.ID); err != nil {
		return fmt.Errorf("doctor persist load: %w", err)
	}
	logger.Info("doctor persist ok", "backend", cfg.Persist.Backend, "compression", info.Compression, "bytes", info.Size)
	return nil
}

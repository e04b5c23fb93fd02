package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/muxd/client"
	"pkt.systems/muxd/internal/appconfig"
	"pkt.systems/muxd/internal/daemon"
	"pkt.systems/pslog"
)

const dialTimeout = 3 * time.Second

type controlFlags struct {
	cfgPath string
	addr    string
}

func (f *controlFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&f.addr, "addr", "", "control address (host:port, tcp://host:port or ws://host:port/ws)")
}

// target resolves the control address and the state dir of the local daemon.
func (f *controlFlags) target() (string, string, error) {
	cfg, err := appconfig.Load(f.cfgPath)
	if err != nil {
		return "", "", err
	}
	addr := strings.TrimSpace(f.addr)
	if addr == "" {
		addr = controlAddr(cfg)
	}
	if addr == "" {
		return "", "", errors.New("no control address configured; pass --addr")
	}
	return addr, cfg.StateDir, nil
}

// controlAddr prefers the line transport, which needs no HTTP upgrade.
func controlAddr(cfg appconfig.Config) string {
	if tcp := strings.TrimSpace(cfg.Server.TCPAddr); tcp != "" {
		return tcp
	}
	if ws := strings.TrimSpace(cfg.Server.Addr); ws != "" {
		return "ws://" + ws + "/ws"
	}
	return ""
}

func dialControl(ctx context.Context, addr string) (*client.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return client.Dial(dialCtx, addr, client.Options{Logger: pslog.Ctx(ctx)})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd() *cobra.Command {
	var flags controlFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, stateDir, err := flags.target()
			if err != nil {
				return err
			}
			c, err := dialControl(cmd.Context(), addr)
			if err != nil {
				if _, runErr := daemon.Running(stateDir); runErr != nil {
					return runErr
				}
				return err
			}
			defer func() { _ = c.Close() }()
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
	flags.register(cmd)
	return cmd
}

func newStopCmd() *cobra.Command {
	var flags controlFlags
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			addr, stateDir, err := flags.target()
			if err != nil {
				return err
			}
			c, err := dialControl(cmd.Context(), addr)
			if err != nil {
				logger.Warn("daemon stop rpc unavailable; signalling pid", "addr", addr, "err", err)
				return daemon.Terminate(stateDir, timeout)
			}
			defer func() { _ = c.Close() }()
			if err := c.Shutdown(cmd.Context()); err != nil {
				logger.Warn("daemon stop rpc failed; signalling pid", "err", err)
				return daemon.Terminate(stateDir, timeout)
			}
			if err := waitStopped(cmd.Context(), stateDir, timeout); err != nil {
				return err
			}
			logger.Info("daemon stopped", "addr", addr)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", stopTimeout, "how long to wait for the daemon to exit")
	return cmd
}

// waitStopped polls the pid file until the recorded process is gone.
func waitStopped(ctx context.Context, stateDir string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		pid, err := daemon.Running(stateDir)
		if err != nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pid %d still running after %s", pid, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func newCallCmd() *cobra.Command {
	var flags controlFlags
	var follow bool
	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Invoke a control method and print the result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			addr, _, err := flags.target()
			if err != nil {
				return err
			}
			c, err := dialControl(cmd.Context(), addr)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			var result json.RawMessage
			if err := c.Call(cmd.Context(), args[0], params, &result); err != nil {
				return err
			}
			if err := writeRaw(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return followNotifications(ctx, c, cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print notifications until interrupted")
	return cmd
}

// parseParams returns nil when no params were given so the request omits them.
func parseParams(args []string) (any, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return nil, nil
	}
	raw := json.RawMessage(args[0])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("params must be valid JSON: %s", args[0])
	}
	return raw, nil
}

func writeRaw(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return writeJSON(w, v)
}

func followNotifications(ctx context.Context, c *client.Client, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-c.Notifications():
			if !ok {
				return c.Err()
			}
			line, err := json.Marshal(struct {
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}{n.Method, n.Params})
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, string(line)); err != nil {
				return err
			}
		}
	}
}

// Package health probes panes and drives bounded automatic recovery.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/muxd/schema"
)

// Target is the registry surface the monitor drives.
type Target interface {
	HealthCandidates() []schema.PaneID
	ProbePane(ctx context.Context, paneID schema.PaneID) error
	MarkPaneResponsive(paneID schema.PaneID, ok bool)
	RestartPaneAttempt(ctx context.Context, paneID schema.PaneID, attempt int) error
	FailPane(paneID schema.PaneID, reason string)
	ReapOrphans(ctx context.Context) int
}

// Config tunes probing and recovery.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	// FailureThreshold consecutive failed probes mark a pane Unresponsive.
	FailureThreshold int
	// UnresponsiveCycles further failed scans trigger a restart.
	UnresponsiveCycles int
	// RestartMax caps automatic restarts per incident.
	RestartMax int
	// RestartBackoff is the wait before the second attempt; it doubles after each.
	RestartBackoff time.Duration
	MaxBackoff     time.Duration
	// ResetWindow of healthy probes after a restart clears the attempt count.
	ResetWindow time.Duration
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Second,
		ProbeTimeout:       time.Second,
		FailureThreshold:   3,
		UnresponsiveCycles: 2,
		RestartMax:         3,
		RestartBackoff:     500 * time.Millisecond,
		MaxBackoff:         30 * time.Second,
		ResetWindow:        time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.UnresponsiveCycles < 0 {
		c.UnresponsiveCycles = def.UnresponsiveCycles
	}
	if c.RestartMax < 0 {
		c.RestartMax = def.RestartMax
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = def.RestartBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.ResetWindow <= 0 {
		c.ResetWindow = def.ResetWindow
	}
	return c
}

// Result summarizes one scan.
type Result struct {
	Probed       int
	Unresponsive int
	Restarted    int
	Failed       int
	Reaped       int
}

type paneState struct {
	failures    int
	cycles      int
	attempts    int
	nextAttempt time.Time
	lastRestart time.Time
}

// Monitor scans panes on an interval.
type Monitor struct {
	target Target
	cfg    Config
	log    pslog.Logger
	now    func() time.Time

	mu    sync.Mutex
	panes map[schema.PaneID]*paneState
}

// New constructs a monitor.
func New(target Target, cfg Config, logger pslog.Logger) *Monitor {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Monitor{
		target: target,
		cfg:    cfg.withDefaults(),
		log:    logger,
		now:    time.Now,
		panes:  make(map[schema.PaneID]*paneState),
	}
}

// Run scans until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.log.Info("health monitor started", "interval", m.cfg.Interval, "restart_max", m.cfg.RestartMax)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("health monitor stopped")
			return nil
		case <-ticker.C:
			res := m.Scan(ctx)
			if res.Unresponsive+res.Restarted+res.Failed+res.Reaped > 0 {
				m.log.Info("health scan", "probed", res.Probed, "unresponsive", res.Unresponsive, "restarted", res.Restarted, "failed", res.Failed, "reaped", res.Reaped)
			}
		}
	}
}

// Scan probes every candidate pane once. Panes are handled concurrently so
// one stuck pane cannot delay the others.
func (m *Monitor) Scan(ctx context.Context) Result {
	candidates := m.target.HealthCandidates()
	live := make(map[schema.PaneID]struct{}, len(candidates))
	var (
		wg           sync.WaitGroup
		unresponsive atomic.Int64
		restarted    atomic.Int64
		failed       atomic.Int64
	)
	for _, id := range candidates {
		live[id] = struct{}{}
		st := m.state(id)
		wg.Add(1)
		go func(id schema.PaneID, st *paneState) {
			defer wg.Done()
			switch m.check(ctx, id, st) {
			case outcomeUnresponsive:
				unresponsive.Add(1)
			case outcomeRestarted:
				restarted.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
		}(id, st)
	}
	wg.Wait()

	m.mu.Lock()
	for id, st := range m.panes {
		if _, ok := live[id]; ok {
			continue
		}
		// Keep counters of panes that disappeared only while a restart
		// backoff is pending; a crashed pane stays a candidate anyway.
		if st.attempts == 0 || m.now().Sub(st.lastRestart) > m.cfg.ResetWindow {
			delete(m.panes, id)
		}
	}
	m.mu.Unlock()

	return Result{
		Probed:       len(candidates),
		Unresponsive: int(unresponsive.Load()),
		Restarted:    int(restarted.Load()),
		Failed:       int(failed.Load()),
		Reaped:       m.target.ReapOrphans(ctx),
	}
}

func (m *Monitor) state(id schema.PaneID) *paneState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.panes[id]
	if st == nil {
		st = &paneState{}
		m.panes[id] = st
	}
	return st
}

func (m *Monitor) forget(id schema.PaneID) {
	m.mu.Lock()
	delete(m.panes, id)
	m.mu.Unlock()
}

type outcome int

const (
	outcomeHealthy outcome = iota
	outcomeProbeFailed
	outcomeUnresponsive
	outcomeWaiting
	outcomeRestarted
	outcomeFailed
)

func (m *Monitor) check(ctx context.Context, id schema.PaneID, st *paneState) outcome {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.target.ProbePane(probeCtx, id)
	cancel()
	log := m.log.With("pane", id)

	switch {
	case err == nil:
		if st.failures >= m.cfg.FailureThreshold {
			log.Info("health pane recovered", "failures", st.failures)
		}
		if st.failures > 0 {
			m.target.MarkPaneResponsive(id, true)
		}
		st.failures = 0
		st.cycles = 0
		if st.attempts > 0 && m.now().Sub(st.lastRestart) >= m.cfg.ResetWindow {
			st.attempts = 0
		}
		return outcomeHealthy
	case errors.Is(err, schema.ErrPaneNotFound):
		m.forget(id)
		return outcomeHealthy
	case errors.Is(err, schema.ErrProcessExited):
		return m.recover(ctx, id, st, "process exited")
	}

	st.failures++
	if st.failures < m.cfg.FailureThreshold {
		log.Debug("health probe failed", "failures", st.failures, "err", err)
		return outcomeProbeFailed
	}
	if st.failures == m.cfg.FailureThreshold {
		log.Warn("health pane unresponsive", "failures", st.failures, "err", err)
		m.target.MarkPaneResponsive(id, false)
	} else {
		st.cycles++
	}
	if st.cycles < m.cfg.UnresponsiveCycles {
		return outcomeUnresponsive
	}
	return m.recover(ctx, id, st, fmt.Sprintf("unresponsive: %v", err))
}

// recover restarts a pane within the attempt budget.
func (m *Monitor) recover(ctx context.Context, id schema.PaneID, st *paneState, reason string) outcome {
	log := m.log.With("pane", id)
	now := m.now()
	if now.Before(st.nextAttempt) {
		return outcomeWaiting
	}
	if st.attempts >= m.cfg.RestartMax {
		m.target.FailPane(id, fmt.Sprintf("restart limit of %d reached: %s", m.cfg.RestartMax, reason))
		m.forget(id)
		return outcomeFailed
	}
	st.attempts++
	st.failures = 0
	st.cycles = 0
	st.lastRestart = now
	st.nextAttempt = now.Add(m.backoff(st.attempts))
	log.Warn("health pane restarting", "attempt", st.attempts, "reason", reason)
	if err := m.target.RestartPaneAttempt(ctx, id, st.attempts); err != nil {
		if errors.Is(err, schema.ErrPaneNotFound) {
			m.forget(id)
			return outcomeHealthy
		}
		log.Warn("health pane restart failed", "attempt", st.attempts, "err", err)
		return outcomeWaiting
	}
	return outcomeRestarted
}

// backoff returns the wait after the given attempt.
func (m *Monitor) backoff(attempt int) time.Duration {
	d := m.cfg.RestartBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.MaxBackoff {
			return m.cfg.MaxBackoff
		}
	}
	return d
}

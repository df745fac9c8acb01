// Package monitor implements the self-healing monitor: a periodic battery
// of health probes, cooldown-and-cap-bounded healing through the recovery
// primitive, and a ticker-driven periodic report. The periodic-loop
// lifecycle (Start/Stop, context-canceled background goroutine, tick then
// fire) follows the same shape as this codebase's cron scheduler; the
// probe battery (named checks each returning a pass/warn/fail result)
// follows the same shape as its diagnostic command.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/orchestrake/internal/recovery"
)

// HealingEvent is one entry in the monitor's rolling healing history.
type HealingEvent struct {
	ProbeID   string
	Time      time.Time
	Succeeded bool
	Detail    string
}

// Config configures one Monitor instance.
type Config struct {
	Probes         []Probe
	Recovery       *recovery.Recovery
	Logger         *slog.Logger
	ProbeInterval  time.Duration // how often the probe battery runs
	ReportInterval time.Duration // how often a HealthReport is emitted, if ReportCron is empty
	ReportCron     string        // optional 5-field cron expression overriding ReportInterval
	HealCooldown   time.Duration // minimum time between heal attempts for one probe
	HealAttemptCap int           // max heal attempts within one cooldown window
	HistoryWindow  time.Duration // how long healing events are retained
	EmergencyHeal  func(ctx context.Context, probeID string, cause error) error
}

// DefaultConfig returns reasonable defaults: probe every 30s, report every
// 5 minutes, a 60s cooldown with at most 3 attempts per window, and a 24h
// history retention window.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:  30 * time.Second,
		ReportInterval: 5 * time.Minute,
		HealCooldown:   60 * time.Second,
		HealAttemptCap: 3,
		HistoryWindow:  24 * time.Hour,
	}
}

type healState struct {
	attempts     int
	windowStart  time.Time
	lastAttempt  time.Time
}

// Monitor is one self-healing monitor instance.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	heals   map[string]*healState
	history []HealingEvent

	probeCancel  context.CancelFunc
	reportCancel context.CancelFunc
	wg           sync.WaitGroup

	reports chan HealthReport
}

// New constructs a Monitor. Probes with Enabled() == false are skipped at
// construction time and never run.
func New(cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 5 * time.Minute
	}
	if cfg.HealCooldown <= 0 {
		cfg.HealCooldown = 60 * time.Second
	}
	if cfg.HealAttemptCap <= 0 {
		cfg.HealAttemptCap = 3
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 24 * time.Hour
	}

	var active []Probe
	for _, p := range cfg.Probes {
		if p.Enabled() {
			active = append(active, p)
		}
	}
	cfg.Probes = active

	return &Monitor{
		cfg:     cfg,
		logger:  cfg.Logger,
		heals:   make(map[string]*healState),
		reports: make(chan HealthReport, 8),
	}
}

// Start begins the probe loop and the report loop as background
// goroutines, both respecting ctx for shutdown.
func (m *Monitor) Start(ctx context.Context) {
	probeCtx, probeCancel := context.WithCancel(ctx)
	m.probeCancel = probeCancel
	m.wg.Add(1)
	go m.probeLoop(probeCtx)

	reportCtx, reportCancel := context.WithCancel(ctx)
	m.reportCancel = reportCancel
	m.wg.Add(1)
	if m.cfg.ReportCron != "" {
		go m.cronReportLoop(reportCtx, m.cfg.ReportCron)
	} else {
		go m.reportLoop(reportCtx)
	}

	m.logger.Info("monitor started", "probe_interval", m.cfg.ProbeInterval, "report_interval", m.cfg.ReportInterval)
}

// Stop cancels both loops and waits for them to exit.
func (m *Monitor) Stop() {
	if m.probeCancel != nil {
		m.probeCancel()
	}
	if m.reportCancel != nil {
		m.reportCancel()
	}
	m.wg.Wait()
	m.logger.Info("monitor stopped")
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	m.runProbeBattery(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runProbeBattery(ctx)
		}
	}
}

func (m *Monitor) reportLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.emitReport()
		}
	}
}

// RunProbesNow triggers an immediate, synchronous probe battery run,
// bypassing the ticker. Used by the control surface's "trigger immediate
// probe" operation.
func (m *Monitor) RunProbesNow(ctx context.Context) {
	m.runProbeBattery(ctx)
}

func (m *Monitor) runProbeBattery(ctx context.Context) {
	for _, p := range m.cfg.Probes {
		result := p.Check(ctx)
		if result.Healthy {
			continue
		}
		m.logger.Warn("monitor: probe unhealthy", "probe", p.ID(), "error", result.Err)
		m.heal(ctx, p, result)
	}
}

func (m *Monitor) heal(ctx context.Context, p Probe, result ProbeResult) {
	if !m.admitHealAttempt(p.ID()) {
		m.logger.Warn("monitor: heal attempt suppressed by cooldown/cap", "probe", p.ID())
		return
	}

	do := func(opCtx context.Context) (string, error) {
		return "", p.Heal(opCtx)
	}

	var fallback recovery.FallbackFunc
	if m.cfg.EmergencyHeal != nil {
		fallback = func(fbCtx context.Context, cause error) (string, error) {
			return "", m.cfg.EmergencyHeal(fbCtx, p.ID(), cause)
		}
	}

	policy := recovery.DefaultPolicy()
	policy.MaxRetries = 1
	policy.Fallback = fallback

	var rec *recovery.Recovery
	if m.cfg.Recovery != nil {
		rec = m.cfg.Recovery
	} else {
		rec = recovery.New()
	}

	_, err := rec.ExecuteWithRecovery(ctx, "monitor.heal."+p.ID(), do, policy)
	m.recordHealingEvent(p.ID(), err == nil, errString(err))
	if err != nil {
		m.logger.Error("monitor: healing failed", "probe", p.ID(), "error", err)
	} else {
		m.logger.Info("monitor: healing succeeded", "probe", p.ID())
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// admitHealAttempt applies the per-probe cooldown and attempt cap. A fresh
// window starts the first time a probe needs healing, or after the
// cooldown has fully elapsed with no further unhealthy readings.
func (m *Monitor) admitHealAttempt(probeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	st, ok := m.heals[probeID]
	if !ok || now.Sub(st.windowStart) > m.cfg.HealCooldown {
		st = &healState{windowStart: now}
		m.heals[probeID] = st
	}

	if st.attempts >= m.cfg.HealAttemptCap {
		return false
	}

	st.attempts++
	st.lastAttempt = now
	return true
}

func (m *Monitor) recordHealingEvent(probeID string, succeeded bool, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, HealingEvent{
		ProbeID:   probeID,
		Time:      time.Now(),
		Succeeded: succeeded,
		Detail:    detail,
	})
	m.pruneHistoryLocked()
}

func (m *Monitor) pruneHistoryLocked() {
	cutoff := time.Now().Add(-m.cfg.HistoryWindow)
	kept := m.history[:0]
	for _, e := range m.history {
		if e.Time.After(cutoff) {
			kept = append(kept, e)
		}
	}
	m.history = kept
}

// History returns a copy of the monitor's rolling healing history.
func (m *Monitor) History() []HealingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HealingEvent(nil), m.history...)
}

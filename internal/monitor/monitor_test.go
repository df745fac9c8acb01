package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProbe struct {
	id        string
	unhealthy atomic.Bool
	healCalls atomic.Int64
	healErr   error
}

func (p *fakeProbe) ID() string    { return p.id }
func (p *fakeProbe) Name() string  { return "fake:" + p.id }
func (p *fakeProbe) Enabled() bool { return true }

func (p *fakeProbe) Check(ctx context.Context) ProbeResult {
	if p.unhealthy.Load() {
		return ProbeResult{Healthy: false}
	}
	return ProbeResult{Healthy: true}
}

func (p *fakeProbe) Heal(ctx context.Context) error {
	p.healCalls.Add(1)
	p.unhealthy.Store(false)
	return p.healErr
}

func TestMonitor_UnhealthyProbeTriggersHeal(t *testing.T) {
	probe := &fakeProbe{id: "p1"}
	probe.unhealthy.Store(true)

	cfg := DefaultConfig()
	cfg.Probes = []Probe{probe}
	m := New(cfg)

	m.RunProbesNow(context.Background())

	if probe.healCalls.Load() != 1 {
		t.Fatalf("heal calls = %d, want 1", probe.healCalls.Load())
	}
	history := m.History()
	if len(history) != 1 || !history[0].Succeeded {
		t.Fatalf("history = %+v, want one successful heal event", history)
	}
}

func TestMonitor_AttemptCapStopsRepeatedHealing(t *testing.T) {
	probe := &fakeProbe{id: "p2"}
	cfg := DefaultConfig()
	cfg.HealAttemptCap = 2
	cfg.HealCooldown = time.Hour
	cfg.Probes = []Probe{probe}
	m := New(cfg)

	for i := 0; i < 5; i++ {
		probe.unhealthy.Store(true)
		m.RunProbesNow(context.Background())
	}

	if probe.healCalls.Load() != 2 {
		t.Fatalf("heal calls = %d, want 2 (capped)", probe.healCalls.Load())
	}
}

func TestMonitor_DisabledProbeNeverRuns(t *testing.T) {
	dep := NewDependencyProbe("")
	cfg := DefaultConfig()
	cfg.Probes = []Probe{dep}
	m := New(cfg)

	if len(m.cfg.Probes) != 0 {
		t.Fatalf("expected disabled probe to be filtered out, got %d active probes", len(m.cfg.Probes))
	}
}

func TestMonitor_LatestReportIncludesProbeSnapshots(t *testing.T) {
	probe := &fakeProbe{id: "p3"}
	cfg := DefaultConfig()
	cfg.Probes = []Probe{probe}
	m := New(cfg)

	report := m.LatestReport(context.Background())
	if len(report.Probes) != 1 || report.Probes[0].ProbeID != "p3" {
		t.Fatalf("report.Probes = %+v", report.Probes)
	}
	if !report.Probes[0].Healthy {
		t.Fatalf("expected probe p3 to report healthy")
	}
}

func TestMonitor_StartStopLifecycle(t *testing.T) {
	probe := &fakeProbe{id: "p4"}
	cfg := DefaultConfig()
	cfg.ProbeInterval = 10 * time.Millisecond
	cfg.ReportInterval = 10 * time.Millisecond
	cfg.Probes = []Probe{probe}
	m := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	select {
	case <-m.Reports():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a report")
	}

	cancel()
	m.Stop()
}

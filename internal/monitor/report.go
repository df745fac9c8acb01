package monitor

import (
	"context"
	"time"

	"github.com/basket/orchestrake/internal/recovery"
)

// ProbeSnapshot is one probe's latest state as carried in a HealthReport.
type ProbeSnapshot struct {
	ProbeID string
	Name    string
	Healthy bool
	Metrics map[string]float64
	Err     string
}

// HealthReport is the monitor's periodic summary: a snapshot of every
// probe, a breaker summary per tracked operation, the top learned error
// patterns, and the healing events recorded since the last report.
type HealthReport struct {
	GeneratedAt   time.Time
	Probes        []ProbeSnapshot
	Breakers      []recovery.BreakerSummary
	TopPatterns   []recovery.ErrorPattern
	RecentHealing []HealingEvent
}

// Reports returns the channel periodic reports are published on. Callers
// that never read it simply let reports accumulate up to the channel's
// small buffer and then drop the oldest, the same best-effort delivery the
// bus uses for broadcast.
func (m *Monitor) Reports() <-chan HealthReport { return m.reports }

// LatestReport builds a HealthReport synchronously, without waiting for the
// next tick. Used by the control surface's "get latest report" operation.
func (m *Monitor) LatestReport(ctx context.Context) HealthReport {
	return m.buildReport(ctx)
}

func (m *Monitor) emitReport() {
	report := m.buildReport(context.Background())
	select {
	case m.reports <- report:
	default:
		// Drop the oldest queued report to make room, rather than block the
		// report loop on a slow or absent consumer.
		select {
		case <-m.reports:
		default:
		}
		select {
		case m.reports <- report:
		default:
		}
	}
}

func (m *Monitor) buildReport(ctx context.Context) HealthReport {
	report := HealthReport{GeneratedAt: time.Now()}

	for _, p := range m.cfg.Probes {
		result := p.Check(ctx)
		snap := ProbeSnapshot{
			ProbeID: p.ID(),
			Name:    p.Name(),
			Healthy: result.Healthy,
			Metrics: result.Metrics,
		}
		if result.Err != nil {
			snap.Err = result.Err.Error()
		}
		report.Probes = append(report.Probes, snap)
	}

	if m.cfg.Recovery != nil {
		report.Breakers = m.cfg.Recovery.AllBreakerSummaries()
		report.TopPatterns = m.cfg.Recovery.TopErrorPatterns(5)
	}

	report.RecentHealing = m.History()
	return report
}

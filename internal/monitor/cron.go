package monitor

import (
	"context"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow), used for an optional cron-expression-driven report cadence
// instead of a plain fixed interval.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime parses a cron expression and returns the next fire time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// cronReportLoop fires emitReport according to a cron expression rather than
// a fixed interval, reparsing the schedule's next fire time after each tick
// so schedule edits would take effect on the next computed time (report
// cadence is read once from Config at Start, same as the plain ticker path).
func (m *Monitor) cronReportLoop(ctx context.Context, expr string) {
	defer m.wg.Done()

	next, err := NextRunTime(expr, time.Now())
	if err != nil {
		m.logger.Error("monitor: invalid report cron expression", "expr", expr, "error", err)
		return
	}

	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.emitReport()
			next, err = NextRunTime(expr, time.Now())
			if err != nil {
				m.logger.Error("monitor: invalid report cron expression", "expr", expr, "error", err)
				return
			}
		}
	}
}

package otelshim

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrake metrics instruments.
type Metrics struct {
	ScheduleLatency  metric.Float64Histogram
	DispatchDuration metric.Float64Histogram
	CircuitTrips     metric.Int64Counter
	HealAttempts     metric.Int64Counter
	HealSuccesses    metric.Int64Counter
	RateLimitHits    metric.Int64Counter
	ActiveDispatches metric.Int64UpDownCounter
	QueueDepth       metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ScheduleLatency, err = meter.Float64Histogram("orchestrake.schedule.latency",
		metric.WithDescription("time from task enqueue to claim by the scheduler"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("orchestrake.broker.dispatch.duration",
		metric.WithDescription("time spent dispatching one request to the LLM CLI, including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CircuitTrips, err = meter.Int64Counter("orchestrake.circuit.trips",
		metric.WithDescription("number of times a recovery circuit breaker transitioned to open"),
	)
	if err != nil {
		return nil, err
	}

	m.HealAttempts, err = meter.Int64Counter("orchestrake.monitor.heal.attempts",
		metric.WithDescription("self-healing attempts made by the monitor"),
	)
	if err != nil {
		return nil, err
	}

	m.HealSuccesses, err = meter.Int64Counter("orchestrake.monitor.heal.successes",
		metric.WithDescription("self-healing attempts that resolved the probe's unhealthy state"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitHits, err = meter.Int64Counter("orchestrake.broker.ratelimit.hits",
		metric.WithDescription("dispatches that hit an upstream rate limit"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveDispatches, err = meter.Int64UpDownCounter("orchestrake.broker.dispatch.active",
		metric.WithDescription("number of in-flight LLM CLI invocations"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("orchestrake.schedule.queue_depth",
		metric.WithDescription("number of tasks currently queued across all projects"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

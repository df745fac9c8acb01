// Package broker implements the LLM-invocation broker: it pops request
// envelopes off a FIFO source, serializes dispatch through a concurrency
// cap, spawns one child process per invocation, classifies the child's
// output against a small set of known signatures, and writes response
// envelopes to a sink. Uses the same working-directory-plus-minimal-env,
// captured-stdout/stderr child-process idiom as the sandboxed skill
// executor, generalized from "sandboxed skill execution" to "LLM CLI
// invocation", with dispatch guarded by a circuit breaker.
//
// Broker depends only on narrow RequestSource/ResponseSink interfaces
// rather than the concrete bus type, so cyclic package references between
// broker, scheduler, and monitor never form.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/orchestrake/internal/envelope"
	"github.com/basket/orchestrake/internal/recovery"
	"github.com/basket/orchestrake/internal/safety"
	"golang.org/x/sync/errgroup"
)

// RequestSource is the narrow read side of the message bus the broker needs.
type RequestSource interface {
	PopRequest(ctx context.Context, timeout time.Duration) (envelope.Request, bool, error)
	Requeue(ctx context.Context, req envelope.Request) error
}

// ResponseSink is the narrow write side of the message bus the broker needs.
type ResponseSink interface {
	SendResponse(agent string, resp envelope.Response) error
}

// State is one of the broker's four dispatch states.
type State string

const (
	StateRunning        State = "running"
	StateRateLimited    State = "rate_limited"
	StateSessionTimeout State = "session_timeout"
	StateShuttingDown   State = "shutting_down"
)

// ProhibitionBanner is prepended byte-for-byte to every outbound prompt. Its
// exact wording is part of the external contract: child processes must never
// call an LLM API directly, and any generative need must go back through the
// bus as a new request.
const ProhibitionBanner = "You must not call any LLM API directly under any circumstances. " +
	"If you need another model invocation, submit it as a new request through the message bus " +
	"and wait for the response envelope. Do not attempt to reach an LLM endpoint yourself.\n\n"

// Config configures one Broker instance.
type Config struct {
	MaxConcurrent  int
	PollTimeout    time.Duration
	DefaultTimeout time.Duration
	GracePeriod    time.Duration
	RateLimitGrace time.Duration
	MaxRetries     int
	Executable     string
	BaseArgs       []string
	ScratchRoot    string
	AgentName      string
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  4,
		PollTimeout:    2 * time.Second,
		DefaultTimeout: 2 * time.Minute,
		GracePeriod:    5 * time.Second,
		RateLimitGrace: 60 * time.Second,
		MaxRetries:     3,
		Executable:     "claude",
		BaseArgs:       []string{"--dangerously-skip-permissions", "--print"},
		ScratchRoot:    "/tmp/orchestrake-scratch",
	}
}

// Stats are the broker's exported counters.
type Stats struct {
	Total           int64
	Successes       int64
	Failures        int64
	SessionTimeouts int64
	RateLimits      int64
}

// SuccessRate returns successes/total, or 0 if nothing has run yet.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Total)
}

// ErrorRate returns failures/total, or 0 if nothing has run yet.
func (s Stats) ErrorRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Total)
}

// Broker is one LLM-invocation broker instance.
type Broker struct {
	cfg          Config
	source       RequestSource
	sink         ResponseSink
	recovery     *recovery.Recovery
	logger       *slog.Logger
	sanitizer    *safety.Sanitizer
	leakDetector *safety.LeakDetector

	mu             sync.Mutex
	state          State
	rateLimitUntil time.Time
	stats          Stats

	dispatchers *errgroup.Group
	cancel      context.CancelFunc
}

// New constructs a Broker in the running state.
func New(cfg Config, source RequestSource, sink ResponseSink, rec *recovery.Recovery, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	g := &errgroup.Group{}
	g.SetLimit(cfg.MaxConcurrent)
	return &Broker{
		cfg:          cfg,
		source:       source,
		sink:         sink,
		recovery:     rec,
		logger:       logger,
		sanitizer:    safety.NewSanitizer(),
		leakDetector: safety.NewLeakDetector(),
		dispatchers:  g,
		state:        StateRunning,
	}
}

// Run starts the dispatch loop. It blocks until ctx is canceled or Shutdown
// is called, then waits for in-flight requests to finish. Dispatches fan out
// through an errgroup whose SetLimit bounds concurrency in place of a
// hand-rolled semaphore.
func (b *Broker) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	defer func() {
		_ = b.dispatchers.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, ok, err := b.source.PopRequest(ctx, b.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: pop_request failed", "error", err)
			continue
		}
		if !ok {
			continue
		}

		if b.handleStateGating(ctx, req) {
			continue
		}

		r := req
		b.dispatchers.Go(func() error {
			b.dispatch(ctx, r)
			return nil
		})
	}
}

// Shutdown transitions to shutting_down, stops accepting new dispatches,
// and waits (bounded by ctx) for in-flight requests to finish.
func (b *Broker) Shutdown(ctx context.Context) {
	b.mu.Lock()
	b.state = StateShuttingDown
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		_ = b.dispatchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// ResetSession returns the broker from session_timeout to running.
func (b *Broker) ResetSession() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateSessionTimeout {
		b.state = StateRunning
	}
}

// CurrentState reports the broker's current state.
func (b *Broker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StatsSnapshot returns a copy of the broker's running counters.
func (b *Broker) StatsSnapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// handleStateGating applies the session_timeout and rate_limited fast paths
// before a request ever reaches the concurrency semaphore. Returns true if
// it fully handled the request (caller should not dispatch it).
func (b *Broker) handleStateGating(ctx context.Context, req envelope.Request) bool {
	b.mu.Lock()
	state := b.state
	until := b.rateLimitUntil
	b.mu.Unlock()

	switch state {
	case StateSessionTimeout:
		b.respondFail(req, recovery.KindSessionTimeout, "broker session requires reset_session", true, nil)
		return true
	case StateRateLimited:
		if time.Now().Before(until) {
			if err := b.source.Requeue(ctx, req); err != nil {
				b.logger.Warn("broker: re-enqueue during rate limit failed", "error", err)
			}
			return true
		}
		b.mu.Lock()
		if b.state == StateRateLimited {
			b.state = StateRunning
		}
		b.mu.Unlock()
	case StateShuttingDown:
		if err := b.source.Requeue(ctx, req); err != nil {
			b.logger.Warn("broker: re-enqueue during shutdown failed", "error", err)
		}
		return true
	}
	return false
}

func (b *Broker) respondFail(req envelope.Request, kind recovery.ErrorKind, message string, sessionTimeout bool, rateLimitInfo *envelope.RateLimitInfo) {
	b.mu.Lock()
	b.stats.Total++
	b.stats.Failures++
	if sessionTimeout {
		b.stats.SessionTimeouts++
	}
	if rateLimitInfo != nil {
		b.stats.RateLimits++
	}
	b.mu.Unlock()

	resp := envelope.Response{
		RequestID:      req.RequestID,
		Success:        false,
		Error:          fmt.Sprintf("%s: %s", kind, message),
		SessionTimeout: sessionTimeout,
		RateLimitInfo:  rateLimitInfo,
		Timestamp:      time.Now(),
	}
	if err := b.sink.SendResponse(req.FromAgent, resp); err != nil {
		b.logger.Error("broker: failed to send failure response", "request_id", req.RequestID, "error", err)
	}
}

func (b *Broker) respondSuccess(req envelope.Request, result string, attempts int, elapsed time.Duration) {
	b.mu.Lock()
	b.stats.Total++
	b.stats.Successes++
	b.mu.Unlock()

	resp := envelope.Response{
		RequestID:       req.RequestID,
		Success:         true,
		Result:          result,
		ExecutionTimeMS: elapsed.Milliseconds(),
		Attempts:        attempts,
		Timestamp:       time.Now(),
	}
	if err := b.sink.SendResponse(req.FromAgent, resp); err != nil {
		b.logger.Error("broker: failed to send success response", "request_id", req.RequestID, "error", err)
	}
}

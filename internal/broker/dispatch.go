package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/orchestrake/internal/envelope"
	"github.com/basket/orchestrake/internal/recovery"
	"github.com/basket/orchestrake/internal/safety"
	"github.com/basket/orchestrake/internal/shared"
)

// dispatch runs one request end to end: materialize scratch files, build
// argv, spawn the child process, classify its output, and respond. It is
// the only place broker state transitions (session_timeout latch,
// rate_limited window, execute-error continuation) are applied.
//
// session_timeout and rate_limit are terminal for this request: they latch
// broker-wide state and respond immediately, with no retry. A plain process
// failure instead goes through the recovery primitive so transient crashes
// and timeouts get retried with backoff before the request is failed.
func (b *Broker) dispatch(ctx context.Context, req envelope.Request) {
	start := time.Now()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	traceID := shared.TraceID(ctx)

	scratch, err := b.scratchDir(req.RequestID)
	if err != nil {
		b.respondFail(req, recovery.KindInputError, err.Error(), false, nil)
		return
	}
	defer cleanupScratch(scratch)

	materialized, err := materializeIncludeFiles(scratch, req.IncludeFiles)
	if err != nil {
		b.respondFail(req, recovery.KindInputError, err.Error(), false, nil)
		return
	}

	if check := b.sanitizer.Check(req.Prompt); check.Action != safety.ActionAllow {
		if err := check.MustAllow(); err != nil {
			b.respondFail(req, recovery.KindInputError, err.Error(), false, nil)
			return
		}
		b.logger.Warn("broker: possible prompt injection allowed through", "trace_id", traceID, "request_id", req.RequestID, "reason", check.Reason, "pattern", check.Pattern)
	}

	timeout := b.requestTimeout(req)
	prompt := ProhibitionBanner + req.Prompt
	args := b.buildArgs(materialized, req.ModelPreference, false)

	out, runErr := b.runOnce(ctx, args, prompt, timeout)

	switch out.kind {
	case outcomeSuccess:
		b.respondSuccess(req, out.result, 1, time.Since(start))
		return

	case outcomeSessionTimeout:
		b.latchSessionTimeout(req, out)
		return

	case outcomeRateLimit:
		b.latchRateLimit(req, out)
		return

	case outcomeExecuteError:
		b.continueAfterExecuteError(ctx, req, args, prompt, timeout, start)
		return
	}

	// Plain process failure: retry through the recovery primitive, which
	// re-spawns the child process from scratch on each attempt.
	attempts := 1
	op := func(opCtx context.Context) (string, error) {
		if attempts > 1 {
			out, runErr = b.runOnce(opCtx, args, prompt, timeout)
		}
		attempts++
		return classifyAsResult(out, runErr)
	}

	policy := recovery.DefaultPolicy()
	policy.MaxRetries = b.cfg.MaxRetries
	var result string
	var recErr error
	if b.recovery != nil {
		result, recErr = b.recovery.ExecuteWithRecovery(ctx, "broker.dispatch."+req.RequestID, op, policy)
	} else {
		result, recErr = op(ctx)
	}

	if recErr != nil {
		b.respondFail(req, recovery.Classify(recErr), recErr.Error(), false, nil)
		return
	}
	b.respondSuccess(req, result, attempts-1, time.Since(start))
}

// classifyAsResult turns a failure outcome into the (result, error) shape
// ExecuteWithRecovery expects, tagging the error message with the error
// kind recovery.Classify will recognize.
func classifyAsResult(out outcome, runErr error) (string, error) {
	if out.kind == outcomeSuccess {
		return out.result, nil
	}
	if runErr == errProcessTimeout {
		return "", fmt.Errorf("%s: %s", recovery.KindProcessTimeout, out.message)
	}
	if runErr != nil {
		return "", fmt.Errorf("%s: %s", recovery.KindProcessCrashed, out.message)
	}
	return "", fmt.Errorf("%s: %s", recovery.KindUnknown, out.message)
}

// requestTimeout resolves the effective per-request timeout from the
// request's context hint, falling back to the broker default.
func (b *Broker) requestTimeout(req envelope.Request) time.Duration {
	if req.Context != nil && req.Context.TimeoutMS > 0 {
		return time.Duration(req.Context.TimeoutMS) * time.Millisecond
	}
	return b.cfg.DefaultTimeout
}

func (b *Broker) latchSessionTimeout(req envelope.Request, out outcome) {
	b.mu.Lock()
	b.state = StateSessionTimeout
	b.mu.Unlock()
	b.respondFail(req, recovery.KindSessionTimeout, out.message, true, nil)
}

func (b *Broker) latchRateLimit(req envelope.Request, out outcome) {
	unlock := time.Unix(out.unlockEpoch, 0).Add(b.cfg.RateLimitGrace)
	b.mu.Lock()
	b.state = StateRateLimited
	b.rateLimitUntil = unlock
	b.mu.Unlock()
	info := &envelope.RateLimitInfo{
		Message:    out.message,
		UnlockTime: unlock.UnixMilli(),
		WaitTimeMS: time.Until(unlock).Milliseconds(),
	}
	b.respondFail(req, recovery.KindRateLimit, out.message, false, info)
}

// continueAfterExecuteError runs the continuation sub-protocol: one
// follow-up invocation with --continue appended, giving the child process a
// chance to finish work it had only partially reported. A second
// execute-error is treated as a terminal failure rather than continuing
// indefinitely.
func (b *Broker) continueAfterExecuteError(ctx context.Context, req envelope.Request, args []string, prompt string, timeout time.Duration, start time.Time) {
	contArgs := make([]string, len(args), len(args)+1)
	copy(contArgs, args)
	contArgs = append(contArgs, "--continue")

	out, runErr := b.runOnce(ctx, contArgs, prompt, timeout)

	switch out.kind {
	case outcomeSuccess:
		b.respondSuccess(req, out.result, 2, time.Since(start))
	case outcomeSessionTimeout:
		b.latchSessionTimeout(req, out)
	case outcomeRateLimit:
		b.latchRateLimit(req, out)
	default:
		kind := recovery.KindUnknown
		if runErr != nil {
			kind = recovery.KindProcessCrashed
		}
		b.respondFail(req, kind, "execute error did not resolve after continuation: "+out.message, false, nil)
	}
}

// Package recovery implements retry with backoff, a per-operation circuit
// breaker, and fallback-handler lookup for any named operation.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Strategy names a backoff delay formula.
type Strategy string

const (
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential_backoff"
	StrategyFibonacci   Strategy = "fibonacci"
)

// ExponentialMultiplier is the base of the exponential_backoff formula.
// Attempts are numbered from 1 and the exponent is (attempt-1), so the first
// retry waits exactly base_delay rather than a multiple of it.
const ExponentialMultiplier = 2.0

// Operation is a suspendable, zero-argument unit of work.
type Operation func(ctx context.Context) (string, error)

// FallbackFunc handles the original error after retries are exhausted.
type FallbackFunc func(ctx context.Context, originalErr error) (string, error)

// Policy configures one execution of ExecuteWithRecovery.
type Policy struct {
	MaxRetries      int
	Strategy        Strategy
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	JitterFactor    float64
	CircuitBreaker  bool
	Cooldown        time.Duration // breaker open -> half_open duration
	Threshold       int           // consecutive failures before the breaker opens
	Fallback        FallbackFunc
}

// DefaultPolicy returns reasonable defaults: 3 retries, exponential backoff,
// and a breaker that opens after 3 consecutive failures with a 60s cooldown.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		Strategy:       StrategyExponential,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		JitterFactor:   0.2,
		CircuitBreaker: true,
		Cooldown:       60 * time.Second,
		Threshold:      3,
	}
}

// ErrCircuitOpen is returned when the breaker for an operation is open and
// its cooldown has not elapsed.
var ErrCircuitOpen = errors.New(string(KindCircuitOpen))

// Recovery is the process-wide Component E instance: one breaker table and
// one error-pattern table shared across all callers.
type Recovery struct {
	breakers      *breakerTable
	patterns      *patternStore
	learnPatterns bool
	rand          *rand.Rand
}

// Option configures a Recovery instance at construction.
type Option func(*Recovery)

// WithPatternLearning enables the optional error-pattern-learning table.
func WithPatternLearning(maxSize int) Option {
	return func(r *Recovery) {
		r.learnPatterns = true
		r.patterns = newPatternStore(maxSize)
	}
}

// New constructs a Recovery instance.
func New(opts ...Option) *Recovery {
	r := &Recovery{
		breakers: newBreakerTable(),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ExecuteWithRecovery runs do with the given policy: circuit-breaker gate,
// retry loop with classify-then-backoff, and fallback on exhaustion.
func (r *Recovery) ExecuteWithRecovery(ctx context.Context, operationID string, do Operation, policy Policy) (string, error) {
	if policy.CircuitBreaker {
		if !r.breakers.allow(operationID, policy.Cooldown) {
			return "", fmt.Errorf("recovery: %s: %w", operationID, ErrCircuitOpen)
		}
	}

	var lastErr error
	maxAttempts := policy.MaxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := do(ctx)
		if err == nil {
			if policy.CircuitBreaker {
				r.breakers.recordSuccess(operationID)
			}
			if r.learnPatterns && lastErr != nil {
				r.patterns.recordRecovery(lastErr.Error(), attempt)
			}
			return result, nil
		}

		lastErr = err
		kind := Classify(err)
		if policy.CircuitBreaker {
			r.breakers.recordFailure(operationID, policy.Threshold)
		}
		if r.learnPatterns {
			r.patterns.recordFailure(operationID, err.Error())
		}

		if !kind.Recoverable() {
			break
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay(policy, attempt, r.rand)):
		}
	}

	if policy.Fallback != nil {
		result, fbErr := policy.Fallback(ctx, lastErr)
		if fbErr != nil {
			return "", fmt.Errorf("recovery: %s: fallback failed: %w (original: %v)", operationID, fbErr, lastErr)
		}
		return result, nil
	}

	return "", lastErr
}

// delay computes the backoff duration for the given attempt number
// (1-indexed), clamped to MaxDelay and perturbed by +/- jitterFactor*delay.
func delay(p Policy, attempt int, rng *rand.Rand) time.Duration {
	var base time.Duration
	switch p.Strategy {
	case StrategyLinear:
		base = p.BaseDelay * time.Duration(attempt)
	case StrategyFibonacci:
		base = p.BaseDelay * time.Duration(fib(attempt))
	case StrategyExponential:
		fallthrough
	default:
		mult := pow(ExponentialMultiplier, attempt-1)
		base = time.Duration(float64(p.BaseDelay) * mult)
	}

	if p.MaxDelay > 0 && base > p.MaxDelay {
		base = p.MaxDelay
	}

	if p.JitterFactor > 0 {
		jitter := float64(base) * p.JitterFactor * (rng.Float64() - 0.5)
		base += time.Duration(jitter)
		if base < 0 {
			base = 0
		}
	}

	if p.MaxDelay > 0 && base > p.MaxDelay {
		base = p.MaxDelay
	}
	return base
}

func fib(n int) int {
	if n <= 1 {
		return n
	}
	a, b := 0, 1
	for i := 2; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// BreakerSnapshot returns the current state of a single operation's breaker.
func (r *Recovery) BreakerSnapshot(operationID string) BreakerSummary {
	return r.breakers.snapshot(operationID)
}

// AllBreakerSummaries returns every tracked breaker's state, used by the
// monitor's circuit-breaker report.
func (r *Recovery) AllBreakerSummaries() []BreakerSummary {
	return r.breakers.allSummaries()
}

// TopErrorPatterns returns the n most frequent learned error patterns, or
// nil if pattern learning is disabled.
func (r *Recovery) TopErrorPatterns(n int) []ErrorPattern {
	if !r.learnPatterns {
		return nil
	}
	return r.patterns.Top(n)
}

package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestExecuteWithRecovery_SucceedsFirstTry(t *testing.T) {
	r := New()
	calls := 0
	result, err := r.ExecuteWithRecovery(context.Background(), "op_a", func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	}, DefaultPolicy())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %q", result)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestExecuteWithRecovery_RetriesTransientThenSucceeds(t *testing.T) {
	r := New()
	calls := 0
	policy := DefaultPolicy()
	policy.BaseDelay = time.Millisecond
	policy.MaxDelay = 10 * time.Millisecond

	result, err := r.ExecuteWithRecovery(context.Background(), "op_b", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "recovered", nil
	}, policy)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if result != "recovered" {
		t.Fatalf("expected recovered, got %q", result)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestExecuteWithRecovery_NonRecoverableStopsImmediately(t *testing.T) {
	r := New()
	calls := 0
	policy := DefaultPolicy()
	policy.BaseDelay = time.Millisecond

	_, err := r.ExecuteWithRecovery(context.Background(), "op_c", func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("permission denied")
	}, policy)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a non-recoverable error, got %d", calls)
	}
}

func TestExecuteWithRecovery_FallbackInvokedOnExhaustion(t *testing.T) {
	r := New()
	policy := DefaultPolicy()
	policy.MaxRetries = 1
	policy.BaseDelay = time.Millisecond
	policy.Fallback = func(ctx context.Context, originalErr error) (string, error) {
		return "fallback-result", nil
	}

	result, err := r.ExecuteWithRecovery(context.Background(), "op_d", func(ctx context.Context) (string, error) {
		return "", errors.New("connection refused")
	}, policy)
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if result != "fallback-result" {
		t.Fatalf("expected fallback-result, got %q", result)
	}
}

// TestCircuitBreaker_OpensAfterThresholdAndBlocksCalls: threshold=3,
// cooldown=60s. Five consecutive failures of op_X: breaker opens after the
// 3rd; attempts 4 and 5 fail with CircuitOpen without invoking do_op.
func TestCircuitBreaker_OpensAfterThresholdAndBlocksCalls(t *testing.T) {
	r := New()
	policy := Policy{
		MaxRetries:     0,
		Strategy:       StrategyExponential,
		BaseDelay:      time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
		CircuitBreaker: true,
		Cooldown:       60 * time.Second,
		Threshold:      3,
	}

	doCalls := 0
	failingOp := func(ctx context.Context) (string, error) {
		doCalls++
		return "", errors.New("connection refused")
	}

	for i := 0; i < 3; i++ {
		_, err := r.ExecuteWithRecovery(context.Background(), "op_X", failingOp, policy)
		if err == nil {
			t.Fatalf("attempt %d: expected failure", i+1)
		}
	}
	if got := r.BreakerSnapshot("op_X").State; got != StateOpen {
		t.Fatalf("expected breaker open after 3 failures, got %s", got)
	}
	callsBefore := doCalls

	for i := 0; i < 2; i++ {
		_, err := r.ExecuteWithRecovery(context.Background(), "op_X", failingOp, policy)
		if !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("attempt %d: expected ErrCircuitOpen, got %v", i+4, err)
		}
	}
	if doCalls != callsBefore {
		t.Fatalf("expected do_op NOT invoked while breaker open, calls went from %d to %d", callsBefore, doCalls)
	}
}

func TestCircuitBreaker_HalfOpenClosesOnSuccess(t *testing.T) {
	r := New()
	policy := Policy{
		MaxRetries:     0,
		Strategy:       StrategyLinear,
		BaseDelay:      time.Millisecond,
		CircuitBreaker: true,
		Cooldown:       10 * time.Millisecond,
		Threshold:      1,
	}

	_, err := r.ExecuteWithRecovery(context.Background(), "op_Y", func(ctx context.Context) (string, error) {
		return "", errors.New("connection refused")
	}, policy)
	if err == nil {
		t.Fatal("expected failure")
	}
	if got := r.BreakerSnapshot("op_Y").State; got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}

	time.Sleep(15 * time.Millisecond)

	result, err := r.ExecuteWithRecovery(context.Background(), "op_Y", func(ctx context.Context) (string, error) {
		return "closed-again", nil
	}, policy)
	if err != nil {
		t.Fatalf("expected half_open attempt to succeed, got %v", err)
	}
	if result != "closed-again" {
		t.Fatalf("unexpected result %q", result)
	}
	if got := r.BreakerSnapshot("op_Y").State; got != StateClosed {
		t.Fatalf("expected closed after half_open success, got %s", got)
	}
}

func TestDelay_NeverExceedsMaxDelay(t *testing.T) {
	policy := Policy{
		Strategy:     StrategyExponential,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		JitterFactor: 0.5,
	}
	rng := New().rand
	for attempt := 1; attempt <= 20; attempt++ {
		d := delay(policy, attempt, rng)
		if d > policy.MaxDelay {
			t.Fatalf("attempt %d: delay %v exceeds max %v", attempt, d, policy.MaxDelay)
		}
		if d < 0 {
			t.Fatalf("attempt %d: negative delay %v", attempt, d)
		}
	}
}

func TestDelay_ExponentialFirstAttemptIsBaseDelay(t *testing.T) {
	policy := Policy{
		Strategy:  StrategyExponential,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  10 * time.Second,
	}
	d := delay(policy, 1, New().rand)
	if d != 100*time.Millisecond {
		t.Fatalf("expected first exponential retry to wait exactly base_delay, got %v", d)
	}
}

func TestClassify_KnownSignatures(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"Invalid API key, please run /login", KindSessionTimeout},
		{"open /etc/shadow: permission denied", KindInputError},
		{"open missing.txt: no such file or directory", KindInputError},
		{"429 too many requests", KindRateLimit},
		{"context deadline exceeded", KindProcessTimeout},
		{"dial tcp: connection refused", KindNetworkError},
		{"something entirely unrecognized", KindUnknown},
	}
	for _, tc := range cases {
		if got := Classify(fmt.Errorf("%s", tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestNormalizeSignature(t *testing.T) {
	got := normalizeSignature(`request "abc123" failed after 42 retries`)
	want := "request STRING failed after NUMBER retries"
	if got != want {
		t.Fatalf("normalizeSignature = %q, want %q", got, want)
	}
}

func TestPatternStore_BoundedEviction(t *testing.T) {
	s := newPatternStore(2)
	s.recordFailure("op", "error one")
	time.Sleep(time.Millisecond)
	s.recordFailure("op", "error two")
	time.Sleep(time.Millisecond)
	s.recordFailure("op", "error three")

	if len(s.patterns) != 2 {
		t.Fatalf("expected bounded size 2, got %d", len(s.patterns))
	}
}

package broker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/orchestrake/internal/envelope"
	"github.com/basket/orchestrake/internal/safety"
	"github.com/basket/orchestrake/internal/shared"
)

// scratchDir returns (and creates) the per-request scratch directory.
func (b *Broker) scratchDir(requestID string) (string, error) {
	dir := filepath.Join(b.cfg.ScratchRoot, requestID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("broker: create scratch dir: %w", err)
	}
	return dir, nil
}

// materializeIncludeFiles copies each caller-supplied include file's content
// into the scratch directory, preserving the caller's ordering, and returns
// the materialized paths in the same order.
func materializeIncludeFiles(scratchDir string, includeFiles []string) ([]string, error) {
	out := make([]string, 0, len(includeFiles))
	for i, src := range includeFiles {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("broker: read include file %q: %w", src, err)
		}
		dst := filepath.Join(scratchDir, fmt.Sprintf("%03d-%s", i, filepath.Base(src)))
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return nil, fmt.Errorf("broker: write scratch file %q: %w", dst, err)
		}
		out = append(out, dst)
	}
	return out, nil
}

// buildArgs constructs argv: materialized input files first (caller order),
// then the fixed flags, optional model preference flags, and -- when this is
// a continuation sub-protocol invocation -- --continue.
func (b *Broker) buildArgs(materialized []string, pref *envelope.ModelPreference, continuation bool) []string {
	args := make([]string, 0, len(materialized)+len(b.cfg.BaseArgs)+4)
	args = append(args, materialized...)
	args = append(args, b.cfg.BaseArgs...)
	if pref != nil {
		if pref.Primary != "" {
			args = append(args, "--model", pref.Primary)
		}
		if pref.Fallback != "" {
			args = append(args, "--fallback-model", pref.Fallback)
		}
	}
	if continuation {
		args = append(args, "--continue")
	}
	return args
}

// runOnce spawns exactly one child process invocation: stdin carries the
// prompt, a per-invocation deadline enforces SIGTERM then SIGKILL, and
// scratch cleanup happens on every exit path via the caller.
func (b *Broker) runOnce(ctx context.Context, args []string, stdin string, timeout time.Duration) (outcome, error) {
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, b.cfg.Executable, args...)
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return outcome{}, fmt.Errorf("broker: start child process: %w", err)
	}

	waitErr := b.waitWithGrace(runCtx, cmd)

	cleanStdout := safety.TrimPromptEcho(safety.StripANSI(stdout.String()))
	if warnings := b.leakDetector.Scan(cleanStdout); len(warnings) > 0 {
		traceID := shared.TraceID(runCtx)
		for _, w := range warnings {
			b.logger.Warn("broker: possible secret leak in child output", "trace_id", traceID, "pattern", w.Pattern, "sample", w.Sample)
		}
	}
	out := classifyOutput(cleanStdout, stderr.String(), waitErr)
	if runCtx.Err() == context.DeadlineExceeded {
		out = outcome{kind: outcomeFailure, message: "process_timeout"}
		return out, errProcessTimeout
	}
	return out, waitErr
}

var errProcessTimeout = fmt.Errorf("broker: %s", "ProcessTimeout")

// waitWithGrace waits for cmd to exit, escalating from SIGTERM to SIGKILL
// once the grace period elapses after the context deadline fires.
func (b *Broker) waitWithGrace(ctx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case err := <-done:
		return err
	case <-time.After(b.cfg.GracePeriod):
	}

	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return <-done
}

// cleanupScratch removes a request's scratch directory unconditionally.
func cleanupScratch(dir string) {
	_ = os.RemoveAll(dir)
}

// Package bus implements named FIFO queues carrying request and response
// envelopes between worker agents and the LLM broker: "requests" is the
// single global broker inbox, "responses:<agent>" is a per-agent mailbox.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/orchestrake/internal/envelope"
)

// Envelope is the bus-level unit of transport: a validated Wire plus the
// queue name it was addressed to, kept around so dead-letter and broadcast
// bookkeeping can report where a message came from.
type Envelope struct {
	Queue string
	Wire  envelope.Wire
}

// RequestsQueueName is the single global inbox the broker consumes.
const RequestsQueueName = "requests"

// ResponseQueueName returns the per-agent response mailbox name.
func ResponseQueueName(agent string) string {
	return "responses:" + agent
}

// ErrTransport tags bus-level delivery failures as recoverable: callers map
// this to the TransportError error kind.
type ErrTransport struct {
	Queue string
	Err   error
}

func (e *ErrTransport) Error() string {
	return fmt.Sprintf("bus: transport error on %q: %v", e.Queue, e.Err)
}
func (e *ErrTransport) Unwrap() error { return e.Err }

// Bus is the in-process message bus. Multiple producers and consumers may
// operate on the same named queue concurrently; each envelope is delivered
// to exactly one consumer.
type Bus struct {
	mu         sync.RWMutex
	queues     map[string]*queue
	deadLetter map[string]*queue
	logger     *slog.Logger
	dropped    atomic.Int64
}

// New constructs an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		queues:     make(map[string]*queue),
		deadLetter: make(map[string]*queue),
		logger:     logger,
	}
}

func (b *Bus) queueFor(name string) *queue {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if ok {
		return q
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q
	}
	q = newQueue()
	b.queues[name] = q
	return q
}

func (b *Bus) deadLetterFor(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.deadLetter[name]
	if !ok {
		q = newQueue()
		b.deadLetter[name] = q
	}
	return q
}

// validate checks an envelope against the bus schema and, if it is invalid
// and names a reply queue, writes a validation_error response there.
func (b *Bus) validate(e Envelope) error {
	if err := e.Wire.Validate(); err != nil {
		b.logger.Warn("bus: dropping invalid envelope", "queue", e.Queue, "error", err)
		if e.Wire.ReplyTo != "" {
			b.writeValidationError(e.Wire.ReplyTo, e.Wire.ID, err)
		}
		return err
	}
	return nil
}

func (b *Bus) writeValidationError(agent, requestID string, cause error) {
	resp := envelope.Response{
		RequestID: requestID,
		Success:   false,
		Error:     cause.Error(),
		Timestamp: time.Now(),
	}
	wire, err := envelope.NewWire(requestID, "response", resp)
	if err != nil {
		b.logger.Error("bus: failed to build validation_error response", "error", err)
		return
	}
	q := b.queueFor(ResponseQueueName(agent))
	q.push(Envelope{Queue: ResponseQueueName(agent), Wire: wire})
}

// SubmitRequest assigns req a fresh RequestID if it doesn't already carry
// one, wraps it in a wire envelope, and appends it to the global "requests"
// queue. It returns the RequestID used, so a caller with no ID of its own
// can still correlate the eventual response.
func (b *Bus) SubmitRequest(req envelope.Request) (string, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	wire, err := envelope.NewWire(req.RequestID, "request", req)
	if err != nil {
		return "", fmt.Errorf("bus: submit request: %w", err)
	}
	if err := b.EnqueueRequest(Envelope{Wire: wire}); err != nil {
		return "", err
	}
	return req.RequestID, nil
}

// EnqueueRequest appends an envelope to the global "requests" queue.
func (b *Bus) EnqueueRequest(e Envelope) error {
	if err := b.validate(e); err != nil {
		return err
	}
	e.Queue = RequestsQueueName
	b.queueFor(RequestsQueueName).push(e)
	return nil
}

// PopRequest performs a blocking pop with timeout on the "requests" queue,
// to avoid busy polling. It returns ok=false if nothing arrived before the
// timeout or the queue was paused the whole time.
func (b *Bus) PopRequest(ctx context.Context, timeout time.Duration) (envelope.Request, bool, error) {
	wire, ok, err := b.pop(ctx, RequestsQueueName, timeout)
	if err != nil || !ok {
		return envelope.Request{}, false, err
	}
	var req envelope.Request
	if jsonErr := json.Unmarshal(wire.Payload, &req); jsonErr != nil {
		return envelope.Request{}, false, fmt.Errorf("bus: decode request payload: %w", jsonErr)
	}
	return req, true, nil
}

// pop is the generic blocking-pop-with-timeout primitive shared by request
// and response consumers.
func (b *Bus) pop(ctx context.Context, queueName string, timeout time.Duration) (envelope.Wire, bool, error) {
	q := b.queueFor(queueName)
	deadline := time.Now().Add(timeout)

	for {
		e, waitCh, ok := q.popHead()
		if ok {
			return e.Wire, true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return envelope.Wire{}, false, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return envelope.Wire{}, false, ctx.Err()
		case <-waitCh:
			timer.Stop()
		case <-timer.C:
			return envelope.Wire{}, false, nil
		}
	}
}

// Requeue re-appends a previously popped request to the "requests" queue,
// for a consumer that parks an envelope (session timeout, rate limit,
// shutdown) instead of processing it immediately.
func (b *Bus) Requeue(ctx context.Context, req envelope.Request) error {
	wire, err := envelope.NewWire(req.RequestID, "request", req)
	if err != nil {
		return fmt.Errorf("bus: requeue: %w", err)
	}
	return b.EnqueueRequest(Envelope{Wire: wire})
}

// SendResponse appends an envelope to the given agent's private response
// queue.
func (b *Bus) SendResponse(agent string, resp envelope.Response) error {
	wire, err := envelope.NewWire(resp.RequestID, "response", resp)
	if err != nil {
		return &ErrTransport{Queue: ResponseQueueName(agent), Err: err}
	}
	e := Envelope{Queue: ResponseQueueName(agent), Wire: wire}
	if err := b.validate(e); err != nil {
		return err
	}
	b.queueFor(ResponseQueueName(agent)).push(e)
	return nil
}

// PopResponse performs a blocking pop with timeout on an agent's response
// queue. Used by tests and by worker-agent simulators.
func (b *Bus) PopResponse(ctx context.Context, agent string, timeout time.Duration) (envelope.Response, bool, error) {
	wire, ok, err := b.pop(ctx, ResponseQueueName(agent), timeout)
	if err != nil || !ok {
		return envelope.Response{}, false, err
	}
	var resp envelope.Response
	if jsonErr := json.Unmarshal(wire.Payload, &resp); jsonErr != nil {
		return envelope.Response{}, false, fmt.Errorf("bus: decode response payload: %w", jsonErr)
	}
	return resp, true, nil
}

// QueueDepth reports the number of envelopes currently waiting on a queue.
// Observational only.
func (b *Bus) QueueDepth(name string) int {
	return b.queueFor(name).depth()
}

// Pause stops pop_request from returning anything on name; enqueue still
// succeeds.
func (b *Bus) Pause(name string) { b.queueFor(name).setPaused(true) }

// Resume un-pauses a queue.
func (b *Bus) Resume(name string) { b.queueFor(name).setPaused(false) }

// IsPaused reports whether a queue is currently paused.
func (b *Bus) IsPaused(name string) bool { return b.queueFor(name).isPaused() }

// BroadcastResult is the per-name outcome of a Broadcast call.
type BroadcastResult struct {
	Queue   string
	Success bool
	Err     error
}

// Broadcast best-effort fans an envelope out to every named queue, reporting
// a per-queue outcome rather than failing the whole call on one bad queue.
func (b *Bus) Broadcast(names []string, wire envelope.Wire) []BroadcastResult {
	results := make([]BroadcastResult, 0, len(names))
	for _, name := range names {
		e := Envelope{Queue: name, Wire: wire}
		if err := b.validate(e); err != nil {
			results = append(results, BroadcastResult{Queue: name, Success: false, Err: err})
			b.dropped.Add(1)
			continue
		}
		b.queueFor(name).push(e)
		results = append(results, BroadcastResult{Queue: name, Success: true})
	}
	return results
}

// DroppedEnvelopeCount returns the total number of envelopes dropped for
// failing schema validation during Broadcast.
func (b *Bus) DroppedEnvelopeCount() int64 { return b.dropped.Load() }

// DrainToDeadLetter moves every envelope currently queued on name into that
// queue's dead-letter companion, for envelopes whose processing exhausted
// all retries.
func (b *Bus) DrainToDeadLetter(name string) int {
	items := b.queueFor(name).drain()
	if len(items) == 0 {
		return 0
	}
	dl := b.deadLetterFor(name)
	for _, e := range items {
		dl.push(e)
	}
	return len(items)
}

// DeadLetterDepth reports the backlog on a queue's dead-letter companion.
func (b *Bus) DeadLetterDepth(name string) int {
	b.mu.RLock()
	q, ok := b.deadLetter[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return q.depth()
}

// agentFromResponseQueue extracts "foo" from "responses:foo", used by
// callers that only have a queue name and need the addressed agent.
func agentFromResponseQueue(name string) (string, bool) {
	const prefix = "responses:"
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	return strings.TrimPrefix(name, prefix), true
}

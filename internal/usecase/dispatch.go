package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i2y/mcpgate/internal/domain"
)

const (
	DefaultRequestQueue    = "mcpgate:tool_calls"
	DefaultResponseChannel = "mcpgate:tool_results"
	DefaultCallTimeout     = 60 * time.Second
)

// DispatchOptions names the broker queue and channel used for dispatch.
type DispatchOptions struct {
	Queue   string
	Channel string
	// Timeout applies to calls enqueued without an explicit timeout.
	Timeout time.Duration
}

func (o DispatchOptions) withDefaults() DispatchOptions {
	if o.Queue == "" {
		o.Queue = DefaultRequestQueue
	}
	if o.Channel == "" {
		o.Channel = DefaultResponseChannel
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultCallTimeout
	}
	return o
}

// Dispatcher enqueues tool calls for workers and correlates their responses.
// A waiter is registered before a request is pushed, so a response can
// never arrive unobserved.
type Dispatcher struct {
	broker Broker
	opts   DispatchOptions
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	waiters map[string]chan domain.ToolCallResponse
	closed  bool
	done    chan struct{}
	ready   chan struct{}

	closeOnce sync.Once
	readyOnce sync.Once
}

// NewDispatcher creates a Dispatcher on broker.
func NewDispatcher(broker Broker, opts DispatchOptions, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		broker:  broker,
		opts:    opts.withDefaults(),
		logger:  logger.With("component", "dispatcher"),
		now:     time.Now,
		waiters: make(map[string]chan domain.ToolCallResponse),
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
	}
}

// EnqueueToolCall queues a call and returns its request id.
func (d *Dispatcher) EnqueueToolCall(ctx context.Context, proxyID, tool string, args map[string]any, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = d.opts.Timeout
	}
	now := d.now().UTC()
	req := domain.ToolCallRequest{
		RequestID: uuid.NewString(),
		ProxyID:   proxyID,
		ToolName:  tool,
		Arguments: args,
		Timeout:   timeout,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal tool call: %w", err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", domain.ErrDispatcherClosed
	}
	d.waiters[req.RequestID] = make(chan domain.ToolCallResponse, 1)
	d.mu.Unlock()

	if err := d.broker.Push(ctx, d.opts.Queue, payload); err != nil {
		d.forget(req.RequestID)
		return "", fmt.Errorf("enqueue tool call: %w", err)
	}
	d.logger.Debug("Tool call enqueued",
		slog.String("request_id", req.RequestID),
		slog.String("proxy_id", proxyID),
		slog.String("tool", tool))
	return req.RequestID, nil
}

// WaitForResult blocks until the response for id arrives or timeout passes.
// A timeout is reported as a response with Status domain.CallTimeout, not
// as an error. Errors are returned when the dispatcher closes, ctx ends, or
// id has no pending request.
func (d *Dispatcher) WaitForResult(ctx context.Context, id string, timeout time.Duration) (domain.ToolCallResponse, error) {
	d.mu.Lock()
	ch, ok := d.waiters[id]
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return domain.ToolCallResponse{}, domain.ErrDispatcherClosed
	}
	if !ok {
		return domain.ToolCallResponse{}, fmt.Errorf("wait for %s: %w", id, domain.ErrRequestNotFound)
	}
	if timeout <= 0 {
		timeout = d.opts.Timeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		d.forget(id)
		return resp, nil
	case <-timer.C:
		d.forget(id)
		d.logger.Warn("Tool call timed out", slog.String("request_id", id), slog.Duration("timeout", timeout))
		return domain.ToolCallResponse{
			RequestID:   id,
			Status:      domain.CallTimeout,
			Error:       fmt.Sprintf("no response within %s", timeout),
			Result:      domain.ToolResult{IsError: true, Error: "tool call timed out"},
			CompletedAt: d.now().UTC(),
		}, nil
	case <-d.done:
		return domain.ToolCallResponse{}, domain.ErrDispatcherClosed
	case <-ctx.Done():
		d.forget(id)
		return domain.ToolCallResponse{}, ctx.Err()
	}
}

// Call enqueues a tool call and waits for its response.
func (d *Dispatcher) Call(ctx context.Context, proxyID, tool string, args map[string]any, timeout time.Duration) (domain.ToolCallResponse, error) {
	id, err := d.EnqueueToolCall(ctx, proxyID, tool, args, timeout)
	if err != nil {
		return domain.ToolCallResponse{}, err
	}
	return d.WaitForResult(ctx, id, timeout)
}

// Listen subscribes to the response channel and delivers responses to
// their waiters until ctx is done or the dispatcher closes. Responses
// without a waiter are dropped.
func (d *Dispatcher) Listen(ctx context.Context) error {
	msgs, err := d.broker.Subscribe(ctx, d.opts.Channel)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", d.opts.Channel, err)
	}
	d.readyOnce.Do(func() { close(d.ready) })
	d.logger.Info("Listening for tool call responses", slog.String("channel", d.opts.Channel))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.done:
			return nil
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			var resp domain.ToolCallResponse
			if err := json.Unmarshal(payload, &resp); err != nil {
				d.logger.Warn("Dropping malformed response", slog.Any("error", err))
				continue
			}
			d.deliver(resp)
		}
	}
}

// Ready is closed once Listen has an active subscription.
func (d *Dispatcher) Ready() <-chan struct{} {
	return d.ready
}

// deliver hands resp to its waiter. The waiter stays registered until
// WaitForResult consumes it, so a response may arrive before the wait starts.
func (d *Dispatcher) deliver(resp domain.ToolCallResponse) {
	d.mu.Lock()
	ch, ok := d.waiters[resp.RequestID]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("Dropping response without waiter", slog.String("request_id", resp.RequestID))
		return
	}
	select {
	case ch <- resp:
	default:
		d.logger.Debug("Dropping duplicate response", slog.String("request_id", resp.RequestID))
	}
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	delete(d.waiters, id)
	d.mu.Unlock()
}

// Pending returns the number of requests still awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}

// Close fails every pending and future wait with domain.ErrDispatcherClosed.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		n := len(d.waiters)
		d.waiters = make(map[string]chan domain.ToolCallResponse)
		d.mu.Unlock()
		close(d.done)
		d.logger.Info("Dispatcher closed", slog.Int("abandoned", n))
	})
	return nil
}

// DispatchWorker executes queued tool calls and publishes their responses.
type DispatchWorker struct {
	id      string
	broker  Broker
	caller  ToolCaller
	opts    DispatchOptions
	logger  *slog.Logger
	now     func() time.Time
	popWait time.Duration
}

// NewDispatchWorker creates a worker that runs calls through caller.
func NewDispatchWorker(broker Broker, caller ToolCaller, opts DispatchOptions, logger *slog.Logger) *DispatchWorker {
	id := generateWorkerID()
	return &DispatchWorker{
		id:      id,
		broker:  broker,
		caller:  caller,
		opts:    opts.withDefaults(),
		logger:  logger.With("component", "dispatch_worker", "worker_id", id),
		now:     time.Now,
		popWait: time.Second,
	}
}

// ID returns the worker's identifier.
func (w *DispatchWorker) ID() string { return w.id }

// Run pops and executes requests one at a time until ctx is done.
func (w *DispatchWorker) Run(ctx context.Context) error {
	w.logger.Info("Worker started", slog.String("queue", w.opts.Queue))
	defer w.logger.Info("Worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		payload, err := w.broker.Pop(ctx, w.opts.Queue, w.popWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("Failed to pop request", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if payload == nil {
			continue
		}
		w.process(ctx, payload)
	}
}

func (w *DispatchWorker) process(ctx context.Context, payload []byte) {
	var req domain.ToolCallRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		w.logger.Warn("Dropping malformed request", slog.Any("error", err))
		return
	}
	log := w.logger.With(
		slog.String("request_id", req.RequestID),
		slog.String("proxy_id", req.ProxyID),
		slog.String("tool", req.ToolName))

	if req.Expired(w.now()) {
		log.Debug("Dropping expired request")
		return
	}

	callCtx := ctx
	if !req.ExpiresAt.IsZero() {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithDeadline(ctx, req.ExpiresAt)
		defer cancel()
	}

	result, err := w.caller.CallTool(callCtx, req.ProxyID, req.ToolName, req.Arguments)
	resp := domain.ToolCallResponse{
		RequestID:   req.RequestID,
		Status:      domain.CallSuccess,
		Result:      result,
		CompletedAt: w.now().UTC(),
	}
	switch {
	case err != nil:
		resp.Status = domain.CallError
		resp.Error = err.Error()
		resp.Result = domain.FailedResult(err)
	case result.IsError:
		resp.Status = domain.CallError
		resp.Error = result.Error
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.Error("Failed to marshal response", slog.Any("error", err))
		return
	}
	if err := w.broker.Publish(ctx, w.opts.Channel, data); err != nil {
		log.Error("Failed to publish response", slog.Any("error", err))
		return
	}
	log.Debug("Response published", slog.String("status", string(resp.Status)))
}

// generateWorkerID builds a unique id from hostname, pid and a random suffix.
func generateWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

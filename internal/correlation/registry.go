// Package correlation pairs backend-initiated tool calls with the responses
// that answer them.
//
// A Registry parks one waiter per correlation id. The waiter is released
// exactly once: by a matching response, by an explicit dismiss, by a
// timeout, or by RejectAll when the connection goes away. The same type is
// used on both ends of the wire: the client awaits the user's answer to a
// tool surface, and the reference server awaits the client's tool response.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/chatwire/internal/logging"
	"github.com/inercia/chatwire/internal/protocol"
)

var (
	// ErrConnectionLost rejects waiters outstanding when the channel closes.
	ErrConnectionLost = errors.New("connection lost while awaiting response")
	// ErrTimeout rejects a waiter whose per-call timeout elapsed.
	ErrTimeout = errors.New("tool call timed out")
	// ErrDuplicateID is returned when a waiter already exists for the id.
	ErrDuplicateID = errors.New("duplicate correlation id")
	// ErrNoWaiter reports that nothing was awaiting the given id. Callers
	// answering a restored artifact get this after a fire-and-forget send.
	ErrNoWaiter = errors.New("no waiter for correlation id")
	// ErrDismissed rejects a waiter whose surface the backend withdrew.
	ErrDismissed = errors.New("tool call dismissed")
)

// Dispatcher hands a registered call to whoever will answer it. It must not
// block waiting for the answer.
type Dispatcher func(ctx context.Context, call protocol.ToolCall) error

type waiter struct {
	call    protocol.ToolCall
	created time.Time
	done    chan struct{}
	once    sync.Once
	result  protocol.ToolResult
	err     error
}

func (w *waiter) finish(result protocol.ToolResult, err error) {
	w.once.Do(func() {
		w.result = result
		w.err = err
		close(w.done)
	})
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets a default per-call timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithLogger replaces the default correlation logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry tracks outstanding tool calls. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	pending  map[string]*waiter
	dispatch Dispatcher
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a registry that delivers calls through dispatch.
func New(dispatch Dispatcher, opts ...Option) *Registry {
	r := &Registry{
		pending:  make(map[string]*waiter),
		dispatch: dispatch,
		logger:   logging.Correlation(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SendAndAwait builds a tool call with a fresh correlation id, dispatches it
// and waits for the response.
func (r *Registry) SendAndAwait(ctx context.Context, toolName string, payload json.RawMessage, display string) (protocol.ToolResult, error) {
	return r.Await(ctx, protocol.ToolCall{
		ToolName: toolName,
		Payload:  payload,
		Display:  display,
	})
}

// Await registers call, dispatches it and blocks until it is resolved or
// rejected, ctx is done, or the registry timeout elapses. A fresh id is
// generated when call.CorrelationID is empty.
func (r *Registry) Await(ctx context.Context, call protocol.ToolCall) (protocol.ToolResult, error) {
	if call.CorrelationID == "" {
		call.CorrelationID = uuid.NewString()
	}
	call.AwaitingResponse = true
	id := call.CorrelationID

	w := &waiter{call: call, created: time.Now(), done: make(chan struct{})}
	r.mu.Lock()
	if _, exists := r.pending[id]; exists {
		r.mu.Unlock()
		return protocol.ToolResult{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.pending[id] = w
	r.mu.Unlock()

	r.logger.Debug("awaiting tool response", "corr", id, "tool", call.ToolName)

	if err := r.dispatch(ctx, call); err != nil {
		r.remove(id, w)
		return protocol.ToolResult{}, fmt.Errorf("dispatch tool call %s: %w", id, err)
	}

	var timeout <-chan time.Time
	if r.timeout > 0 {
		t := time.NewTimer(r.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-w.done:
		return w.result, w.err
	case <-timeout:
		if r.remove(id, w) {
			r.logger.Info("tool call timed out", "corr", id, "timeout", r.timeout)
			w.finish(protocol.ToolResult{}, ErrTimeout)
		}
	case <-ctx.Done():
		if r.remove(id, w) {
			w.finish(protocol.ToolResult{}, ctx.Err())
		}
	}
	<-w.done
	return w.result, w.err
}

// remove deletes id only if it still maps to w. It reports whether the
// caller won the right to finish w.
func (r *Registry) remove(id string, w *waiter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[id] != w {
		return false
	}
	delete(r.pending, id)
	return true
}

func (r *Registry) take(id string) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.pending[id]
	if w != nil {
		delete(r.pending, id)
	}
	return w
}

// Resolve fulfills the waiter for id. It returns false, after logging, when
// no waiter exists; a second response for the same id is therefore a no-op.
func (r *Registry) Resolve(id string, result protocol.ToolResult) bool {
	w := r.take(id)
	if w == nil {
		r.logger.Warn("discarding response for unknown correlation id", "corr", id)
		return false
	}
	r.logger.Debug("tool call resolved", "corr", id, "status", result.Status,
		"elapsed", time.Since(w.created))
	w.finish(result, nil)
	return true
}

// Clear rejects the waiter for id with ErrDismissed. Completion and dismiss
// signals often reference calls that were never awaited, so a missing
// waiter is not an error; Clear then returns false.
func (r *Registry) Clear(id string) bool {
	w := r.take(id)
	if w == nil {
		return false
	}
	r.logger.Debug("tool call cleared", "corr", id)
	w.finish(protocol.ToolResult{}, ErrDismissed)
	return true
}

// RejectAll rejects every outstanding waiter with err (ErrConnectionLost
// when nil) and returns how many were rejected.
func (r *Registry) RejectAll(err error) int {
	if err == nil {
		err = ErrConnectionLost
	}
	r.mu.Lock()
	waiters := r.pending
	r.pending = make(map[string]*waiter)
	r.mu.Unlock()

	for _, w := range waiters {
		w.finish(protocol.ToolResult{}, err)
	}
	if len(waiters) > 0 {
		r.logger.Info("rejected outstanding tool calls", "count", len(waiters), "reason", err)
	}
	return len(waiters)
}

// Pending returns the outstanding calls ordered by creation time.
func (r *Registry) Pending() []protocol.ToolCall {
	r.mu.Lock()
	ws := make([]*waiter, 0, len(r.pending))
	for _, w := range r.pending {
		ws = append(ws, w)
	}
	r.mu.Unlock()

	sort.Slice(ws, func(i, j int) bool { return ws[i].created.Before(ws[j].created) })
	calls := make([]protocol.ToolCall, len(ws))
	for i, w := range ws {
		calls[i] = w.call
	}
	return calls
}

// Has reports whether id has a live waiter.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

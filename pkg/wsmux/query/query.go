// Package query implements the one-shot request/response exchange sent
// over a socket connection while awaiting a matching reply.
package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xfeed-go/wsmux/pkg/wsmux/wserrors"
)

// ErrTimeout indicates the query's Matcher never matched an inbound
// frame within Timeout. It wraps wserrors.ErrCancellationRequested so
// callers that treat timeout and cancellation identically (per the
// engine's cleanup contract) can use a single errors.Is check.
var ErrTimeout = fmt.Errorf("query timeout: %w", wserrors.ErrCancellationRequested)

// Sender is the minimal surface a Query needs from its owning connection
// to transmit its request payload. Connection implements this.
type Sender interface {
	// WriteRequest serializes and writes payload onto the connection's
	// transport, consulting rate limiters as configured.
	WriteRequest(ctx context.Context, payload any) error
}

// Matcher decides whether a parsed inbound message is the reply to a
// pending query. Implementations inspect identifying fields (e.g. a
// correlation id) without needing the full decoded payload.
type Matcher func(parsed any) bool

// DecodeFunc turns a matched frame's raw bytes into the query's
// response type.
type DecodeFunc[T any] func(raw []byte) (T, error)

// Pending is the non-generic view of a Query a Connection keeps in its
// pending-query set, so one slice can hold queries of differing
// response types.
type Pending interface {
	// QueryID is the correlation id, for diagnostics/dedup.
	QueryID() string
	// Matches reports whether parsed is this query's reply.
	Matches(parsed any) bool
	// CompleteFromRaw decodes raw via the query's DecodeFunc and
	// completes it, or fails it if decoding errors.
	CompleteFromRaw(raw []byte) error
	// Fail unblocks the waiter with err.
	Fail(err error)
	// StartedAt returns when Send was called.
	StartedAt() time.Time
}

// Query is a one-shot request/response exchange. T is the decoded
// response payload type.
type Query[T any] struct {
	// ID is a client-assigned correlation identifier, generated fresh
	// per query so a server reply carrying it back can be matched
	// without guessing at exchange-specific framing.
	ID string

	// Payload is the request body to send.
	Payload any

	// Authenticated marks whether this query requires an authenticated
	// connection.
	Authenticated bool

	// Timeout bounds how long Wait will block for a match.
	Timeout time.Duration

	matches Matcher
	decode  DecodeFunc[T]

	mu        sync.Mutex
	response  T
	err       error
	done      chan struct{}
	closeOnce sync.Once
	startedAt time.Time

	unsubOnFail func(context.Context) // best-effort cleanup hook, set by caller
}

// New creates a Query with a fresh correlation ID, an empty result, and
// a Matcher that will be consulted for every inbound frame until the
// query completes.
func New[T any](payload any, authenticated bool, timeout time.Duration, matches Matcher, decode DecodeFunc[T]) *Query[T] {
	return &Query[T]{
		ID:            uuid.NewString(),
		Payload:       payload,
		Authenticated: authenticated,
		Timeout:       timeout,
		matches:       matches,
		decode:        decode,
		done:          make(chan struct{}),
	}
}

// QueryID returns the query's correlation id.
func (q *Query[T]) QueryID() string { return q.ID }

// CompleteFromRaw decodes raw via the query's DecodeFunc (if any,
// otherwise raw must itself assert to T) and completes the query, or
// fails it if decoding errors.
func (q *Query[T]) CompleteFromRaw(raw []byte) error {
	if q.decode == nil {
		v, ok := any(raw).(T)
		if !ok {
			err := fmt.Errorf("query %s: no decode func for response type", q.ID)
			q.Fail(err)
			return err
		}
		q.Complete(v)
		return nil
	}
	v, err := q.decode(raw)
	if err != nil {
		q.Fail(err)
		return err
	}
	q.Complete(v)
	return nil
}

// OnCancelUnsub registers a best-effort cleanup hook invoked if the
// query fails with cancellation or timeout after it was sent, so the
// caller can arrange for an unsubscribe frame to be transmitted.
func (q *Query[T]) OnCancelUnsub(fn func(context.Context)) {
	q.mu.Lock()
	q.unsubOnFail = fn
	q.mu.Unlock()
}

// Matches reports whether parsed is this query's reply.
func (q *Query[T]) Matches(parsed any) bool {
	if q.matches == nil {
		return false
	}
	return q.matches(parsed)
}

// Send transmits the query's payload via sender and records the start
// time reported by StartedAt.
func (q *Query[T]) Send(ctx context.Context, sender Sender) error {
	q.mu.Lock()
	q.startedAt = time.Now()
	q.mu.Unlock()
	return sender.WriteRequest(ctx, q.Payload)
}

// Complete sets the successful response and unblocks the waiter. Safe
// to call at most meaningfully once; subsequent calls are no-ops.
func (q *Query[T]) Complete(response T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.done:
		return
	default:
	}
	q.response = response
	q.signal()
}

// Fail unblocks the waiter with err. Safe to call at most meaningfully
// once; subsequent calls are no-ops.
func (q *Query[T]) Fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.done:
		return
	default:
	}
	q.err = err
	q.signal()
}

func (q *Query[T]) signal() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Wait blocks until the query is completed, fails, times out, or ctx is
// cancelled. A ctx cancellation and a timeout (ErrTimeout) are both
// returned as errors wrapping wserrors.ErrCancellationRequested; on
// either path the registered unsub hook, if any, is invoked once the
// query has been sent, so a late server ack doesn't leak a live
// subscription.
func (q *Query[T]) Wait(ctx context.Context) (T, error) {
	timeout := q.Timeout
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-q.done:
		q.mu.Lock()
		resp, err := q.response, q.err
		q.mu.Unlock()
		return resp, err
	case <-timeoutCh:
		q.Fail(ErrTimeout)
		q.runUnsubHook(ctx)
		var zero T
		return zero, ErrTimeout
	case <-ctx.Done():
		err := fmt.Errorf("query cancelled: %w", wserrors.ErrCancellationRequested)
		q.Fail(err)
		q.runUnsubHook(ctx)
		var zero T
		return zero, err
	}
}

func (q *Query[T]) runUnsubHook(ctx context.Context) {
	q.mu.Lock()
	hook := q.unsubOnFail
	started := !q.startedAt.IsZero()
	q.mu.Unlock()
	if hook != nil && started {
		hook(ctx)
	}
}

// StartedAt returns the time Send was called, or the zero Time if the
// query was never sent.
func (q *Query[T]) StartedAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.startedAt
}

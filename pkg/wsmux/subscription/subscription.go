// Package subscription defines the user-facing logical stream contract
// multiplexed onto a Connection, and the system variant installed on
// every connection to handle server control frames.
package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Sender is the minimal transmit surface a subscription needs to build
// its sub/unsub queries against. A *wsmux.Connection implements it.
type Sender interface {
	WriteRequest(ctx context.Context, payload any) error
}

// QueryLike is the shape a Subscription hands back to its Connection:
// something that can be sent, awaited, and registered in a Connection's
// pending-query set so an inbound ack is routed back to it. Its method
// set deliberately matches query.Pending (plus Send/Wait) so any
// QueryLike value can be used wherever a query.Pending is expected
// without this package importing query. wsmux.AsQueryLike builds one
// from a concrete *query.Query[T], keeping Subscription itself
// payload-type-agnostic.
type QueryLike interface {
	// QueryID is the correlation id, for diagnostics/dedup.
	QueryID() string
	// Matches reports whether parsed is this query's reply.
	Matches(parsed any) bool
	// CompleteFromRaw decodes raw and completes the query, or fails it
	// if decoding errors.
	CompleteFromRaw(raw []byte) error
	// Fail unblocks the waiter with err.
	Fail(err error)
	// StartedAt returns when Send was called.
	StartedAt() time.Time

	Send(ctx context.Context, sender Sender) error
	Wait(ctx context.Context) error
}

// Subscription is the capability set every logical stream exposes to a
// Connection. System subscriptions (pings, welcomes) satisfy it with
// nil-returning sub/unsub queries.
type Subscription interface {
	// ID is the client-unique identifier assigned at construction.
	ID() int64

	// Authenticated reports whether this subscription may only attach
	// to an authenticated connection.
	Authenticated() bool

	// StreamIdentifiers returns the routing keys this subscription
	// claims. Fixed after construction.
	StreamIdentifiers() []string

	// IsSystem reports whether this is the connection-internal system
	// subscription (never counted toward user_subscription_count).
	IsSystem() bool

	// BuildSubQuery returns the request that must be answered OK before
	// the subscription is considered active, or nil if none is needed.
	BuildSubQuery() QueryLike

	// BuildUnsubQuery returns the request to tear the subscription down
	// server-side, or nil if none is needed.
	BuildUnsubQuery() QueryLike

	// Handle is invoked for each inbound message routed to this
	// subscription. A returned error is logged, not fatal.
	Handle(ctx context.Context, identifier string, decoded any) error

	// RevitalizeAfterReconnect refreshes any stored sub-query credential
	// or nonce just before a resubscribe attempt. Most subscriptions are
	// no-ops here.
	RevitalizeAfterReconnect()

	// MarkConfirmed records that the sub-query ack was accepted.
	MarkConfirmed()

	// Confirmed reports whether MarkConfirmed has been called since
	// construction or the last reconnect cycle began.
	Confirmed() bool

	// ResetConfirmed clears Confirmed, called when a reconnect cycle
	// starts so §8 invariant 4 can be re-evaluated against the new
	// transport.
	ResetConfirmed()

	// Invocations returns the number of times Handle has completed.
	Invocations() uint64
}

var idCounter int64

// NextID returns the next client-unique subscription id. Scoped per
// process rather than per Client to keep subscription construction
// decoupled from any particular Client instance; Client still treats
// ids as client-unique because a process only ever drives one logical
// client's worth of subscriptions in this library's intended usage.
func NextID() int64 {
	return atomic.AddInt64(&idCounter, 1)
}

// DecodeFunc turns raw bytes for a given stream identifier into an
// opaque decoded value, per that identifier's registered payload shape.
type DecodeFunc func(identifier string, raw []byte) (any, error)

// HandlerFunc is the caller-supplied per-message callback.
type HandlerFunc func(ctx context.Context, identifier string, decoded any) error

// Base is an embeddable implementation of the bookkeeping every
// concrete Subscription needs (id, confirmed flag, invocation count),
// so exchange-specific subscription types only need to implement
// BuildSubQuery/BuildUnsubQuery/Handle.
type Base struct {
	id                int64
	authenticated     bool
	streamIdentifiers []string
	decode            DecodeFunc
	onMessage         HandlerFunc

	mu          sync.Mutex
	confirmed   bool
	invocations uint64
}

// NewBase constructs the embeddable bookkeeping for a user subscription.
func NewBase(authenticated bool, streamIdentifiers []string, decode DecodeFunc, onMessage HandlerFunc) Base {
	return Base{
		id:                NextID(),
		authenticated:     authenticated,
		streamIdentifiers: append([]string(nil), streamIdentifiers...),
		decode:            decode,
		onMessage:         onMessage,
	}
}

func (b *Base) ID() int64                      { return b.id }
func (b *Base) Authenticated() bool             { return b.authenticated }
func (b *Base) StreamIdentifiers() []string     { return b.streamIdentifiers }
func (b *Base) IsSystem() bool                  { return false }
func (b *Base) RevitalizeAfterReconnect()       {}
func (b *Base) Invocations() uint64             { return atomic.LoadUint64(&b.invocations) }

func (b *Base) MarkConfirmed() {
	b.mu.Lock()
	b.confirmed = true
	b.mu.Unlock()
}

func (b *Base) ResetConfirmed() {
	b.mu.Lock()
	b.confirmed = false
	b.mu.Unlock()
}

func (b *Base) Confirmed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.confirmed
}

// Decode resolves the concrete payload type for identifier and decodes
// raw into it.
func (b *Base) Decode(identifier string, raw []byte) (any, error) {
	if b.decode == nil {
		return raw, nil
	}
	return b.decode(identifier, raw)
}

// Handle invokes the caller-supplied handler and tracks invocation
// count. Embedders needing custom dispatch override Handle instead of
// using this.
func (b *Base) Handle(ctx context.Context, identifier string, decoded any) error {
	defer atomic.AddUint64(&b.invocations, 1)
	if b.onMessage == nil {
		return nil
	}
	return b.onMessage(ctx, identifier, decoded)
}

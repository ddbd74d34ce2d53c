package wsmux

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/xfeed-go/wsmux/pkg/logging"
	"github.com/xfeed-go/wsmux/pkg/metrics"
	"github.com/xfeed-go/wsmux/pkg/wsmux/query"
	"github.com/xfeed-go/wsmux/pkg/wsmux/subscription"
	"github.com/xfeed-go/wsmux/pkg/wsmux/wserrors"
)

// Client is the socket API client: a pool of Connections grouped by
// tag address, grown lazily up to MaxSocketConnections and coalesced
// toward SocketSubscriptionsCombineTarget subscriptions per connection.
// One client owns many managed connections behind a single mutex,
// generalized from a single persistent tunnel to a multiplexed,
// per-tag pool.
type Client struct {
	opts *ClientOptions

	mu          sync.RWMutex
	connections map[int64]*Connection
	byTag       map[string][]int64

	connectGate sync.Mutex

	periodicMu sync.Mutex
	periodic   []periodicSpec

	ctx       context.Context
	cancel    context.CancelFunc
	disposing bool
}

// NewClient validates opts and builds a Client ready to Subscribe/Query.
func NewClient(opts *ClientOptions) (*Client, error) {
	if opts == nil {
		opts = DefaultClientOptions()
	}
	if opts.Identify == nil {
		return nil, fmt.Errorf("%w: ClientOptions.Identify is required", wserrors.ErrInvalidOperation)
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("%w: ClientOptions.Factory is required", wserrors.ErrInvalidOperation)
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("%w: ClientOptions.Sink is required", wserrors.ErrInvalidOperation)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.MaxSocketConnections <= 0 {
		opts.MaxSocketConnections = DefaultMaxSocketConnections
	}

	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:        opts,
		connections: make(map[int64]*Connection),
		byTag:       make(map[string][]int64),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func (c *Client) rootCtx() context.Context { return c.ctx }

func (c *Client) isDisposing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disposing
}

func (c *Client) credentials() Credentials {
	if c.opts.APICredentials == nil {
		return Credentials{}
	}
	return *c.opts.APICredentials
}

func (c *Client) rewriteURL(tag string) string {
	if c.opts.RewriteURI == nil {
		return tag
	}
	return c.opts.RewriteURI(tag)
}

func (c *Client) periodicSpecs() []periodicSpec {
	c.periodicMu.Lock()
	defer c.periodicMu.Unlock()
	return append([]periodicSpec(nil), c.periodic...)
}

// QueryPeriodic registers a periodic query run once per interval, once
// per connection per tick. It is owned per connection rather than by a
// single client-global timer so a reconnect cycle can't skip or double
// a tick. Connections already running when this is called pick it up
// on their next reconnect cycle, not immediately.
func (c *Client) QueryPeriodic(interval time.Duration, build PeriodicQueryBuilder, onResult PeriodicResultFunc) {
	c.periodicMu.Lock()
	c.periodic = append(c.periodic, periodicSpec{interval: interval, build: build, onResult: onResult})
	c.periodicMu.Unlock()
}

func (c *Client) forgetConnection(id int64) {
	c.mu.Lock()
	conn, ok := c.connections[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.connections, id)
	ids := c.byTag[conn.Tag()]
	for i, cid := range ids {
		if cid == id {
			c.byTag[conn.Tag()] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if conn.everConnected() && metrics.ActiveConnections != nil {
		_ = metrics.ActiveConnections.Dec()
	}
}

// addressFor resolves the tag address a subscription/query should dial,
// defaulting to the client's BaseAddress.
func (c *Client) addressFor(addr string) string {
	if addr != "" {
		return addr
	}
	return c.opts.BaseAddress
}

// getOrCreateConnection implements the pool's connection-selection
// policy: reuse a suitable existing connection under the tag's pool
// when one exists and has room (or, for transient queries, any one
// that's connected), grow the pool up to MaxSocketConnections, and
// otherwise saturation-fall-back onto the least-loaded eligible
// connection rather than fail outright. Selection itself is serialized
// by connectGate so at most one connect-or-create decision for this
// client is ever in flight.
func (c *Client) getOrCreateConnection(ctx context.Context, addr string, authenticated, forSubscription bool) (*Connection, error) {
	tag := c.addressFor(addr)

	c.connectGate.Lock()
	defer c.connectGate.Unlock()

	if authenticated && c.opts.Authenticate == nil {
		return nil, wserrors.ErrNoCredentials
	}

	c.mu.RLock()
	ids := append([]int64(nil), c.byTag[tag]...)
	total := len(c.connections)
	c.mu.RUnlock()

	candidates := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		c.mu.RLock()
		conn := c.connections[id]
		c.mu.RUnlock()
		if conn == nil {
			continue
		}
		st := conn.Status()
		if st != StatusNone && st != StatusConnected {
			continue
		}
		if authenticated && !conn.Authenticated() {
			continue
		}
		candidates = append(candidates, conn)
	}

	var best *Connection
	bestLoad := -1
	for _, conn := range candidates {
		if forSubscription && !conn.CanAddSubscription() {
			continue
		}
		load := conn.UserSubscriptionCount()
		if best == nil || load < bestLoad {
			best = conn
			bestLoad = load
		}
	}
	if best != nil {
		return best, nil
	}

	if total < c.opts.MaxSocketConnections {
		return c.createConnection(ctx, tag, authenticated)
	}

	// Pool is saturated: fall back onto the least-loaded connection
	// under this tag, even over the combine target. A brand-new
	// connection is refused only once the whole pool, not just this
	// tag, is at capacity.
	bestLoad = -1
	for _, conn := range candidates {
		load := conn.UserSubscriptionCount()
		if best == nil || load < bestLoad {
			best = conn
			bestLoad = load
		}
	}
	if best != nil {
		return best, nil
	}

	return nil, fmt.Errorf("%w: connection pool saturated for %q", wserrors.ErrCantConnect, tag)
}

func (c *Client) createConnection(ctx context.Context, tag string, authenticated bool) (*Connection, error) {
	conn := newConnection(c, tag, tag)

	c.mu.Lock()
	c.connections[conn.ID()] = conn
	c.byTag[tag] = append(c.byTag[tag], conn.ID())
	c.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		c.forgetConnection(conn.ID())
		return nil, err
	}

	if authenticated {
		if err := conn.Authenticate(ctx, c.credentials()); err != nil {
			c.forgetConnection(conn.ID())
			return nil, err
		}
	}

	if metrics.ActiveConnections != nil {
		_ = metrics.ActiveConnections.Inc()
	}
	conn.markCountedLive()

	return conn, nil
}

// Subscribe selects or creates a connection for addr, sends the
// subscription's sub-query (if any) and waits for its ack, then
// attaches the subscription so inbound frames start routing to it.
func (c *Client) Subscribe(ctx context.Context, sub subscription.Subscription, addr string) error {
	if c.isDisposing() {
		return fmt.Errorf("%w: client is disposing", wserrors.ErrInvalidOperation)
	}
	if sub.Authenticated() && c.opts.APICredentials == nil {
		return wserrors.ErrNoCredentials
	}

	conn, err := c.getOrCreateConnection(ctx, addr, sub.Authenticated(), true)
	if err != nil {
		return err
	}

	if conn.PausedActivity() {
		return wserrors.ErrSocketPaused
	}

	if subQuery := sub.BuildSubQuery(); subQuery != nil {
		if err := conn.sendAndWaitQueryLike(ctx, subQuery); err != nil {
			if errors.Is(err, wserrors.ErrCancellationRequested) {
				if unsub := sub.BuildUnsubQuery(); unsub != nil {
					uctx, cancel := context.WithTimeout(context.Background(), defaultUnsubAckGrace)
					_ = conn.sendAndWaitQueryLike(uctx, unsub)
					cancel()
				}
			}
			return err
		}
	}

	conn.AddSubscription(sub)
	sub.MarkConfirmed()
	return nil
}

// Unsubscribe detaches sub from whichever connection hosts it, sending
// its unsub-query best-effort.
func (c *Client) Unsubscribe(ctx context.Context, sub subscription.Subscription) error {
	conn := c.connectionFor(sub.ID())
	if conn == nil {
		return nil
	}
	return conn.Close(sub, true)
}

func (c *Client) connectionFor(subID int64) *Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conn := range c.connections {
		conn.mu.Lock()
		_, ok := conn.subscriptions[subID]
		conn.mu.Unlock()
		if ok {
			return conn
		}
	}
	return nil
}

// UnsubscribeAll tears down every non-system subscription across the
// whole pool. Connections that drop to zero user subscriptions close
// entirely, per Connection.Close's teardown rule.
func (c *Client) UnsubscribeAll(ctx context.Context) {
	c.mu.RLock()
	conns := make([]*Connection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()

	for _, conn := range conns {
		conn.mu.Lock()
		subs := make([]subscription.Subscription, 0, len(conn.subscriptions))
		for _, s := range conn.subscriptions {
			if !s.IsSystem() {
				subs = append(subs, s)
			}
		}
		conn.mu.Unlock()
		for _, s := range subs {
			_ = conn.Close(s, true)
		}
	}
}

// ReconnectAll forces every live connection to drop and re-establish
// its transport, resubscribing everything.
func (c *Client) ReconnectAll() {
	c.mu.RLock()
	conns := make([]*Connection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()

	for _, conn := range conns {
		conn.TriggerReconnect()
	}
}

// Dispose tears the whole client down: every connection is disposed
// (pending queries cancelled, live subscriptions best-effort
// unsubscribed, transports closed). The Client is unusable afterward.
func (c *Client) Dispose() {
	c.mu.Lock()
	c.disposing = true
	conns := make([]*Connection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	c.connections = make(map[int64]*Connection)
	c.byTag = make(map[string][]int64)
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Dispose()
	}
	c.cancel()
}

// Query sends a one-shot authenticated or unauthenticated request over
// a selected connection and waits for its matching reply, without
// installing any lasting subscription.
func Query[T any](ctx context.Context, c *Client, addr string, authenticated bool, payload any, timeout time.Duration, matches query.Matcher, decode query.DecodeFunc[T]) (T, error) {
	if c.isDisposing() {
		var zero T
		return zero, fmt.Errorf("%w: client is disposing", wserrors.ErrInvalidOperation)
	}
	conn, err := c.getOrCreateConnection(ctx, addr, authenticated, false)
	if err != nil {
		var zero T
		return zero, err
	}
	q := query.New[T](payload, authenticated, timeout, matches, decode)
	return SendAndWaitQuery(ctx, conn, q)
}

func parseProxyURL(raw string) (*url.URL, error) {
	return url.Parse(raw)
}

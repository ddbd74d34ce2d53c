package wsmux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xfeed-go/wsmux/pkg/logging"
	"github.com/xfeed-go/wsmux/pkg/metrics"
	"github.com/xfeed-go/wsmux/pkg/wsmux/pipeline"
	"github.com/xfeed-go/wsmux/pkg/wsmux/query"
	"github.com/xfeed-go/wsmux/pkg/wsmux/sink"
	"github.com/xfeed-go/wsmux/pkg/wsmux/subscription"
	"github.com/xfeed-go/wsmux/pkg/wsmux/transport"
	"github.com/xfeed-go/wsmux/pkg/wsmux/wserrors"
)

// Status is the lifecycle state of a Connection.
type Status int32

const (
	StatusNone Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosing
	StatusClosed
	StatusDisposed
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// PeriodicQueryBuilder builds the request, matcher and decode function
// for one tick of a periodic query. Returning a nil req skips the tick
// for this connection.
type PeriodicQueryBuilder func(ctx context.Context, conn *Connection) (req any, matches query.Matcher, decode query.DecodeFunc[any])

// PeriodicResultFunc is invoked with the outcome of one periodic query
// tick, once per connection per tick.
type PeriodicResultFunc func(conn *Connection, result any, err error)

type periodicSpec struct {
	interval time.Duration
	build    PeriodicQueryBuilder
	onResult PeriodicResultFunc
}

// Connection owns one physical WebSocket, hosts many Subscriptions,
// dispatches inbound messages, tracks liveness, and drives its own
// reconnect+resubscribe cycle: a connect/dispatchLoop/reconnectLoop
// shape with a single-writer mutex guarding sends.
type Connection struct {
	id     int64
	tag    string
	client *Client

	mu               sync.Mutex
	status           Status
	connectionURI    string
	authenticated    bool
	pausedActivity   bool
	subscriptions    map[int64]subscription.Subscription
	subsByIdentifier map[string]map[int64]struct{}
	userSubCount     int
	pending          []query.Pending
	conn             transport.Conn
	reconnectAttempt int

	sendMu sync.Mutex

	incomingBytes int64
	kbpsWindow    time.Time
	kbpsBytes     int64
	kbps          float64

	countedLive bool // true once metrics.ActiveConnections counted this connection

	ctx    context.Context
	cancel context.CancelFunc

	dispatchDone chan struct{}

	periodicStop chan struct{}
	periodicWG   sync.WaitGroup

	logger   *slog.Logger
	pipeline *pipeline.Pipeline
}

func newConnection(client *Client, tag, uri string) *Connection {
	ctx, cancel := context.WithCancel(client.rootCtx())
	id := nextSocketID()

	c := &Connection{
		id:               id,
		tag:              tag,
		client:           client,
		status:           StatusNone,
		connectionURI:    uri,
		subscriptions:    make(map[int64]subscription.Subscription),
		subsByIdentifier: make(map[string]map[int64]struct{}),
		ctx:              ctx,
		cancel:           cancel,
		kbpsWindow:       time.Now(),
		logger:           logging.WithConnection(client.opts.Logger, id, tag),
	}
	c.pipeline = pipeline.New(client.opts.Interceptor, client.opts.Identify, client.opts.OutputOriginalData)

	for _, sys := range client.opts.SystemSubscriptions {
		c.attachSubscription(sys)
	}

	return c
}

// ID returns the process-unique socket id.
func (c *Connection) ID() int64 { return c.id }

// Tag returns the logical base address used for pool matching.
func (c *Connection) Tag() string { return c.tag }

// Status returns the current lifecycle status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Authenticated reports whether the connection completed an
// authentication handshake.
func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// PausedActivity reports whether the connection is mid-reconnect.
func (c *Connection) PausedActivity() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pausedActivity
}

// UserSubscriptionCount returns the number of non-system subscriptions
// currently attached.
func (c *Connection) UserSubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userSubCount
}

// URI returns the address last dialed for this connection, which may
// differ from Tag after ClientOptions.RewriteURI has run.
func (c *Connection) URI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionURI
}

// UserSubscriptions returns the non-system subscriptions currently
// attached, for diagnostics dumps. The returned slice is a snapshot;
// mutating it has no effect on the connection.
func (c *Connection) UserSubscriptions() []subscription.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]subscription.Subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		if !s.IsSystem() {
			subs = append(subs, s)
		}
	}
	return subs
}

// CanAddSubscription reports whether the connection is eligible to
// accept one more subscription right now (status is None or Connected,
// not closing/disposed, and under the combine target).
// Saturation-fallback eligibility is decided by the Client, which has
// visibility across the whole pool; this method only reports capacity.
func (c *Connection) CanAddSubscription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusNone && c.status != StatusConnected {
		return false
	}
	target := c.client.opts.SocketSubscriptionsCombineTarget
	if target <= 0 {
		return true
	}
	return c.userSubCount < target
}

// AddSubscription atomically attaches s, incrementing the user count
// unless s is a system subscription.
func (c *Connection) AddSubscription(s subscription.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachSubscriptionLocked(s)
}

func (c *Connection) attachSubscription(s subscription.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachSubscriptionLocked(s)
}

func (c *Connection) attachSubscriptionLocked(s subscription.Subscription) {
	c.subscriptions[s.ID()] = s
	for _, ident := range s.StreamIdentifiers() {
		set, ok := c.subsByIdentifier[ident]
		if !ok {
			set = make(map[int64]struct{})
			c.subsByIdentifier[ident] = set
		}
		set[s.ID()] = struct{}{}
	}
	if !s.IsSystem() {
		c.userSubCount++
		if metrics.ActiveSubscriptions != nil {
			_ = metrics.ActiveSubscriptions.Inc()
		}
	}
}

func (c *Connection) detachSubscriptionLocked(id int64) subscription.Subscription {
	s, ok := c.subscriptions[id]
	if !ok {
		return nil
	}
	delete(c.subscriptions, id)
	for _, ident := range s.StreamIdentifiers() {
		if set, ok := c.subsByIdentifier[ident]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(c.subsByIdentifier, ident)
			}
		}
	}
	if !s.IsSystem() {
		c.userSubCount--
		if metrics.ActiveSubscriptions != nil {
			_ = metrics.ActiveSubscriptions.Dec()
		}
	}
	return s
}

// Connect dials the transport, transitioning None -> Connecting ->
// Connected, then starts the dispatch loop and any periodic query
// tasks. Fails with wserrors.ErrCantConnect on transport failure.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusNone {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	uri := c.connectionURI
	c.mu.Unlock()

	conn, err := c.dial(ctx, uri)
	if err != nil {
		c.setStatus(StatusClosed)
		return fmt.Errorf("%w: %v", wserrors.ErrCantConnect, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.status = StatusConnected
	c.mu.Unlock()

	if c.client.opts.DelayAfterConnect > 0 {
		select {
		case <-time.After(c.client.opts.DelayAfterConnect):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.dispatchDone = make(chan struct{})
	go c.dispatchLoop(conn, c.dispatchDone)
	c.startPeriodic()

	return nil
}

func (c *Connection) dial(ctx context.Context, uri string) (transport.Conn, error) {
	params := transport.Params{
		URI:               uri,
		AutoReconnect:     c.client.opts.AutoReconnect,
		ReconnectInterval: c.client.opts.ReconnectInterval,
		KeepAliveInterval: c.client.opts.KeepAliveInterval,
		HandshakeTimeout:  10 * time.Second,
		RateLimiters:      c.client.opts.RateLimiters,
	}
	if c.client.opts.Proxy != "" {
		if u, err := parseProxyURL(c.client.opts.Proxy); err == nil {
			params.Proxy = u
		}
	}
	return c.client.opts.Factory.Dial(ctx, params)
}

// Authenticate runs the client's configured authentication hook against
// this connection. On failure the connection is closed.
func (c *Connection) Authenticate(ctx context.Context, creds Credentials) error {
	if c.client.opts.Authenticate == nil {
		return nil
	}
	if err := c.client.opts.Authenticate(ctx, c, creds); err != nil {
		wrapped := wserrors.NewAuthenticationFailed(err)
		_ = c.Close(nil, false)
		return wrapped
	}
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	return nil
}

// WriteRequest marshals payload (passing []byte through unchanged) and
// writes it to the transport, consulting rate limiters first. It
// implements both query.Sender and subscription.Sender.
func (c *Connection) WriteRequest(ctx context.Context, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}

	for _, limiter := range c.client.opts.RateLimiters {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return wserrors.ErrConnectionLost
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return conn.Send(ctx, data)
}

func encodePayload(payload any) ([]byte, error) {
	if b, ok := payload.([]byte); ok {
		return b, nil
	}
	return json.Marshal(payload)
}

// SendAndWaitQuery registers q in the pending-queries set, transmits
// it, and blocks until it matches, times out, or ctx is cancelled.
func SendAndWaitQuery[T any](ctx context.Context, c *Connection, q *query.Query[T]) (T, error) {
	c.mu.Lock()
	c.pending = append(c.pending, q)
	c.mu.Unlock()

	q.OnCancelUnsub(func(ctx context.Context) {
		// best-effort: caller-supplied unsub is wired by the Client at
		// a higher level (it knows the Subscription); Connection only
		// guarantees the query itself is dequeued so it can't match a
		// later, unrelated frame.
		c.removePending(q.QueryID())
	})

	if err := q.Send(ctx, c); err != nil {
		c.removePending(q.QueryID())
		var zero T
		return zero, err
	}

	resp, err := q.Wait(ctx)
	c.removePending(q.QueryID())
	observeQueryDuration("query", q.StartedAt())
	return resp, err
}

// observeQueryDuration records a query's round-trip latency against
// metrics.QueryDurationSeconds, labeled by kind ("query" for a
// client.Query call including periodic ticks, "sub" for a
// subscription's sub/unsub acknowledgement). A zero startedAt means
// the query was never sent and is not observed.
func observeQueryDuration(kind string, startedAt time.Time) {
	if metrics.QueryDurationSeconds == nil || startedAt.IsZero() {
		return
	}
	if vec, err := metrics.QueryDurationSeconds.WithLabels(kind); err == nil {
		vec.Observe(time.Since(startedAt).Seconds())
	}
}

// sendAndWaitQueryLike registers a subscription's opaque sub/unsub
// query in the pending-queries set the same way SendAndWaitQuery does
// for a typed *query.Query[T], so an inbound ack is routed back to it
// by dispatchToPendingQuery.
func (c *Connection) sendAndWaitQueryLike(ctx context.Context, q subscription.QueryLike) error {
	var pending query.Pending = q

	c.mu.Lock()
	c.pending = append(c.pending, pending)
	c.mu.Unlock()

	if err := q.Send(ctx, c); err != nil {
		c.removePending(q.QueryID())
		return err
	}

	err := q.Wait(ctx)
	c.removePending(q.QueryID())
	observeQueryDuration("sub", q.StartedAt())
	return err
}

func (c *Connection) removePending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p.QueryID() == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// dispatchLoop is the single reader/router goroutine for one physical
// transport.Conn. Inbound dispatch is strictly sequential: at most one
// message is being routed to handlers at a time.
func (c *Connection) dispatchLoop(conn transport.Conn, done chan struct{}) {
	defer close(done)

	idleTimer := c.newIdleTimer()
	defer c.stopIdleTimer(idleTimer)

	for {
		select {
		case raw, ok := <-conn.Messages():
			if !ok {
				c.onTransportLost(conn.Err())
				return
			}
			c.resetIdleTimer(idleTimer)
			c.trackThroughput(len(raw))
			c.handleFrame(raw)
		case <-c.idleTimeoutFired(idleTimer):
			c.onTransportLost(errors.New("no data received within idle timeout"))
			return
		case <-conn.Closed():
			c.onTransportLost(conn.Err())
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) handleFrame(raw []byte) {
	env, err := c.pipeline.Parse(raw)
	if err != nil {
		if metrics.UnparsedMessagesTotal != nil {
			_ = metrics.UnparsedMessagesTotal.Inc()
		}
		c.client.opts.Sink.Log(&sink.Entry{Kind: sink.KindUnparsed, SocketID: c.id, Data: raw, Err: err})
		return
	}

	if c.dispatchToPendingQuery(env) {
		return
	}

	if !c.dispatchToSubscriptions(env) {
		if metrics.UnhandledMessagesTotal != nil {
			_ = metrics.UnhandledMessagesTotal.Inc()
		}
		c.client.opts.Sink.Log(&sink.Entry{Kind: sink.KindUnhandled, SocketID: c.id, Identifiers: env.Identifiers, Data: env.Data})
		if !c.client.opts.UnhandledExpected && c.logger != nil {
			c.logger.Warn("unhandled message", "identifiers", env.Identifiers)
		}
	}
}

// dispatchToPendingQuery checks pending queries in insertion order; if
// one matches, it is completed. Returns true if a query matched and
// ContinueOnQueryResponse is false (so the caller stops there, per the
// "query response not leaking to subs" scenario).
func (c *Connection) dispatchToPendingQuery(env *pipeline.Envelope) bool {
	c.mu.Lock()
	var matched query.Pending
	var idx int
	for i, p := range c.pending {
		if p.Matches(env.Data) {
			matched = p
			idx = i
			break
		}
	}
	if matched != nil {
		c.pending = append(c.pending[:idx], c.pending[idx+1:]...)
	}
	c.mu.Unlock()

	if matched == nil {
		return false
	}

	_ = matched.CompleteFromRaw(env.Data)
	return !c.client.opts.ContinueOnQueryResponse
}

func (c *Connection) dispatchToSubscriptions(env *pipeline.Envelope) bool {
	type target struct {
		sub   subscription.Subscription
		ident string
	}

	c.mu.Lock()
	var targets []target
	for _, ident := range env.Identifiers {
		for subID := range c.subsByIdentifier[ident] {
			if s, ok := c.subscriptions[subID]; ok {
				targets = append(targets, target{sub: s, ident: ident})
			}
		}
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		return false
	}

	for _, t := range targets {
		decoded, err := t.sub.Decode(t.ident, env.Data)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("decode failed", "subscription_id", t.sub.ID(), "error", err)
			}
			continue
		}
		if err := t.sub.Handle(c.ctx, t.ident, decoded); err != nil && c.logger != nil {
			c.logger.Warn("subscription handler failed", "subscription_id", t.sub.ID(), "error", err)
		}
	}
	return true
}

// Close tears the connection down. If sub is non-nil, only that
// subscription is removed: its unsub-query is sent when applicable,
// and full teardown is scheduled iff the remaining user subscription
// count reaches zero. With sub == nil, everything is torn down.
func (c *Connection) Close(sub subscription.Subscription, sendUnsub bool) error {
	if sub == nil {
		return c.teardown()
	}

	c.mu.Lock()
	removed := c.detachSubscriptionLocked(sub.ID())
	remaining := c.userSubCount
	c.mu.Unlock()

	if removed == nil {
		return nil
	}

	if sendUnsub {
		c.sendUnsubBestEffort(removed)
	}

	if remaining == 0 {
		return c.teardown()
	}
	return nil
}

func (c *Connection) sendUnsubBestEffort(sub subscription.Subscription) {
	unsub := sub.BuildUnsubQuery()
	if unsub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultUnsubAckGrace)
	defer cancel()
	_ = c.sendAndWaitQueryLike(ctx, unsub) // fire-and-forget with a bounded wait; ignore the outcome either way
}

func (c *Connection) teardown() error {
	c.mu.Lock()
	if c.status == StatusClosed || c.status == StatusDisposed {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusClosing
	conn := c.conn
	c.mu.Unlock()

	c.stopPeriodic()
	c.cancel()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	c.setStatus(StatusClosed)
	c.client.forgetConnection(c.id)
	return err
}

// TriggerReconnect forces the transport closed, preserving the
// subscription set so the reconnect loop resubscribes everything.
func (c *Connection) TriggerReconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Dispose cancels all pending queries, best-effort unsubs every live
// subscription, and closes the transport. Terminal: the connection
// never reconnects after Dispose.
func (c *Connection) Dispose() {
	c.mu.Lock()
	c.status = StatusDisposed
	pending := append([]query.Pending(nil), c.pending...)
	c.pending = nil
	subs := make([]subscription.Subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, s)
	}
	conn := c.conn
	c.mu.Unlock()

	for _, p := range pending {
		p.Fail(wserrors.ErrInvalidOperation)
	}
	for _, s := range subs {
		if !s.IsSystem() {
			c.sendUnsubBestEffort(s)
		}
	}

	c.stopPeriodic()
	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Connection) onTransportLost(cause error) {
	c.mu.Lock()
	if c.status == StatusClosed || c.status == StatusDisposed || c.status == StatusClosing {
		c.mu.Unlock()
		return
	}
	c.status = StatusReconnecting
	c.pausedActivity = true
	pending := append([]query.Pending(nil), c.pending...)
	c.pending = nil
	for _, s := range c.subscriptions {
		s.ResetConfirmed()
	}
	c.mu.Unlock()

	for _, p := range pending {
		if cause != nil {
			p.Fail(fmt.Errorf("%w: %v", wserrors.ErrConnectionLost, cause))
		} else {
			p.Fail(wserrors.ErrConnectionLost)
		}
	}

	if !c.client.opts.AutoReconnect {
		c.setStatus(StatusClosed)
		c.client.forgetConnection(c.id)
		return
	}

	go c.reconnectLoop()
}

// reconnectLoop implements the Reconnecting state machine: capped
// exponential backoff, dial, authenticate, resubscribe everything; any
// single failure re-arms backoff.
func (c *Connection) reconnectLoop() {
	delay := c.client.opts.ReconnectInterval
	if delay <= 0 {
		delay = DefaultReconnectInterval
	}
	maxDelay := c.client.opts.MaxReconnectInterval
	if maxDelay <= 0 {
		maxDelay = DefaultMaxReconnectInterval
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		uri := c.client.rewriteURL(c.tag)
		conn, err := c.dial(c.ctx, uri)
		if err != nil {
			delay = nextBackoff(delay, maxDelay)
			continue
		}

		// The real dispatch loop can't start until resubscribe either
		// succeeds or gives up (it needs to own c.pending/subscriptions
		// without racing resubscribeAll's own use of them), but sub-query
		// acks still have to be routed while it waits. A priming loop
		// reads the new conn exactly like the real dispatch loop
		// (c.handleFrame) until resubscribeAll returns, then hands the
		// conn off cleanly.
		c.mu.Lock()
		c.conn = conn
		c.connectionURI = uri
		c.mu.Unlock()

		primingStop := make(chan struct{})
		primingDone := make(chan struct{})
		go c.primingLoop(conn, primingStop, primingDone)

		err = c.resubscribeAll(c.ctx)
		close(primingStop)
		<-primingDone

		if err != nil {
			_ = conn.Close()
			delay = nextBackoff(delay, maxDelay)
			continue
		}

		c.mu.Lock()
		c.status = StatusConnected
		c.pausedActivity = false
		c.mu.Unlock()

		if metrics.ReconnectsTotal != nil {
			_ = metrics.ReconnectsTotal.Inc()
		}

		c.dispatchDone = make(chan struct{})
		go c.dispatchLoop(conn, c.dispatchDone)
		c.startPeriodic()
		return
	}
}

// primingLoop services inbound frames for the brief window between a
// reconnect's transport open and resubscribeAll's completion, so
// sub-query acks (and anything an Authenticate hook waits on) are
// routed the same way the steady-state dispatch loop would.
func (c *Connection) primingLoop(conn transport.Conn, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case raw, ok := <-conn.Messages():
			if !ok {
				return
			}
			c.handleFrame(raw)
		case <-conn.Closed():
			return
		case <-stop:
			return
		}
	}
}

func (c *Connection) resubscribeAll(ctx context.Context) error {
	if c.client.opts.Authenticate != nil {
		if err := c.client.opts.Authenticate(ctx, c, c.client.credentials()); err != nil {
			return wserrors.NewAuthenticationFailed(err)
		}
		c.mu.Lock()
		c.authenticated = true
		c.mu.Unlock()
	}

	c.mu.Lock()
	subs := make([]subscription.Subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.RevitalizeAfterReconnect()
		subQuery := s.BuildSubQuery()
		if subQuery == nil {
			s.MarkConfirmed()
			continue
		}
		if err := c.sendAndWaitQueryLike(ctx, subQuery); err != nil {
			return err
		}
		s.MarkConfirmed()
	}
	return nil
}

func nextBackoff(delay, max time.Duration) time.Duration {
	delay *= 2
	if delay > max {
		delay = max
	}
	return delay
}

func (c *Connection) trackThroughput(n int) {
	if metrics.IncomingBytesTotal != nil {
		_ = metrics.IncomingBytesTotal.Add(float64(n))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.incomingBytes += int64(n)
	c.kbpsBytes += int64(n)
	elapsed := time.Since(c.kbpsWindow)
	if elapsed >= time.Second {
		c.kbps = float64(c.kbpsBytes) / 1024 / elapsed.Seconds()
		c.kbpsBytes = 0
		c.kbpsWindow = time.Now()
	}
}

// IncomingKBPS returns the most recently computed inbound throughput.
func (c *Connection) IncomingKBPS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kbps
}

// markCountedLive records that this connection was counted in
// metrics.ActiveConnections, so forgetConnection knows to decrement it
// exactly once even though Connect can fail before the gauge is ever
// incremented.
func (c *Connection) markCountedLive() {
	c.mu.Lock()
	c.countedLive = true
	c.mu.Unlock()
}

func (c *Connection) everConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countedLive
}

func (c *Connection) newIdleTimer() *time.Timer {
	timeout := c.client.opts.SocketNoDataTimeout
	if timeout <= 0 {
		return nil
	}
	return time.NewTimer(timeout)
}

func (c *Connection) resetIdleTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(c.client.opts.SocketNoDataTimeout)
}

func (c *Connection) stopIdleTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *Connection) idleTimeoutFired(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (c *Connection) startPeriodic() {
	specs := c.client.periodicSpecs()
	if len(specs) == 0 {
		return
	}
	c.periodicStop = make(chan struct{})
	for _, spec := range specs {
		c.periodicWG.Add(1)
		go c.runPeriodic(spec, c.periodicStop)
	}
}

func (c *Connection) stopPeriodic() {
	c.mu.Lock()
	stop := c.periodicStop
	c.periodicStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	c.periodicWG.Wait()
}

func (c *Connection) runPeriodic(spec periodicSpec, stop chan struct{}) {
	defer c.periodicWG.Done()
	ticker := time.NewTicker(spec.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.runPeriodicTick(spec)
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) runPeriodicTick(spec periodicSpec) {
	if c.client.isDisposing() {
		return
	}
	defer func() {
		// A single bad tick must never take down the periodic loop.
		if r := recover(); r != nil && c.logger != nil {
			c.logger.Error("periodic query panicked", "panic", r)
		}
	}()

	req, matches, decode := spec.build(c.ctx, c)
	if req == nil {
		return
	}
	q := query.New[any](req, false, defaultQueryTimeout, matches, decode)
	result, err := SendAndWaitQuery(c.ctx, c, q)
	if spec.onResult != nil {
		spec.onResult(c, result, err)
	}
}

package wsmux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xfeed-go/wsmux/pkg/wsmux/subscription"
	"github.com/xfeed-go/wsmux/pkg/wsmux/transport/faketransport"
	"github.com/xfeed-go/wsmux/pkg/wsmux/wserrors"
)

func subscribeAndAck(t *testing.T, client *Client, factory *faketransport.Factory, conns map[string]*faketransport.Conn, addr, channel string) *subscription.Typed {
	t.Helper()
	conn, ok := conns[addr]
	if !ok {
		conn = faketransport.NewConn(addr, 8)
		conns[addr] = conn
		factory.Script(addr, func() (*faketransport.Conn, error) { return conn, nil })
	}

	sub := newTestSubscription(channel, func(context.Context, string, any) error { return nil })
	before := len(conn.Sent())

	errCh := make(chan error, 1)
	go func() { errCh <- client.Subscribe(context.Background(), sub, addr) }()

	require.Eventually(t, func() bool { return len(conn.Sent()) == before+1 }, time.Second, time.Millisecond)
	ack := parseTestFrame(conn.Sent()[before])
	conn.Push(ackFrame(ack.ID, true))

	require.NoError(t, <-errCh)
	return sub
}

func TestClientCoalescesSubscriptionsUpToCombineTarget(t *testing.T) {
	client, factory := newTestClient(t, func(o *ClientOptions) {
		o.SocketSubscriptionsCombineTarget = 3
		o.MaxSocketConnections = 2
	})
	conns := map[string]*faketransport.Conn{}

	for i := 0; i < 5; i++ {
		subscribeAndAck(t, client, factory, conns, "wss://x/feed", "ch"+string(rune('a'+i)))
	}

	snap := client.Snapshot()
	require.Len(t, snap.Connections, 2)
	loads := []int{snap.Connections[0].UserSubscriptions, snap.Connections[1].UserSubscriptions}
	assert.ElementsMatch(t, []int{3, 2}, loads)
}

func TestClientSaturationFallbackExceedsCombineTarget(t *testing.T) {
	client, factory := newTestClient(t, func(o *ClientOptions) {
		o.SocketSubscriptionsCombineTarget = 2
		o.MaxSocketConnections = 1
	})
	conns := map[string]*faketransport.Conn{}

	for i := 0; i < 3; i++ {
		subscribeAndAck(t, client, factory, conns, "wss://x/feed", "ch"+string(rune('a'+i)))
	}

	snap := client.Snapshot()
	require.Len(t, snap.Connections, 1)
	assert.Equal(t, 3, snap.Connections[0].UserSubscriptions)
}

func TestClientCancelMidHandshakeSendsExactlyOneUnsub(t *testing.T) {
	client, factory := newTestClient(t, nil)
	conn := scriptConn(t, factory, "wss://x/orders", 8)

	sub := newTestSubscription("orders", func(context.Context, string, any) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- client.Subscribe(ctx, sub, "wss://x/orders") }()

	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)
	cancel() // ack never arrives: the sub-query wait observes ctx cancellation

	err := <-errCh
	require.Error(t, err)

	require.Eventually(t, func() bool { return len(conn.Sent()) == 2 }, time.Second, time.Millisecond)
	unsub := parseTestFrame(conn.Sent()[1])
	assert.Equal(t, "unsubscribe", unsub.Type)
	assert.False(t, sub.Confirmed())

	snap := client.Snapshot()
	require.Len(t, snap.Connections, 1)
	assert.Equal(t, 0, snap.Connections[0].UserSubscriptions, "cancelled subscription must not be retained")
	assert.Equal(t, "connected", snap.Connections[0].Status, "connection stays healthy after a cancelled handshake")
}

func TestClientSnapshotReportsPerSubscriptionDetail(t *testing.T) {
	client, factory := newTestClient(t, nil)
	conns := map[string]*faketransport.Conn{}

	sub := subscribeAndAck(t, client, factory, conns, "wss://x/feed", "orders")
	require.NoError(t, sub.Handle(context.Background(), "orders", nil))

	snap := client.Snapshot()
	require.Len(t, snap.Connections, 1)
	require.Len(t, snap.Connections[0].Subscriptions, 1)

	ss := snap.Connections[0].Subscriptions[0]
	assert.Equal(t, sub.ID(), ss.ID)
	assert.True(t, ss.Confirmed)
	assert.Equal(t, uint64(1), ss.Invocations)
	assert.Equal(t, []string{"orders"}, ss.StreamIdentifiers)
	assert.NotEmpty(t, snap.Connections[0].ConnectionURI)
}

func TestClientSnapshotReportsRateLimiterHeadroom(t *testing.T) {
	client, _ := newTestClient(t, func(opts *ClientOptions) {
		opts.WithNamedRateLimit("outbound", 5, 5)
	})

	snap := client.Snapshot()
	require.Len(t, snap.RateLimiters, 1)
	assert.Equal(t, "outbound", snap.RateLimiters[0].Name)
	assert.Equal(t, float64(5), snap.RateLimiters[0].Max)
	assert.Equal(t, float64(5), snap.RateLimiters[0].Rate)
}

func TestClientDisposeUnsubscribesLiveSubscriptionsAndRejectsFurtherUse(t *testing.T) {
	client, factory := newTestClient(t, nil)
	conns := map[string]*faketransport.Conn{}

	var subs []*subscription.Typed
	for i := 0; i < 4; i++ {
		subs = append(subs, subscribeAndAck(t, client, factory, conns, "wss://x/feed", "ch"+string(rune('a'+i))))
	}

	conn := conns["wss://x/feed"]
	sentBefore := len(conn.Sent())

	client.Dispose()

	require.Eventually(t, func() bool { return len(conn.Sent()) >= sentBefore+4 }, time.Second, time.Millisecond)

	newSub := newTestSubscription("late", func(context.Context, string, any) error { return nil })
	err := client.Subscribe(context.Background(), newSub, "wss://x/feed")
	require.Error(t, err)
	assert.True(t, errors.Is(err, wserrors.ErrInvalidOperation))
}

func TestClientUnsubscribeAllClosesConnectionsWithNoSystemTraffic(t *testing.T) {
	client, factory := newTestClient(t, nil)
	conns := map[string]*faketransport.Conn{}

	subscribeAndAck(t, client, factory, conns, "wss://x/feed", "a")
	subscribeAndAck(t, client, factory, conns, "wss://x/feed", "b")

	client.UnsubscribeAll(context.Background())

	require.Eventually(t, func() bool {
		return client.Snapshot().TotalConnections == 0
	}, time.Second, time.Millisecond)
}

func TestClientQueryDoesNotConsumeCombineTargetCapacity(t *testing.T) {
	client, factory := newTestClient(t, func(o *ClientOptions) {
		o.SocketSubscriptionsCombineTarget = 1
		o.MaxSocketConnections = 1
	})
	conn := scriptConn(t, factory, "wss://x/feed", 8)

	resultCh := make(chan testFrame, 1)
	errCh := make(chan error, 1)
	go func() {
		f, err := Query[testFrame](context.Background(), client, "wss://x/feed", false,
			map[string]any{"type": "ping"}, time.Second,
			func(parsed any) bool {
				raw, ok := parsed.([]byte)
				return ok && len(raw) > 0
			},
			decodeFrame)
		resultCh <- f
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)
	conn.Push(channelFrame("pong", 0))

	require.NoError(t, <-errCh)
	<-resultCh

	snap := client.Snapshot()
	require.Len(t, snap.Connections, 1)
	assert.Equal(t, 0, snap.Connections[0].UserSubscriptions, "a one-shot Query must not register a lasting subscription")
}

func TestClientReconnectAllForcesEveryConnectionToDrop(t *testing.T) {
	client, factory := newTestClient(t, nil)
	conns := map[string]*faketransport.Conn{}
	subscribeAndAck(t, client, factory, conns, "wss://x/feed", "a")

	conn := conns["wss://x/feed"]
	require.False(t, isClosedConn(conn))

	client.ReconnectAll()

	require.Eventually(t, func() bool { return isClosedConn(conn) }, time.Second, time.Millisecond)
}

func isClosedConn(c *faketransport.Conn) bool {
	select {
	case <-c.Closed():
		return true
	default:
		return false
	}
}

var _ = errors.New // keep errors imported for future assertions in this file

package wsmux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xfeed-go/wsmux/pkg/wsmux/transport/faketransport"
	"github.com/xfeed-go/wsmux/pkg/wsmux/wserrors"
)

func newTestClient(t *testing.T, configure func(*ClientOptions)) (*Client, *faketransport.Factory) {
	t.Helper()
	factory := faketransport.NewFactory()
	opts := newTestClientOptions(factory)
	if configure != nil {
		configure(opts)
	}
	client, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(client.Dispose)
	return client, factory
}

func scriptConn(t *testing.T, factory *faketransport.Factory, uri string, inboundBuffer int) *faketransport.Conn {
	t.Helper()
	conn := faketransport.NewConn(uri, inboundBuffer)
	factory.Script(uri, func() (*faketransport.Conn, error) { return conn, nil })
	return conn
}

func TestConnectionSubscribeAckAttachesSubscriptionAndDispatches(t *testing.T) {
	client, factory := newTestClient(t, nil)
	conn := scriptConn(t, factory, "wss://x/trades", 8)

	received := make(chan testFrame, 1)
	sub := newTestSubscription("trades", func(_ context.Context, _ string, decoded any) error {
		received <- decoded.(testFrame)
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- client.Subscribe(context.Background(), sub, "wss://x/trades") }()

	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)
	sent := parseTestFrame(conn.Sent()[0])
	conn.Push(ackFrame(sent.ID, true))

	require.NoError(t, <-errCh)
	assert.True(t, sub.Confirmed())

	conn.Push(channelFrame("trades", 1))
	select {
	case f := <-received:
		assert.Equal(t, "trades", f.Channel)
	case <-time.After(time.Second):
		t.Fatal("expected handler to receive dispatched update")
	}
}

func TestConnectionQueryResponseDoesNotLeakToSubscription(t *testing.T) {
	client, factory := newTestClient(t, func(o *ClientOptions) { o.ContinueOnQueryResponse = false })
	conn := scriptConn(t, factory, "wss://x/book", 8)

	var handlerCalls int
	sub := newTestSubscription("book", func(_ context.Context, _ string, _ any) error {
		handlerCalls++
		return nil
	})
	errCh := make(chan error, 1)
	go func() { errCh <- client.Subscribe(context.Background(), sub, "wss://x/book") }()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)
	subSent := parseTestFrame(conn.Sent()[0])
	conn.Push(ackFrame(subSent.ID, true))
	require.NoError(t, <-errCh)

	// A one-off query whose matcher also happens to be satisfied by a
	// frame carrying the "book" channel identifier.
	q := queryNew(t, "book")
	c := client.connectionFor(sub.ID())
	require.NotNil(t, c)

	waitErrCh := make(chan error, 1)
	go func() {
		_, err := SendAndWaitQuery(context.Background(), c, q)
		waitErrCh <- err
	}()

	require.Eventually(t, func() bool { return len(conn.Sent()) == 2 }, time.Second, time.Millisecond)
	conn.Push(channelFrame("book", 1))

	require.NoError(t, <-waitErrCh)
	assert.Equal(t, 0, handlerCalls, "query response must not also dispatch to the subscription")
}

func TestConnectionReconnectResubscribes(t *testing.T) {
	client, factory := newTestClient(t, nil)
	conn1 := scriptConn(t, factory, "wss://x/trades", 8)

	sub := newTestSubscription("trades", func(context.Context, string, any) error { return nil })
	errCh := make(chan error, 1)
	go func() { errCh <- client.Subscribe(context.Background(), sub, "wss://x/trades") }()
	require.Eventually(t, func() bool { return len(conn1.Sent()) == 1 }, time.Second, time.Millisecond)
	firstAck := parseTestFrame(conn1.Sent()[0])
	conn1.Push(ackFrame(firstAck.ID, true))
	require.NoError(t, <-errCh)
	assert.True(t, sub.Confirmed())

	conn2 := faketransport.NewConn("wss://x/trades", 8)
	factory.Script("wss://x/trades", func() (*faketransport.Conn, error) { return conn2, nil })

	conn1.Drop(errors.New("simulated transport loss"))

	require.Eventually(t, func() bool { return len(conn2.Sent()) == 1 }, time.Second, time.Millisecond)
	assert.False(t, sub.Confirmed(), "ResetConfirmed should clear confirmation while reconnecting")

	resubAck := parseTestFrame(conn2.Sent()[0])
	conn2.Push(ackFrame(resubAck.ID, true))

	require.Eventually(t, func() bool { return sub.Confirmed() }, time.Second, time.Millisecond)

	connObj := client.connectionFor(sub.ID())
	require.NotNil(t, connObj)
	require.Eventually(t, func() bool { return connObj.Status() == StatusConnected }, time.Second, time.Millisecond)
}

func TestConnectionTransportLossFailsPendingQueries(t *testing.T) {
	client, factory := newTestClient(t, nil)
	conn := scriptConn(t, factory, "wss://x/ticker", 8)

	sub := newTestSubscription("ticker", func(context.Context, string, any) error { return nil })
	errCh := make(chan error, 1)
	go func() { errCh <- client.Subscribe(context.Background(), sub, "wss://x/ticker") }()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)
	ack := parseTestFrame(conn.Sent()[0])
	conn.Push(ackFrame(ack.ID, true))
	require.NoError(t, <-errCh)

	c := client.connectionFor(sub.ID())
	require.NotNil(t, c)

	q := queryNew(t, "ticker")
	waitErrCh := make(chan error, 1)
	go func() {
		_, err := SendAndWaitQuery(context.Background(), c, q)
		waitErrCh <- err
	}()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 2 }, time.Second, time.Millisecond)

	// re-arm the reconnect target before dropping, so the loop has
	// somewhere to dial and doesn't just spin failing.
	conn2 := faketransport.NewConn("wss://x/ticker", 8)
	factory.Script("wss://x/ticker", func() (*faketransport.Conn, error) { return conn2, nil })
	conn.Drop(errors.New("boom"))

	err := <-waitErrCh
	require.Error(t, err)
	assert.True(t, errors.Is(err, wserrors.ErrConnectionLost))
}

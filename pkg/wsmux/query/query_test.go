package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xfeed-go/wsmux/pkg/wsmux/wserrors"
)

type fakeSender struct {
	sent []any
}

func (f *fakeSender) WriteRequest(_ context.Context, payload any) error {
	f.sent = append(f.sent, payload)
	return nil
}

func TestQueryCompleteUnblocksWaiter(t *testing.T) {
	q := New[string]("sub:trades", false, time.Second, func(parsed any) bool {
		return parsed == "ack"
	}, func(raw []byte) (string, error) { return string(raw), nil })

	sender := &fakeSender{}
	require.NoError(t, q.Send(context.Background(), sender))
	assert.Equal(t, []any{"sub:trades"}, sender.sent)
	assert.True(t, q.Matches("ack"))
	assert.False(t, q.Matches("other"))

	go q.Complete("accepted")

	resp, err := q.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "accepted", resp)
}

func TestQueryTimeoutRunsUnsubHook(t *testing.T) {
	q := New[string]("sub:trades", false, 10*time.Millisecond, func(any) bool { return false }, nil)

	hookCalled := make(chan struct{}, 1)
	q.OnCancelUnsub(func(context.Context) { hookCalled <- struct{}{} })

	require.NoError(t, q.Send(context.Background(), &fakeSender{}))

	_, err := q.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, wserrors.ErrCancellationRequested))
	assert.True(t, errors.Is(err, ErrTimeout))

	select {
	case <-hookCalled:
	case <-time.After(time.Second):
		t.Fatal("expected unsub hook to run after timeout")
	}
}

func TestQueryCancellationDoesNotRunHookBeforeSend(t *testing.T) {
	q := New[string]("sub:trades", false, time.Second, func(any) bool { return false }, nil)

	hookCalled := false
	q.OnCancelUnsub(func(context.Context) { hookCalled = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, wserrors.ErrCancellationRequested))
	assert.False(t, hookCalled, "unsub hook must not fire unless the query was sent")
}

func TestQueryFailOnlySignalsOnce(t *testing.T) {
	q := New[int](1, false, 0, func(any) bool { return true }, nil)

	q.Fail(errors.New("boom"))
	q.Complete(42) // no-op: the query already failed

	_, err := q.Wait(context.Background())
	require.Error(t, err)
	assert.EqualError(t, err, "boom")
}

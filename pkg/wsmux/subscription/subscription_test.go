package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedSubscriptionLifecycle(t *testing.T) {
	var received []string

	sub := NewTyped(
		false,
		[]string{"trades:BTC-USD"},
		func(identifier string, raw []byte) (any, error) { return string(raw), nil },
		func(_ context.Context, identifier string, decoded any) error {
			received = append(received, decoded.(string))
			return nil
		},
		nil, nil,
	)

	assert.NotZero(t, sub.ID())
	assert.False(t, sub.IsSystem())
	assert.False(t, sub.Confirmed())

	sub.MarkConfirmed()
	assert.True(t, sub.Confirmed())

	decoded, err := sub.Decode("trades:BTC-USD", []byte("tick-1"))
	require.NoError(t, err)
	require.NoError(t, sub.Handle(context.Background(), "trades:BTC-USD", decoded))

	assert.Equal(t, []string{"tick-1"}, received)
	assert.EqualValues(t, 1, sub.Invocations())

	sub.ResetConfirmed()
	assert.False(t, sub.Confirmed())
}

func TestSystemSubscriptionIsAlwaysConfirmed(t *testing.T) {
	sys := NewSystem([]string{"ping", "welcome"}, nil)

	assert.True(t, sys.IsSystem())
	assert.True(t, sys.Confirmed())
	assert.Nil(t, sys.BuildSubQuery())
	assert.Nil(t, sys.BuildUnsubQuery())

	sys.ResetConfirmed()
	assert.True(t, sys.Confirmed(), "system subscriptions stay confirmed across reconnects")

	require.NoError(t, sys.Handle(context.Background(), "ping", nil))
}

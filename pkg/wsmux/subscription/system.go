package subscription

import "context"

// System is a Subscription variant with no sub/unsub query, installed
// automatically on every Connection to handle server pings, welcomes,
// and other connection-scoped control frames that aren't addressed to
// any particular user subscription.
type System struct {
	streamIdentifiers []string
	onMessage         HandlerFunc

	confirmed bool // system subscriptions are considered confirmed immediately
}

// NewSystem builds a SystemSubscription that handles messages carrying
// any of streamIdentifiers (typically connection-level control topics
// like "ping"/"welcome").
func NewSystem(streamIdentifiers []string, onMessage HandlerFunc) *System {
	return &System{
		streamIdentifiers: append([]string(nil), streamIdentifiers...),
		onMessage:         onMessage,
		confirmed:         true,
	}
}

func (s *System) ID() int64 { return 0 }

func (s *System) Authenticated() bool { return false }

func (s *System) StreamIdentifiers() []string { return s.streamIdentifiers }

func (s *System) IsSystem() bool { return true }

func (s *System) BuildSubQuery() QueryLike { return nil }

func (s *System) BuildUnsubQuery() QueryLike { return nil }

func (s *System) Handle(ctx context.Context, identifier string, decoded any) error {
	if s.onMessage == nil {
		return nil
	}
	return s.onMessage(ctx, identifier, decoded)
}

func (s *System) RevitalizeAfterReconnect() {}

func (s *System) MarkConfirmed() { s.confirmed = true }

func (s *System) ResetConfirmed() { /* system subscriptions stay confirmed across reconnects */ }

func (s *System) Confirmed() bool { return s.confirmed }

// Invocations always returns 0: System does not count Handle calls.
func (s *System) Invocations() uint64 { return 0 }

var _ Subscription = (*System)(nil)

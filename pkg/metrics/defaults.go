package metrics

import "sync"

// Default metrics for the wsmux socket multiplexing engine.
// These are initialized by calling Init().
var (
	// ActiveConnections tracks the number of live Connections currently
	// registered in a Client's pool (created through teardown).
	ActiveConnections *Gauge

	// ActiveSubscriptions tracks the number of attached user
	// subscriptions across the whole pool.
	ActiveSubscriptions *Gauge

	// IncomingBytesTotal counts inbound frame bytes received across all
	// connections.
	IncomingBytesTotal *Counter

	// QueryDurationSeconds tracks the round-trip latency of queries,
	// including subscribe/unsubscribe sub-queries.
	// Labels: kind ("query" for queries including periodic ticks, "sub"
	// for subscribe/unsubscribe acknowledgements)
	QueryDurationSeconds *Histogram

	// ReconnectsTotal counts completed reconnect cycles (transport
	// dropped, then successfully resubscribed).
	ReconnectsTotal *Counter

	// UnhandledMessagesTotal counts inbound frames that parsed cleanly
	// but matched no pending query and no subscription.
	UnhandledMessagesTotal *Counter

	// UnparsedMessagesTotal counts inbound frames the message pipeline
	// could not classify at all.
	UnparsedMessagesTotal *Counter

	// defaultRegistry is the global metrics registry.
	defaultRegistry *Registry

	// initOnce ensures Init() is only called once.
	initOnce sync.Once
)

// Init initializes the default metrics and returns the registry.
// This function is idempotent and safe to call multiple times.
func Init() *Registry {
	initOnce.Do(func() {
		defaultRegistry = NewRegistry()

		ActiveConnections = defaultRegistry.NewGauge(
			"wsmux_active_connections",
			"Number of live socket connections",
		)

		ActiveSubscriptions = defaultRegistry.NewGauge(
			"wsmux_active_subscriptions",
			"Number of attached user subscriptions",
		)

		IncomingBytesTotal = defaultRegistry.NewCounter(
			"wsmux_incoming_bytes_total",
			"Total inbound frame bytes received",
		)

		QueryDurationSeconds = defaultRegistry.NewHistogram(
			"wsmux_query_duration_seconds",
			"Round-trip duration of queries and sub/unsub acknowledgements",
			DefaultBuckets,
			"kind",
		)

		ReconnectsTotal = defaultRegistry.NewCounter(
			"wsmux_reconnects_total",
			"Total completed reconnect cycles",
		)

		UnhandledMessagesTotal = defaultRegistry.NewCounter(
			"wsmux_unhandled_messages_total",
			"Total inbound frames that matched no query or subscription",
		)

		UnparsedMessagesTotal = defaultRegistry.NewCounter(
			"wsmux_unparsed_messages_total",
			"Total inbound frames the message pipeline could not classify",
		)
	})

	return defaultRegistry
}

// DefaultRegistry returns the default metrics registry.
// Returns nil if Init() has not been called.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Reset resets all default metrics. Useful for testing.
// This also resets the initOnce, allowing Init() to be called again.
func Reset() {
	initOnce = sync.Once{}
	defaultRegistry = nil
	ActiveConnections = nil
	ActiveSubscriptions = nil
	IncomingBytesTotal = nil
	QueryDurationSeconds = nil
	ReconnectsTotal = nil
	UnhandledMessagesTotal = nil
	UnparsedMessagesTotal = nil
}

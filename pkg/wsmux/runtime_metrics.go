package wsmux

import (
	"time"

	"github.com/xfeed-go/wsmux/pkg/metrics"
)

// StartRuntimeMetrics registers Go runtime gauges (goroutines, heap, GC
// pauses) on the default metrics registry and starts collecting them
// every interval. Each Connection runs its own dispatch loop plus a
// reconnect loop and, when periodic queries are configured, a ticking
// goroutine per spec, so a pool's goroutine count is a direct function
// of how many connections and periodic queries are active; this gives
// an operator watching go_goroutines a way to notice a pool that isn't
// shrinking back down after UnsubscribeAll or Dispose.
//
// Init must have been called first; StartRuntimeMetrics is a no-op
// returning a stop function that does nothing if the default registry
// is unset.
// Returned stop function cancels collection; it does not affect the
// Client itself.
func (c *Client) StartRuntimeMetrics(interval time.Duration) func() {
	registry := metrics.DefaultRegistry()
	if registry == nil {
		return func() {}
	}
	uptime := registry.NewGauge("wsmux_uptime_seconds", "Seconds since StartRuntimeMetrics was called")
	collector := metrics.NewRuntimeCollector(registry, uptime)
	return collector.StartCollector(interval)
}

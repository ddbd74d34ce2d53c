package wsmux

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xfeed-go/wsmux/pkg/ratelimit"
)

// SubscriptionSnapshot is a point-in-time view of one attached
// subscription's observable state.
type SubscriptionSnapshot struct {
	ID                int64
	Confirmed         bool
	Invocations       uint64
	StreamIdentifiers []string
}

// ConnectionSnapshot is a point-in-time view of one Connection's
// observable state, for diagnostics and metrics export.
type ConnectionSnapshot struct {
	ID                int64
	Tag               string
	ConnectionURI     string
	Status            string
	Authenticated     bool
	PausedActivity    bool
	UserSubscriptions int
	Subscriptions     []SubscriptionSnapshot
	IncomingKBPS      float64
}

// Snapshot is a point-in-time view of the whole Client, the
// current_connections/current_subscriptions/incoming_kbps observables.
type ClientSnapshot struct {
	Connections        []ConnectionSnapshot
	TotalConnections   int
	TotalSubscriptions int
	TotalIncomingKBPS  float64
	RateLimiters       []ratelimit.BucketStats
}

// Snapshot captures the current pool state without mutating anything.
func (c *Client) Snapshot() ClientSnapshot {
	c.mu.RLock()
	conns := make([]*Connection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()

	snap := ClientSnapshot{Connections: make([]ConnectionSnapshot, 0, len(conns))}
	for _, conn := range conns {
		subs := conn.UserSubscriptions()
		subSnaps := make([]SubscriptionSnapshot, 0, len(subs))
		for _, s := range subs {
			subSnaps = append(subSnaps, SubscriptionSnapshot{
				ID:                s.ID(),
				Confirmed:         s.Confirmed(),
				Invocations:       s.Invocations(),
				StreamIdentifiers: s.StreamIdentifiers(),
			})
		}
		sort.Slice(subSnaps, func(i, j int) bool { return subSnaps[i].ID < subSnaps[j].ID })

		cs := ConnectionSnapshot{
			ID:                conn.ID(),
			Tag:               conn.Tag(),
			ConnectionURI:     conn.URI(),
			Status:            conn.Status().String(),
			Authenticated:     conn.Authenticated(),
			PausedActivity:    conn.PausedActivity(),
			UserSubscriptions: conn.UserSubscriptionCount(),
			Subscriptions:     subSnaps,
			IncomingKBPS:      conn.IncomingKBPS(),
		}
		snap.Connections = append(snap.Connections, cs)
		snap.TotalSubscriptions += cs.UserSubscriptions
		snap.TotalIncomingKBPS += cs.IncomingKBPS
	}
	snap.TotalConnections = len(snap.Connections)

	sort.Slice(snap.Connections, func(i, j int) bool { return snap.Connections[i].ID < snap.Connections[j].ID })

	buckets := c.opts.RateLimitBuckets
	snap.RateLimiters = make([]ratelimit.BucketStats, 0, len(buckets))
	for _, b := range buckets {
		snap.RateLimiters = append(snap.RateLimiters, b.Stats())
	}

	return snap
}

// Dump renders the current pool state as human-readable text, for
// operators inspecting a running client (e.g. from an admin endpoint
// or a debug signal handler).
func (c *Client) Dump() string {
	snap := c.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "connections: %d  subscriptions: %d  incoming: %.2f kB/s\n",
		snap.TotalConnections, snap.TotalSubscriptions, snap.TotalIncomingKBPS)
	for _, cs := range snap.Connections {
		fmt.Fprintf(&b, "  [%d] uri=%s status=%s auth=%t paused=%t subs=%d incoming=%.2fkB/s\n",
			cs.ID, cs.ConnectionURI, cs.Status, cs.Authenticated, cs.PausedActivity, cs.UserSubscriptions, cs.IncomingKBPS)
		for _, ss := range cs.Subscriptions {
			fmt.Fprintf(&b, "      sub[%d] confirmed=%t invocations=%d streams=%s\n",
				ss.ID, ss.Confirmed, ss.Invocations, strings.Join(ss.StreamIdentifiers, ","))
		}
	}
	for _, rl := range snap.RateLimiters {
		name := rl.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(&b, "  ratelimit[%s] available=%.1f max=%.1f rate=%.1f/s\n",
			name, rl.Available, rl.Max, rl.Rate)
	}
	return b.String()
}

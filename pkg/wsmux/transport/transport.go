// Package transport defines the factory contract the socket
// multiplexing engine dials through. The concrete WebSocket transport
// implementation is an external collaborator; this package only fixes
// the shape so the engine core never imports a specific WebSocket
// library directly.
package transport

import (
	"context"
	"net/url"
	"time"
)

// Limiter is the opaque outbound rate limiter contract. *ratelimit.Bucket
// satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Interceptor transforms bytes before they reach the message pipeline,
// e.g. to decompress a permessage-deflate payload. Mirrors
// pipeline.Interceptor but is kept as its own type so this package does
// not need to import pipeline.
type Interceptor func(raw []byte) ([]byte, error)

// Params configures a single Dial call: the URI, reconnect hints, rate
// limiters, proxy, timeout, and interceptor a transport needs to open
// one physical connection.
type Params struct {
	URI string

	// AutoReconnect and ReconnectInterval are informational for
	// transports that implement their own retry; the engine's own
	// reconnect loop (Connection.reconnectLoop) is authoritative and
	// most transports can ignore these two fields.
	AutoReconnect     bool
	ReconnectInterval time.Duration

	// KeepAliveInterval, if nonzero, is the cadence at which the
	// transport sends protocol-level pings.
	KeepAliveInterval time.Duration

	// HandshakeTimeout bounds the dial + upgrade handshake.
	HandshakeTimeout time.Duration

	// Proxy is consulted for the dial, nil meaning direct connection.
	Proxy *url.URL

	// Header carries any additional handshake headers (e.g. a signed
	// auth header built by the caller; the engine itself never builds
	// exchange-specific auth payloads).
	Header map[string][]string

	// Subprotocols lists acceptable WebSocket subprotocols, in
	// preference order.
	Subprotocols []string

	// RateLimiters are consulted, in order, before each outbound send.
	RateLimiters []Limiter

	// Interceptor is applied to every inbound frame before it reaches
	// the message pipeline.
	Interceptor Interceptor
}

// Conn is a bidirectional, ordered message channel over one physical
// WebSocket. Implementations must deliver messages in transport order
// on Messages() and close it exactly once, after which Closed() is
// also closed.
type Conn interface {
	// ID is a stable identifier for this physical connection, stable
	// for its lifetime (useful for diagnostics/logging correlation).
	ID() string

	// Send writes one message. Callers serialize their own writes;
	// implementations are not required to be safe for concurrent Send.
	Send(ctx context.Context, data []byte) error

	// Messages yields inbound frames in arrival order. Closed when the
	// connection is torn down.
	Messages() <-chan []byte

	// Closed is closed once the connection has terminated, for any
	// reason (explicit Close, remote close, or read/write error).
	Closed() <-chan struct{}

	// Err returns the reason Closed fired, or nil for a clean explicit
	// Close.
	Err() error

	// Close tears down the connection. Idempotent.
	Close() error
}

// Factory produces Conns. The default implementation is
// gorillatransport.Factory; tests typically use faketransport.Factory.
type Factory interface {
	Dial(ctx context.Context, params Params) (Conn, error)
}

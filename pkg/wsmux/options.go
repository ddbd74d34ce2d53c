package wsmux

import (
	"context"
	"log/slog"
	"time"

	"github.com/xfeed-go/wsmux/pkg/logging"
	"github.com/xfeed-go/wsmux/pkg/ratelimit"
	"github.com/xfeed-go/wsmux/pkg/wsmux/pipeline"
	"github.com/xfeed-go/wsmux/pkg/wsmux/sink"
	"github.com/xfeed-go/wsmux/pkg/wsmux/subscription"
	"github.com/xfeed-go/wsmux/pkg/wsmux/transport"
	"github.com/xfeed-go/wsmux/pkg/wsmux/transport/gorillatransport"
)

// Credentials are the caller's API credentials, opaque to the engine.
// What they contain and how they're applied to a connect/auth step is
// entirely up to AuthenticateFunc.
type Credentials struct {
	Key    string
	Secret string
	Extra  map[string]string
}

// AuthenticateFunc performs the exchange-specific authentication
// handshake for one connection once it is transport-connected. It
// returns an error (wrapped as wserrors.AuthenticationFailed by the
// Connection) on failure.
type AuthenticateFunc func(ctx context.Context, conn *Connection, creds Credentials) error

// ClientOptions configures a Client, following a
// Config/DefaultConfig/With* convention.
type ClientOptions struct {
	// BaseAddress is the default endpoint to dial when a subscription
	// doesn't name one explicitly.
	BaseAddress string

	// MaxSocketConnections caps the connection pool. Zero or a negative
	// value is replaced by DefaultMaxSocketConnections in NewClient.
	MaxSocketConnections int

	// SocketSubscriptionsCombineTarget is the desired maximum number of
	// user subscriptions per physical connection. 1 disables coalescing.
	SocketSubscriptionsCombineTarget int

	// SocketNoDataTimeout is the idle-read timeout that triggers a
	// reconnect. Zero disables the idle watchdog.
	SocketNoDataTimeout time.Duration

	// ReconnectInterval is the base backoff for transport reconnect.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the exponential backoff.
	MaxReconnectInterval time.Duration

	// AutoReconnect enables the reconnect loop. Defaults to true.
	AutoReconnect bool

	// DelayAfterConnect is inserted after connect before the first send.
	DelayAfterConnect time.Duration

	// KeepAliveInterval is the transport keep-alive ping cadence.
	KeepAliveInterval time.Duration

	// Proxy is the transport proxy URL string, or empty for none.
	Proxy string

	// OutputOriginalData includes raw frame bytes on each dispatched
	// event.
	OutputOriginalData bool

	// APICredentials authenticates connections that require it. Nil
	// means authenticated subscriptions always fail with
	// wserrors.ErrNoCredentials.
	APICredentials *Credentials

	// Authenticate performs the authentication handshake. Required
	// when APICredentials is set and any authenticated subscription is
	// used.
	Authenticate AuthenticateFunc

	// RateLimiters are consulted, in order, before every outbound send.
	RateLimiters []transport.Limiter

	// RateLimitBuckets holds the concrete *ratelimit.Bucket instances
	// added via WithRateLimit, kept alongside RateLimiters (which is
	// typed against the opaque transport.Limiter interface) so
	// Client.Snapshot can report each limiter's headroom by name.
	// Limiters added directly to RateLimiters via a custom
	// transport.Limiter implementation don't appear here.
	RateLimitBuckets []*ratelimit.Bucket

	// Interceptor pre-processes every inbound frame (e.g. decompression)
	// before the message pipeline identifies it.
	Interceptor pipeline.Interceptor

	// Identify extracts routing identifiers from an inbound frame. This
	// is exchange-specific and required.
	Identify pipeline.IdentifyFunc

	// Factory dials physical connections. Defaults to
	// gorillatransport.Factory{}.
	Factory transport.Factory

	// UnhandledExpected suppresses the warning-level log for
	// UnhandledMessage on connections that legitimately receive frames
	// with no subscriber (e.g. connections carrying only system
	// traffic).
	UnhandledExpected bool

	// Sink receives UnparsedMessage/UnhandledMessage events. Defaults
	// to a bounded in-memory sink.Store.
	Sink sink.Logger

	// ContinueOnQueryResponse, when true, still offers a message that
	// matched a pending query to subscriptions afterward. Default false:
	// a query response is consumed by the query and does not leak to
	// subscriptions.
	ContinueOnQueryResponse bool

	// Logger receives structured operational logs. Defaults to
	// logging.Nop().
	Logger *slog.Logger

	// RewriteURI, if set, is consulted before every dial (including
	// reconnects) to transform the tag address into the URI actually
	// dialed, e.g. to append a freshly-signed auth query parameter. A
	// nil RewriteURI dials the tag address unchanged.
	RewriteURI func(tag string) string

	// SystemSubscriptions are attached to every Connection automatically
	// and never counted toward combine-target capacity, for
	// connection-scoped control frames (pings, welcomes) that aren't
	// addressed to any particular user subscription.
	SystemSubscriptions []subscription.Subscription
}

// Default tuning constants for ClientOptions.
const (
	DefaultMaxSocketConnections    = 8
	DefaultCombineTarget           = 10
	DefaultReconnectInterval       = time.Second
	DefaultMaxReconnectInterval    = 30 * time.Second
	DefaultKeepAliveInterval       = 30 * time.Second
	DefaultSocketNoDataTimeout     = 60 * time.Second
	defaultQueryTimeout            = 10 * time.Second
	defaultUnsubAckGrace           = 2 * time.Second
	defaultSinkCapacity            = 1000
)

// DefaultClientOptions returns a ClientOptions with sane defaults
// filled in. Callers typically start here and override the handful of
// fields they need.
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		MaxSocketConnections:             DefaultMaxSocketConnections,
		SocketSubscriptionsCombineTarget: DefaultCombineTarget,
		SocketNoDataTimeout:              DefaultSocketNoDataTimeout,
		ReconnectInterval:                DefaultReconnectInterval,
		MaxReconnectInterval:             DefaultMaxReconnectInterval,
		AutoReconnect:                    true,
		KeepAliveInterval:                DefaultKeepAliveInterval,
		Factory:                          gorillatransport.Factory{},
		Sink:                             sink.NewStore(defaultSinkCapacity),
	}
}

// WithBaseAddress sets the default dial address.
func (o *ClientOptions) WithBaseAddress(addr string) *ClientOptions {
	o.BaseAddress = addr
	return o
}

// WithCredentials sets API credentials and the authenticate hook.
func (o *ClientOptions) WithCredentials(creds Credentials, authenticate AuthenticateFunc) *ClientOptions {
	o.APICredentials = &creds
	o.Authenticate = authenticate
	return o
}

// WithCombineTarget sets the subscription coalescing target.
func (o *ClientOptions) WithCombineTarget(n int) *ClientOptions {
	o.SocketSubscriptionsCombineTarget = n
	return o
}

// WithMaxConnections sets the pool cap.
func (o *ClientOptions) WithMaxConnections(n int) *ClientOptions {
	o.MaxSocketConnections = n
	return o
}

// WithLogger sets the structured logger.
func (o *ClientOptions) WithLogger(logger *slog.Logger) *ClientOptions {
	o.Logger = logger
	return o
}

// WithLogLevel builds a text-format logging.New logger at the given
// level and sets it, the common case for callers that don't need a
// custom handler (JSON, Loki, or a multi-writer fan-out via
// logging.NewMultiHandler/NewLokiHandler).
func (o *ClientOptions) WithLogLevel(level logging.Level) *ClientOptions {
	o.Logger = logging.New(logging.Config{Level: level, Format: logging.FormatText})
	return o
}

// WithFanOutLogging fans every log record out to all of handlers via
// logging.MultiHandler, e.g. a local text handler plus a
// logging.LokiHandler shipping the same records to a log aggregator.
// A connection losing its socket mid-reconnect is exactly the kind of
// event an operator wants both on the local console and centrally
// aggregated, so the handshake/reconnect/dispose logging this package
// already emits is worth duplicating rather than routing to only one
// sink.
func (o *ClientOptions) WithFanOutLogging(handlers ...slog.Handler) *ClientOptions {
	o.Logger = slog.New(logging.NewMultiHandler(handlers...))
	return o
}

// WithRateLimit adds a token-bucket rate limiter (ratePerSecond tokens
// refilled per second, up to burst in reserve) to the limiters
// consulted before every outbound send.
func (o *ClientOptions) WithRateLimit(ratePerSecond float64, burst int) *ClientOptions {
	return o.WithNamedRateLimit("", ratePerSecond, burst)
}

// WithNamedRateLimit is WithRateLimit with a label attached, surfaced by
// Client.Snapshot so a pool with several limiters (e.g. a per-exchange
// send cap plus a global one) can be told apart in a diagnostics dump.
func (o *ClientOptions) WithNamedRateLimit(name string, ratePerSecond float64, burst int) *ClientOptions {
	b := ratelimit.NewNamedBucket(name, ratePerSecond, burst)
	o.RateLimiters = append(o.RateLimiters, b)
	o.RateLimitBuckets = append(o.RateLimitBuckets, b)
	return o
}

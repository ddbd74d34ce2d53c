// Package gorillatransport is the default transport.Factory, backed by
// github.com/gorilla/websocket. Dial setup configures a
// websocket.Dialer{HandshakeTimeout: ...} the way client-side dial code
// usually does; the connection wrapper's bookkeeping (atomic counters,
// single-writer mutex, last-message tracking) follows the idiom a
// server-side connection wrapper would use, adapted here to a
// client-dialed socket.
package gorillatransport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xfeed-go/wsmux/pkg/wsmux/transport"
)

// Factory dials real WebSocket connections via gorilla/websocket.
type Factory struct{}

var _ transport.Factory = Factory{}

// Dial opens a WebSocket connection per params and starts its read
// pump. The returned Conn delivers inbound frames (after
// params.Interceptor, if set) on Messages().
func (Factory) Dial(ctx context.Context, params transport.Params) (transport.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  params.HandshakeTimeout,
		Subprotocols:      params.Subprotocols,
		EnableCompression: true,
	}
	if params.Proxy != nil {
		proxyURL := params.Proxy
		dialer.Proxy = func(*http.Request) (*url.URL, error) { return proxyURL, nil }
	}

	header := http.Header{}
	for k, vs := range params.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	conn, resp, err := dialer.DialContext(ctx, params.URI, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", params.URI, err)
	}

	c := &Conn{
		id:          params.URI,
		conn:        conn,
		messages:    make(chan []byte, 64),
		closed:      make(chan struct{}),
		interceptor: params.Interceptor,
	}

	if params.KeepAliveInterval > 0 {
		conn.SetPingHandler(func(string) error {
			return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(5*time.Second))
		})
		c.keepAlive = time.NewTicker(params.KeepAliveInterval)
		go c.keepAlivePump()
	}

	go c.readPump()

	return c, nil
}

// Conn wraps one gorilla/websocket.Conn as a transport.Conn.
type Conn struct {
	id        string
	conn      *websocket.Conn
	keepAlive *time.Ticker

	messages    chan []byte
	interceptor transport.Interceptor

	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  atomic.Value // error
}

var _ transport.Conn = (*Conn)(nil)

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(_ context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) Messages() <-chan []byte { return c.messages }

func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) Err() error {
	if v := c.closeErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
		if c.keepAlive != nil {
			c.keepAlive.Stop()
		}
		close(c.closed)
	})
	return err
}

func (c *Conn) fail(err error) {
	c.closeErr.Store(err)
	_ = c.Close()
}

func (c *Conn) readPump() {
	defer close(c.messages)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		if c.interceptor != nil {
			intercepted, err := c.interceptor(data)
			if err != nil {
				// A broken interceptor is a transport-fatal condition:
				// every subsequent frame would fail the same way.
				c.fail(fmt.Errorf("interceptor: %w", err))
				return
			}
			data = intercepted
		}

		select {
		case c.messages <- data:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) keepAlivePump() {
	for {
		select {
		case <-c.keepAlive.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Package faketransport is an in-memory transport.Factory for tests:
// no network, deterministic, lets a test script inject inbound frames
// and inspect outbound ones.
package faketransport

import (
	"context"
	"errors"
	"sync"

	"github.com/xfeed-go/wsmux/pkg/wsmux/transport"
)

// Factory vends Conns from a scripted registry keyed by URI, so a test
// can pre-arm the frames/behavior for "the connection to this address".
type Factory struct {
	mu   sync.Mutex
	next map[string]func() (*Conn, error)
	dials []string
}

// NewFactory builds an empty Factory.
func NewFactory() *Factory {
	return &Factory{next: make(map[string]func() (*Conn, error))}
}

// Script arranges that the next Dial to uri invokes build. Subsequent
// Dials to the same uri re-invoke build each time (so reconnect tests
// can vary behavior per attempt by closing over a counter).
func (f *Factory) Script(uri string, build func() (*Conn, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next[uri] = build
}

// Dials returns every URI Dial was called with, in order.
func (f *Factory) Dials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dials...)
}

func (f *Factory) Dial(_ context.Context, params transport.Params) (transport.Conn, error) {
	f.mu.Lock()
	build, ok := f.next[params.URI]
	f.dials = append(f.dials, params.URI)
	f.mu.Unlock()

	if !ok {
		return nil, errors.New("faketransport: no script for " + params.URI)
	}
	return build()
}

var _ transport.Factory = (*Factory)(nil)

// Conn is a scripted transport.Conn backed by channels.
type Conn struct {
	id string

	mu       sync.Mutex
	sent     [][]byte
	failSend error

	messages  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	err       error
}

// NewConn builds a Conn with the given stable id and inbound buffer
// depth.
func NewConn(id string, inboundBuffer int) *Conn {
	return &Conn{
		id:       id,
		messages: make(chan []byte, inboundBuffer),
		closed:   make(chan struct{}),
	}
}

var _ transport.Conn = (*Conn)(nil)

func (c *Conn) ID() string { return c.id }

// FailSendWith makes every subsequent Send return err.
func (c *Conn) FailSendWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSend = err
}

func (c *Conn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend != nil {
		return c.failSend
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

// Sent returns every payload passed to Send, in order.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// Push injects an inbound frame as if received from the network.
func (c *Conn) Push(data []byte) {
	select {
	case c.messages <- data:
	case <-c.closed:
	}
}

// Drop simulates a transport-level failure, closing the connection
// with err.
func (c *Conn) Drop(err error) {
	c.err = err
	_ = c.Close()
}

func (c *Conn) Messages() <-chan []byte { return c.messages }

func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) Err() error { return c.err }

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

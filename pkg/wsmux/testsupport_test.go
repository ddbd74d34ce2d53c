package wsmux

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/xfeed-go/wsmux/pkg/wsmux/query"
	"github.com/xfeed-go/wsmux/pkg/wsmux/sink"
	"github.com/xfeed-go/wsmux/pkg/wsmux/subscription"
	"github.com/xfeed-go/wsmux/pkg/wsmux/transport/faketransport"
)

// testFrame is the tiny wire shape shared by every test in this
// package: a "channel" frame routes by Channel, a control frame by
// Type, and an ack frame by ID.
type testFrame struct {
	Type    string `json:"type,omitempty"`
	Channel string `json:"channel,omitempty"`
	ID      string `json:"id,omitempty"`
	Ok      bool   `json:"ok,omitempty"`
	Seq     int    `json:"seq,omitempty"`
}

func testIdentify(raw []byte) ([]string, bool) {
	var f testFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false
	}
	switch {
	case f.Channel != "":
		return []string{f.Channel}, true
	case f.Type == "ping" || f.Type == "welcome":
		return []string{"system"}, true
	case f.ID != "":
		return []string{"ack:" + f.ID}, true
	default:
		return nil, false
	}
}

func decodeFrame(raw []byte) (testFrame, error) {
	var f testFrame
	err := json.Unmarshal(raw, &f)
	return f, err
}

// buildAckQuery returns a QueryLike that sends {type, channel, id} and
// completes when a frame carrying "id":"<the generated id>" arrives.
func buildAckQuery(kind, channel string) subscription.QueryLike {
	var q *query.Query[testFrame]
	matches := func(parsed any) bool {
		raw, ok := parsed.([]byte)
		if !ok {
			return false
		}
		return strings.Contains(string(raw), `"id":"`+q.QueryID()+`"`)
	}
	q = query.New[testFrame](nil, false, time.Second, matches, decodeFrame)
	q.Payload = map[string]any{"type": kind, "channel": channel, "id": q.QueryID()}
	return AsQueryLike(q)
}

func ackFrame(id string, ok bool) []byte {
	b, _ := json.Marshal(testFrame{ID: id, Ok: ok})
	return b
}

func channelFrame(channel string, seq int) []byte {
	b, _ := json.Marshal(testFrame{Channel: channel, Seq: seq})
	return b
}

// parseTestFrame decodes one of this package's outbound request
// payloads (sent as JSON via encodePayload) back into a testFrame, for
// tests that need to read the correlation id the engine generated.
func parseTestFrame(raw []byte) testFrame {
	var f testFrame
	_ = json.Unmarshal(raw, &f)
	return f
}

// queryNew builds an ad-hoc *query.Query[testFrame] matching any
// channel-data frame for channel (not an ack), for tests exercising
// Client.Query / SendAndWaitQuery directly against a live Connection.
func queryNew(t *testing.T, channel string) *query.Query[testFrame] {
	t.Helper()
	matches := func(parsed any) bool {
		raw, ok := parsed.([]byte)
		if !ok {
			return false
		}
		f, err := decodeFrame(raw)
		return err == nil && f.Channel == channel && f.ID == ""
	}
	return query.New[testFrame](map[string]any{"type": "query", "channel": channel}, false, time.Second, matches, decodeFrame)
}

func newTestClientOptions(factory *faketransport.Factory) *ClientOptions {
	opts := DefaultClientOptions()
	opts.Factory = factory
	opts.Identify = testIdentify
	opts.Sink = sink.NewStore(100)
	opts.AutoReconnect = true
	opts.ReconnectInterval = 2 * time.Millisecond
	opts.MaxReconnectInterval = 10 * time.Millisecond
	opts.SocketNoDataTimeout = 0
	opts.KeepAliveInterval = 0
	return opts
}

func newTestSubscription(channel string, onMessage subscription.HandlerFunc) *subscription.Typed {
	decode := func(identifier string, raw []byte) (any, error) {
		return decodeFrame(raw)
	}
	return subscription.NewTyped(
		false,
		[]string{channel},
		decode,
		onMessage,
		func() subscription.QueryLike { return buildAckQuery("subscribe", channel) },
		func() subscription.QueryLike { return buildAckQuery("unsubscribe", channel) },
	)
}

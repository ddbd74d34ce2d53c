// Package pipeline interprets raw inbound WebSocket messages: it
// applies an optional byte-stream interceptor, then extracts routing
// identifiers from the parsed envelope without fully decoding the
// payload. Type resolution and decoding is left to the recipient
// (a subscription's own DecodeFunc), since only the recipient knows
// which concrete payload shape applies to which identifier.
package pipeline

import "errors"

// ErrUnparseable is returned by Parse when Identify cannot classify a
// frame at all (stage 2 must be deterministic and total: every
// frame yields identifiers or is unparseable, never silently dropped).
var ErrUnparseable = errors.New("unparseable message")

// Interceptor transforms raw bytes before identification, e.g. to
// decompress a gzip/permessage-deflate payload. A nil Interceptor is a
// no-op.
type Interceptor func(raw []byte) ([]byte, error)

// IdentifyFunc extracts the stream identifiers a frame is routed by.
// It is exchange-specific (delegated) but must be total: ok is false
// only when the frame cannot be classified at all.
type IdentifyFunc func(raw []byte) (identifiers []string, ok bool)

// Envelope is the result of pre-processing and identification: the
// frame's routing identifiers plus the (possibly intercepted) raw
// bytes, ready for per-recipient decode.
type Envelope struct {
	Identifiers  []string
	Data         []byte
	OriginalData []byte // only populated when the pipeline is configured to retain it
}

// Pipeline interprets raw inbound frames in two stages: pre-process
// (Interceptor) and identify (IdentifyFunc). Decode is stage 3 and is
// performed by the message's recipient(s).
type Pipeline struct {
	Interceptor        Interceptor
	Identify           IdentifyFunc
	OutputOriginalData bool
}

// New builds a Pipeline. identify must not be nil; a nil identify would
// make stage 2 non-total.
func New(interceptor Interceptor, identify IdentifyFunc, outputOriginalData bool) *Pipeline {
	return &Pipeline{
		Interceptor:        interceptor,
		Identify:           identify,
		OutputOriginalData: outputOriginalData,
	}
}

// Parse runs the pre-process and identify stages over raw. It returns
// ErrUnparseable if the frame cannot be classified, or the
// Interceptor's error if pre-processing fails, after which the caller
// is expected to hand the original bytes to its UnparsedMessage sink.
func (p *Pipeline) Parse(raw []byte) (*Envelope, error) {
	data := raw
	if p.Interceptor != nil {
		intercepted, err := p.Interceptor(raw)
		if err != nil {
			return nil, err
		}
		data = intercepted
	}

	var identifiers []string
	var ok bool
	if p.Identify != nil {
		identifiers, ok = p.Identify(data)
	}
	if !ok || len(identifiers) == 0 {
		return nil, ErrUnparseable
	}

	env := &Envelope{Identifiers: identifiers, Data: data}
	if p.OutputOriginalData {
		env.OriginalData = raw
	}
	return env, nil
}

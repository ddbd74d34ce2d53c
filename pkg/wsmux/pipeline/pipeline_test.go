package pipeline

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identifyByPrefix(raw []byte) ([]string, bool) {
	if bytes.HasPrefix(raw, []byte("trades:")) {
		return []string{"trades"}, true
	}
	if bytes.HasPrefix(raw, []byte("book:")) {
		return []string{"book"}, true
	}
	return nil, false
}

func TestPipelineParseIdentifiesKnownFrames(t *testing.T) {
	p := New(nil, identifyByPrefix, false)

	env, err := p.Parse([]byte("trades:BTC-USD:1.23"))
	require.NoError(t, err)
	assert.Equal(t, []string{"trades"}, env.Identifiers)
	assert.Nil(t, env.OriginalData)
}

func TestPipelineParseUnparseable(t *testing.T) {
	p := New(nil, identifyByPrefix, false)

	_, err := p.Parse([]byte("garbage"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnparseable))
}

func TestPipelineAppliesInterceptorBeforeIdentify(t *testing.T) {
	strip := func(raw []byte) ([]byte, error) {
		return bytes.TrimPrefix(raw, []byte("FRAME:")), nil
	}

	p := New(strip, identifyByPrefix, true)

	env, err := p.Parse([]byte("FRAME:book:BTC-USD"))
	require.NoError(t, err)
	assert.Equal(t, []string{"book"}, env.Identifiers)
	assert.Equal(t, []byte("book:BTC-USD"), env.Data)
	assert.Equal(t, []byte("FRAME:book:BTC-USD"), env.OriginalData)
}

func TestPipelineInterceptorErrorPropagates(t *testing.T) {
	boom := errors.New("decompress failed")
	p := New(func([]byte) ([]byte, error) { return nil, boom }, identifyByPrefix, false)

	_, err := p.Parse([]byte("trades:x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

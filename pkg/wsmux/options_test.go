package wsmux

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithFanOutLoggingWritesToEveryHandler(t *testing.T) {
	var bufA, bufB bytes.Buffer
	opts := DefaultClientOptions().WithFanOutLogging(
		slog.NewTextHandler(&bufA, nil),
		slog.NewJSONHandler(&bufB, nil),
	)

	opts.Logger.Info("dial succeeded", "tag", "wss://x/feed")

	assert.Contains(t, bufA.String(), "dial succeeded")
	assert.Contains(t, bufB.String(), `"msg":"dial succeeded"`)
}

func TestWithNamedRateLimitTracksBucket(t *testing.T) {
	opts := DefaultClientOptions().WithNamedRateLimit("outbound", 10, 10)

	require.Len(t, opts.RateLimiters, 1)
	require.Len(t, opts.RateLimitBuckets, 1)
	assert.Equal(t, "outbound", opts.RateLimitBuckets[0].Name())
}

func TestWithRateLimitLeavesBucketUnnamed(t *testing.T) {
	opts := DefaultClientOptions().WithRateLimit(10, 10)

	require.Len(t, opts.RateLimitBuckets, 1)
	assert.Equal(t, "", opts.RateLimitBuckets[0].Name())
}

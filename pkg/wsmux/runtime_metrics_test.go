package wsmux

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xfeed-go/wsmux/pkg/metrics"
)

func TestClientStartRuntimeMetricsIsNoopWithoutInit(t *testing.T) {
	client, _ := newTestClient(t, nil)
	// NewClient calls metrics.Init, so the registry is cleared afterwards.
	metrics.Reset()

	stop := client.StartRuntimeMetrics(time.Hour)
	require.NotNil(t, stop)
	stop()
}

func TestClientStartRuntimeMetricsCollectsGoroutineCount(t *testing.T) {
	metrics.Reset()
	registry := metrics.Init()
	t.Cleanup(metrics.Reset)

	client, _ := newTestClient(t, nil)
	stop := client.StartRuntimeMetrics(5 * time.Millisecond)
	defer stop()

	require.Eventually(t, func() bool {
		var buf bytes.Buffer
		require.NoError(t, registry.WriteText(&buf))
		return strings.Contains(buf.String(), "go_goroutines ")
	}, time.Second, 5*time.Millisecond)
}

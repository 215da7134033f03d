package gpustream_test

import (
	"errors"
	"testing"
	"time"

	gpustream "github.com/Swind/go-gpu-stream"
	"github.com/Swind/go-gpu-stream/config"
	"github.com/Swind/go-gpu-stream/simdevice"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietConfig() *config.Config {
	cfg := config.Default()
	cfg.Logging.Level = "error"
	return cfg
}

// TestNewClientFromConfig_Default verifies the default config opens the
// simulated backend
// Given: the default configuration
// When: a client is built from it
// Then: streams can be acquired and synchronized
func TestNewClientFromConfig_Default(t *testing.T) {
	client, err := gpustream.NewClientFromConfig(quietConfig(), nil)
	require.NoError(t, err)
	defer client.Close()

	assert.Nil(t, client.Poller())
	assert.Equal(t, "simulated", client.Config().Runtime.Backend)

	s, err := client.NewStream(gpustream.CurrentDevice, 0)
	require.NoError(t, err)
	require.NoError(t, s.Synchronize())

	_, ok := client.Runtime().(*simdevice.Runtime)
	assert.True(t, ok)
}

func TestNewClientFromConfig_Invalid(t *testing.T) {
	cfg := quietConfig()
	cfg.Runtime.Backend = "no-such-backend"
	_, err := gpustream.NewClientFromConfig(cfg, nil)
	assert.True(t, gpustream.IsConfigurationError(err))

	cfg = quietConfig()
	cfg.Runtime.DeviceCount = 0
	_, err = gpustream.NewClientFromConfig(cfg, nil)
	assert.Error(t, err)
}

// TestNewClientFromConfig_Metrics verifies the exporter and poller are wired
// Main test items:
// 1. Metrics enabled with a private registry
// 2. Stream traffic increments the exporter counters
// 3. The poller exports device snapshots of the runtime
func TestNewClientFromConfig_Metrics(t *testing.T) {
	reg := prom.NewRegistry()
	cfg := quietConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.PollInterval = 10 * time.Millisecond

	client, err := gpustream.NewClientFromConfig(cfg, reg)
	require.NoError(t, err)
	defer client.Close()
	require.NotNil(t, client.Poller())

	a, err := client.NewStream(0, 0)
	require.NoError(t, err)
	b, err := client.NewStream(0, 0)
	require.NoError(t, err)
	require.NoError(t, b.WaitStream(a))
	require.NoError(t, b.Synchronize())

	assert.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg,
			"gpustream_streams_acquired_total",
			"gpustream_cross_stream_waits_total",
			"gpustream_device_streams")
		return err == nil && n == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_CloseReportsFaults(t *testing.T) {
	client, err := gpustream.NewClientFromConfig(quietConfig(), nil)
	require.NoError(t, err)

	s, err := client.NewStream(0, 0)
	require.NoError(t, err)
	boom := errors.New("boom")
	require.NoError(t, simdevice.Launch(s.Native(), "bad", simdevice.Fail(boom)))
	assert.True(t, gpustream.IsDeviceFault(s.Synchronize()))

	assert.ErrorIs(t, client.Close(), boom)
	assert.ErrorIs(t, client.Close(), boom, "Close is idempotent")
}

// TestGlobalClient verifies the singleton lifecycle
// Given: no global client
// When: helpers are used before and after InitGlobalClient
// Then: they fail before, work after and fail again after shutdown
func TestGlobalClient(t *testing.T) {
	_, err := gpustream.NewStream(0, 0)
	assert.ErrorIs(t, err, gpustream.ErrGlobalClientNotInitialized)
	assert.Panics(t, func() { gpustream.GetGlobalClient() })

	require.NoError(t, gpustream.InitGlobalClient(quietConfig()))
	require.NoError(t, gpustream.InitGlobalClient(nil), "second init is a no-op")
	first := gpustream.GetGlobalClient()

	s, err := gpustream.NewStream(gpustream.CurrentDevice, 100)
	require.NoError(t, err)
	assert.Equal(t, gpustream.StreamPriorityHigh, s.Priority())

	ev, err := gpustream.NewEvent(gpustream.EventOptions{Interprocess: true})
	require.NoError(t, err)
	h, err := ev.IpcHandle()
	require.NoError(t, err)
	opened, err := gpustream.OpenEvent(h)
	require.NoError(t, err)
	assert.True(t, opened.IsRecorded())
	assert.Same(t, first, gpustream.GetGlobalClient())

	require.NoError(t, gpustream.ShutdownGlobalClient())
	require.NoError(t, gpustream.ShutdownGlobalClient())

	_, err = gpustream.NewEvent(gpustream.DefaultEventOptions())
	assert.ErrorIs(t, err, gpustream.ErrGlobalClientNotInitialized)
}

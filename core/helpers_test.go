package core_test

import (
	"sync"
	"testing"
	"time"

	"github.com/Swind/go-gpu-stream/core"
	"github.com/Swind/go-gpu-stream/simdevice"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test fixtures
// =============================================================================

func newSimRuntime(t *testing.T, mutate ...func(*simdevice.Config)) *simdevice.Runtime {
	t.Helper()
	cfg := simdevice.DefaultConfig()
	cfg.DeviceCount = 2
	cfg.StreamsPerPool = 4
	cfg.HighPriorityStreamsPerPool = 2
	for _, m := range mutate {
		m(&cfg)
	}
	rt, err := simdevice.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func newTestClient(t *testing.T, mutate ...func(*simdevice.Config)) (*core.Client, *simdevice.Runtime) {
	t.Helper()
	rt := newSimRuntime(t, mutate...)
	client, err := core.NewClient(rt, nil)
	require.NoError(t, err)
	return client, rt
}

func launch(t *testing.T, s *core.Stream, name string, k simdevice.Kernel) {
	t.Helper()
	require.NoError(t, simdevice.Launch(s.Native(), name, k))
}

// recordingMetrics is a core.Metrics capturing every call
type recordingMetrics struct {
	mu       sync.Mutex
	acquired map[core.StreamPriority]int
	recorded int
	waits    int
	syncs    map[string]int
	faults   []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		acquired: make(map[core.StreamPriority]int),
		syncs:    make(map[string]int),
	}
}

func (m *recordingMetrics) RecordStreamAcquired(device int, priority core.StreamPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired[priority]++
}

func (m *recordingMetrics) RecordEventRecorded(device int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded++
}

func (m *recordingMetrics) RecordCrossStreamWait(device int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits++
}

func (m *recordingMetrics) RecordSynchronize(target string, device int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs[target]++
}

func (m *recordingMetrics) RecordDeviceFault(op string, device int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, op)
}

func (m *recordingMetrics) faultOps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.faults...)
}

// recordingFaultHandler is a core.FaultHandler capturing every call
type recordingFaultHandler struct {
	mu    sync.Mutex
	calls []faultCall
}

type faultCall struct {
	Op     string
	Device int
	Err    error
}

func (h *recordingFaultHandler) HandleDeviceFault(op string, device int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, faultCall{Op: op, Device: device, Err: err})
}

func (h *recordingFaultHandler) Calls() []faultCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]faultCall(nil), h.calls...)
}

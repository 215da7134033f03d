package simdevice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Swind/go-gpu-stream/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func newTestRuntime(t *testing.T, mutate ...func(*Config)) *Runtime {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StreamsPerPool = 4
	cfg.HighPriorityStreamsPerPool = 2
	for _, m := range mutate {
		m(&cfg)
	}
	rt, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func poolStream(t *testing.T, rt *Runtime, device int, high bool) *Stream {
	t.Helper()
	ns, err := rt.StreamFromPool(device, high)
	require.NoError(t, err)
	s, err := asStream(ns)
	require.NoError(t, err)
	return s
}

// =============================================================================
// Config
// =============================================================================

// TestConfig_ValidateCollectsAllErrors verifies every invalid field is reported
// Given: a config with three invalid fields
// When: New is called
// Then: the error lists all three
func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	_, err := New(Config{DeviceCount: 0, CurrentDevice: 3, StreamsPerPool: 0, HistoryCapacity: 10})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)

	assert.NoError(t, DefaultConfig().Validate())
}

// =============================================================================
// Streams
// =============================================================================

// TestStream_FIFOExecution verifies kernels run in submission order
// Main test items:
// 1. Launch 50 kernels on one stream
// 2. Synchronize the stream
// 3. Kernels ran in order and the stream reports idle
func TestStream_FIFOExecution(t *testing.T) {
	rt := newTestRuntime(t)
	s := poolStream(t, rt, 0, false)

	var order []int
	for i := range 50 {
		require.NoError(t, s.Launch("append", Func(func() { order = append(order, i) })))
	}
	require.NoError(t, s.Synchronize())

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}

	done, err := s.Query()
	require.NoError(t, err)
	assert.True(t, done)
}

func TestStream_QueryWhileBusy(t *testing.T) {
	rt := newTestRuntime(t)
	s := poolStream(t, rt, 0, false)

	release := make(chan struct{})
	require.NoError(t, s.Launch("blocked", Func(func() { <-release })))

	done, err := s.Query()
	require.NoError(t, err)
	assert.False(t, done)

	close(release)
	require.NoError(t, s.Synchronize())
	done, err = s.Query()
	require.NoError(t, err)
	assert.True(t, done)
}

func TestStream_LaunchNilKernel(t *testing.T) {
	rt := newTestRuntime(t)
	s := poolStream(t, rt, 0, false)
	assert.Error(t, s.Launch("nil", nil))
	assert.Error(t, Launch(nil, "nil", Sleep(0)))
}

// TestStream_Stats verifies per-stream counters
// Given: a stream that ran two kernels
// When: Stats is read after Synchronize
// Then: completed counts kernels and the barrier, last op is the barrier
func TestStream_Stats(t *testing.T) {
	rt := newTestRuntime(t)
	s := poolStream(t, rt, 0, true)

	require.NoError(t, s.Launch("k1", Sleep(0)))
	require.NoError(t, s.Launch("k2", Sleep(0)))
	require.NoError(t, s.Synchronize())

	stats := s.Stats()
	assert.Equal(t, core.StreamPriorityHigh, stats.Priority)
	assert.Zero(t, stats.Pending)
	assert.EqualValues(t, 3, stats.Completed)
	assert.Equal(t, "barrier", stats.LastOp)
	assert.False(t, stats.LastOpAt.IsZero())
}

func TestStream_HistoryOnlyOwnOps(t *testing.T) {
	rt := newTestRuntime(t)
	a := poolStream(t, rt, 0, false)
	b := poolStream(t, rt, 0, false)

	require.NoError(t, a.Launch("a-1", Sleep(0)))
	require.NoError(t, b.Launch("b-1", Sleep(0)))
	require.NoError(t, a.Launch("a-2", Sleep(0)))
	require.NoError(t, a.Synchronize())
	require.NoError(t, b.Synchronize())

	hist := a.History(0)
	require.Len(t, hist, 3)
	assert.Equal(t, "barrier", hist[0].Name)
	assert.Equal(t, "a-2", hist[1].Name)
	assert.Equal(t, "a-1", hist[2].Name)

	last := b.History(1)
	require.Len(t, last, 1)
	assert.Equal(t, "barrier", last[0].Kind)
}

// =============================================================================
// Pools
// =============================================================================

// TestPool_RoundRobin verifies pool streams are handed out cyclically
// Main test items:
// 1. Pool of 4 normal streams
// 2. Five acquisitions wrap around to the first stream
// 3. Stream ids encode the priority class and are distinct within a pool
func TestPool_RoundRobin(t *testing.T) {
	rt := newTestRuntime(t)

	var got []*Stream
	for range 5 {
		got = append(got, poolStream(t, rt, 0, false))
	}
	assert.Same(t, got[0], got[4])

	seen := map[int64]bool{}
	for _, s := range got[:4] {
		assert.False(t, seen[s.ID()], "duplicate stream id %d", s.ID())
		seen[s.ID()] = true
		assert.EqualValues(t, streamTypeLow, s.ID()&(1<<streamTypeBits-1))
	}

	high := poolStream(t, rt, 0, true)
	assert.EqualValues(t, streamTypeHigh, high.ID()&(1<<streamTypeBits-1))
	assert.Equal(t, core.StreamPriorityHigh, high.priority)
}

func TestPool_Exhausted(t *testing.T) {
	rt := newTestRuntime(t, func(c *Config) { c.HighPriorityStreamsPerPool = 0 })

	_, err := rt.StreamFromPool(0, true)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	_, err = rt.StreamFromPool(1, false)
	assert.Error(t, err)
}

func TestPool_PerDevice(t *testing.T) {
	rt := newTestRuntime(t, func(c *Config) { c.DeviceCount = 2; c.CurrentDevice = 1 })

	assert.Equal(t, 2, rt.DeviceCount())
	assert.Equal(t, 1, rt.CurrentDevice())

	s := poolStream(t, rt, 1, false)
	assert.Equal(t, 1, s.DeviceIndex())

	require.NoError(t, rt.SetDevice(0))
	assert.Equal(t, 0, rt.CurrentDevice())
	assert.Error(t, rt.SetDevice(2))
}

// =============================================================================
// Events
// =============================================================================

func newEvent(t *testing.T, rt *Runtime, flags core.EventFlags) *Event {
	t.Helper()
	ne, err := rt.CreateEvent(flags)
	require.NoError(t, err)
	return ne.(*Event)
}

// TestEvent_CrossStreamWait verifies a blocked stream waits for the recording
// Given: stream A runs a slow kernel then records an event
// When: stream B blocks on the event and then runs a kernel
// Then: B's kernel observes A's kernel as finished
func TestEvent_CrossStreamWait(t *testing.T) {
	rt := newTestRuntime(t)
	a := poolStream(t, rt, 0, false)
	b := poolStream(t, rt, 0, false)
	ev := newEvent(t, rt, core.EventFlagDisableTiming)

	var producerDone, consumerSawProducer atomic.Bool
	require.NoError(t, a.Launch("produce", func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		producerDone.Store(true)
		return nil
	}))
	require.NoError(t, ev.Record(a))
	require.NoError(t, ev.Block(b))
	require.NoError(t, b.Launch("consume", Func(func() {
		consumerSawProducer.Store(producerDone.Load())
	})))

	require.NoError(t, b.Synchronize())
	assert.True(t, consumerSawProducer.Load())
}

// TestEvent_WaitCapturesRecordingAtCallTime verifies re-record semantics
// Main test items:
// 1. Record on a slow stream, block stream B on it
// 2. Re-record the event on an idle stream
// 3. B still waits for the first recording
func TestEvent_WaitCapturesRecordingAtCallTime(t *testing.T) {
	rt := newTestRuntime(t)
	slow := poolStream(t, rt, 0, false)
	idle := poolStream(t, rt, 0, false)
	waiter := poolStream(t, rt, 0, false)
	ev := newEvent(t, rt, core.EventFlagDisableTiming)

	release := make(chan struct{})
	require.NoError(t, slow.Launch("gate", Func(func() { <-release })))
	require.NoError(t, ev.Record(slow))
	require.NoError(t, ev.Block(waiter))
	require.NoError(t, ev.Record(idle))
	require.NoError(t, idle.Synchronize())

	done, err := ev.Query()
	require.NoError(t, err)
	assert.True(t, done, "latest recording is on the idle stream")

	waiterDone, err := waiter.Query()
	require.NoError(t, err)
	assert.False(t, waiterDone, "waiter must still be blocked on the first recording")

	close(release)
	require.NoError(t, waiter.Synchronize())
}

func TestEvent_UnrecordedQueryIsComplete(t *testing.T) {
	rt := newTestRuntime(t)
	ev := newEvent(t, rt, core.EventFlagDisableTiming)

	done, err := ev.Query()
	require.NoError(t, err)
	assert.True(t, done)
	assert.NoError(t, ev.Synchronize())
}

func TestEvent_BlockingSynchronize(t *testing.T) {
	rt := newTestRuntime(t)
	s := poolStream(t, rt, 0, false)
	ev := newEvent(t, rt, core.EventFlagDisableTiming|core.EventFlagBlockingSync)

	require.NoError(t, s.Launch("sleep", Sleep(10*time.Millisecond)))
	require.NoError(t, ev.Record(s))
	require.NoError(t, ev.Synchronize())

	done, err := ev.Query()
	require.NoError(t, err)
	assert.True(t, done)
}

// TestEvent_ElapsedTime verifies device timestamps bracket the kernel
// Given: two timed events recorded around a 20ms kernel
// When: ElapsedTime is read after the end event completes
// Then: the result is at least 20ms
func TestEvent_ElapsedTime(t *testing.T) {
	rt := newTestRuntime(t)
	s := poolStream(t, rt, 0, false)
	start := newEvent(t, rt, core.EventFlagDefault)
	end := newEvent(t, rt, core.EventFlagDefault)

	_, err := start.ElapsedTime(end)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, start.Record(s))
	require.NoError(t, s.Launch("sleep", Sleep(20*time.Millisecond)))
	require.NoError(t, end.Record(s))
	require.NoError(t, end.Synchronize())

	ms, err := start.ElapsedTime(end)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ms, 20.0)

	untimed := newEvent(t, rt, core.EventFlagDisableTiming)
	require.NoError(t, untimed.Record(s))
	require.NoError(t, untimed.Synchronize())
	_, err = start.ElapsedTime(untimed)
	assert.ErrorIs(t, err, ErrTimingDisabled)
}

func TestEvent_InterprocessRequiresTimingDisabled(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.CreateEvent(core.EventFlagInterprocess)
	assert.Error(t, err)

	ev := newEvent(t, rt, core.EventFlagDisableTiming)
	_, err = ev.IpcHandle()
	assert.ErrorIs(t, err, ErrNotInterprocess)
}

// =============================================================================
// IPC
// =============================================================================

// TestIPC_OpenSharesRecording verifies opened events observe the exporter
// Main test items:
// 1. Export an interprocess event and open its handle
// 2. Record the exported event behind a gate
// 3. The opened event reports pending, then complete once the gate opens
func TestIPC_OpenSharesRecording(t *testing.T) {
	rt := newTestRuntime(t)
	s := poolStream(t, rt, 0, false)
	exported := newEvent(t, rt, core.EventFlagDisableTiming|core.EventFlagInterprocess)

	handle, err := exported.IpcHandle()
	require.NoError(t, err)
	assert.False(t, handle.IsZero())

	ne, err := rt.OpenEventHandle(handle)
	require.NoError(t, err)
	opened := ne.(*Event)
	assert.Equal(t, exported.ID(), opened.ID())

	release := make(chan struct{})
	require.NoError(t, s.Launch("gate", Func(func() { <-release })))
	require.NoError(t, exported.Record(s))

	done, err := opened.Query()
	require.NoError(t, err)
	assert.False(t, done)

	close(release)
	require.NoError(t, opened.Synchronize())
	done, err = opened.Query()
	require.NoError(t, err)
	assert.True(t, done)
}

// TestIPC_OpenedBeforeRecord verifies an opened event knows its exporter
// has not recorded yet
// Given: an exported event that was never recorded, opened from its handle
// When: it is queried, blocked on and synchronized
// Then: query is false and the waits fail with ErrNotRecorded, while the
// exported event itself keeps the unrecorded-is-complete behavior
func TestIPC_OpenedBeforeRecord(t *testing.T) {
	rt := newTestRuntime(t)
	s := poolStream(t, rt, 0, false)
	exported := newEvent(t, rt, core.EventFlagDisableTiming|core.EventFlagInterprocess)
	handle, err := exported.IpcHandle()
	require.NoError(t, err)
	ne, err := rt.OpenEventHandle(handle)
	require.NoError(t, err)
	opened := ne.(*Event)

	done, err := opened.Query()
	require.NoError(t, err)
	assert.False(t, done)

	for _, err := range []error{opened.Block(s), opened.Synchronize()} {
		assert.ErrorIs(t, err, ErrNotRecorded)
		assert.True(t, core.IsPreconditionError(err))
	}
	assert.NoError(t, exported.Block(s))

	require.NoError(t, exported.Record(s))
	require.NoError(t, opened.Synchronize())
}

func TestEvent_ForeignStreamIsPrecondition(t *testing.T) {
	rt := newTestRuntime(t)
	other := newTestRuntime(t)
	ev := newEvent(t, rt, core.EventFlagDefault)
	foreign := poolStream(t, other, 0, false)

	for _, err := range []error{ev.Record(foreign), ev.Block(foreign)} {
		assert.ErrorIs(t, err, ErrForeignObject)
		assert.True(t, core.IsPreconditionError(err))
		assert.False(t, core.IsDeviceFault(err))
	}

	end := newEvent(t, other, core.EventFlagDefault)
	_, err := ev.ElapsedTime(end)
	assert.ErrorIs(t, err, ErrForeignObject)

	assert.True(t, core.IsPreconditionError(Launch(nil, "nil", Sleep(0))))
}

func TestIPC_RejectsForeignHandles(t *testing.T) {
	rt := newTestRuntime(t)
	other := newTestRuntime(t)
	ev := newEvent(t, other, core.EventFlagDisableTiming|core.EventFlagInterprocess)
	handle, err := ev.IpcHandle()
	require.NoError(t, err)

	_, err = rt.OpenEventHandle(handle)
	assert.ErrorIs(t, err, ErrUnknownHandle)

	_, err = rt.OpenEventHandle(core.IpcEventHandle{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidHandle)

	bad := handle
	bad[4] = 9
	_, err = other.OpenEventHandle(bad)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

// TestIPC_ReleaseRefCount verifies the shared state lives until every
// reference is released
// Given: an exported event opened twice
// When: references are released one by one
// Then: the handle stays openable until the last release
func TestIPC_ReleaseRefCount(t *testing.T) {
	rt := newTestRuntime(t)
	exported := newEvent(t, rt, core.EventFlagDisableTiming|core.EventFlagInterprocess)
	handle, err := exported.IpcHandle()
	require.NoError(t, err)

	ne, err := rt.OpenEventHandle(handle)
	require.NoError(t, err)
	opened := ne.(*Event)
	assert.Equal(t, 1, rt.LiveEvents())

	exported.Release()
	exported.Release()
	_, err = rt.OpenEventHandle(handle)
	require.NoError(t, err, "opened reference keeps the event alive")

	opened.Release()
	assert.Equal(t, 1, rt.LiveEvents(), "second opened reference is still live")
}

func TestIPC_HandleLayout(t *testing.T) {
	h := encodeHandle(0xABCDEF, 42)
	assert.Equal(t, "GSIM", string(h[0:4]))

	instance, id, err := decodeHandle(h)
	require.NoError(t, err)
	assert.EqualValues(t, 0xABCDEF, instance)
	assert.EqualValues(t, 42, id)
}

// =============================================================================
// Faults and shutdown
// =============================================================================

// TestFault_Sticky verifies a failed kernel poisons the device
// Main test items:
// 1. A failing kernel faults the device
// 2. Later kernels are skipped but control ops still run
// 3. Stream and event queries report the same fault
func TestFault_Sticky(t *testing.T) {
	rt := newTestRuntime(t)
	s := poolStream(t, rt, 0, false)
	other := poolStream(t, rt, 0, false)
	boom := errors.New("illegal address")

	var ran atomic.Bool
	require.NoError(t, s.Launch("bad", Fail(boom)))
	require.NoError(t, s.Launch("after", Func(func() { ran.Store(true) })))

	err := s.Synchronize()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKernelFault)
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran.Load())

	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "bad", fault.Op)
	assert.Equal(t, s.ID(), fault.Stream)

	_, err = other.Query()
	assert.ErrorIs(t, err, ErrKernelFault)

	ev := newEvent(t, rt, core.EventFlagDisableTiming)
	require.NoError(t, ev.Record(other))
	assert.ErrorIs(t, ev.Synchronize(), ErrKernelFault)

	rec, ok := rt.devices[0].FindOp("after")
	require.True(t, ok)
	assert.True(t, rec.Skipped)
	assert.True(t, rt.Stats()[0].Faulted)

	assert.ErrorIs(t, rt.Close(), boom)
}

func TestFault_PanicBecomesFault(t *testing.T) {
	rt := newTestRuntime(t)
	s := poolStream(t, rt, 0, false)

	require.NoError(t, s.Launch("panics", Func(func() { panic("kernel bug") })))
	err := s.Synchronize()
	assert.ErrorIs(t, err, ErrKernelFault)
	assert.Contains(t, err.Error(), "kernel bug")
}

// TestClose_ReleasesBlockedStreams verifies shutdown never hangs
// Given: stream B blocked on an event recorded behind a long kernel
// When: the runtime is closed
// Then: Close returns promptly and new work is rejected
func TestClose_ReleasesBlockedStreams(t *testing.T) {
	rt := newTestRuntime(t)
	a := poolStream(t, rt, 0, false)
	b := poolStream(t, rt, 0, false)
	ev := newEvent(t, rt, core.EventFlagDisableTiming)

	require.NoError(t, a.Launch("long", Sleep(time.Hour)))
	require.NoError(t, ev.Record(a))
	require.NoError(t, ev.Block(b))

	closed := make(chan error, 1)
	go func() { closed <- rt.Close() }()

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	err := a.Launch("late", Sleep(0))
	assert.ErrorIs(t, err, ErrRuntimeClosed)
	assert.True(t, core.IsPreconditionError(err))
	_, err = rt.StreamFromPool(0, false)
	assert.ErrorIs(t, err, ErrRuntimeClosed)
	_, err = rt.CreateEvent(core.EventFlagDefault)
	assert.ErrorIs(t, err, ErrRuntimeClosed)
	assert.NoError(t, rt.Close())
}

// TestConcurrentSubmission verifies streams accept work from many goroutines
func TestConcurrentSubmission(t *testing.T) {
	rt := newTestRuntime(t)
	s := poolStream(t, rt, 0, false)

	var count atomic.Int64
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = s.Launch("inc", Func(func() { count.Add(1) }))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, rt.devices[0].Synchronize())
	assert.EqualValues(t, 800, count.Load())
	assert.EqualValues(t, 0, rt.Stats()[0].Pending)
}

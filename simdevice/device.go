package simdevice

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swind/go-gpu-stream/core"
)

// ErrPoolExhausted is returned when a device has no stream of the requested
// priority class.
var ErrPoolExhausted = errors.New("simdevice: stream pool exhausted")

const (
	streamTypeBits = 2
	streamTypeLow  = 1
	streamTypeHigh = 2
)

// Device is one simulated GPU: a normal and a high priority stream pool,
// a sticky fault slot and an execution history.
type Device struct {
	rt    *Runtime
	index int

	initOnce sync.Once
	mu       sync.Mutex // guards low/high against stop
	low      []*Stream
	high     []*Stream
	stopped  bool
	nextLow  atomic.Uint32
	nextHigh atomic.Uint32

	fault   atomic.Pointer[FaultError]
	history *executionHistory
}

func newDevice(rt *Runtime, index int) *Device {
	return &Device{
		rt:      rt,
		index:   index,
		history: newExecutionHistory(rt.cfg.HistoryCapacity),
	}
}

// Index returns the device ordinal.
func (d *Device) Index() int {
	return d.index
}

// initPools creates the stream pools on first use.
func (d *Device) initPools() {
	d.initOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		if d.stopped {
			return
		}
		d.low = make([]*Stream, d.rt.cfg.StreamsPerPool)
		for i := range d.low {
			d.low[i] = newStream(d, makeStreamID(i, streamTypeLow), core.StreamPriorityNormal)
		}
		d.high = make([]*Stream, d.rt.cfg.HighPriorityStreamsPerPool)
		for i := range d.high {
			d.high[i] = newStream(d, makeStreamID(i, streamTypeHigh), core.StreamPriorityHigh)
		}
		d.rt.logger.Debug("device stream pools initialised",
			core.F("device", d.index), core.F("normal", len(d.low)), core.F("high", len(d.high)))
	})
}

func makeStreamID(index int, streamType int64) int64 {
	return int64(index)<<streamTypeBits | streamType
}

// streamFromPool hands out pool streams round-robin.
func (d *Device) streamFromPool(high bool) (*Stream, error) {
	d.initPools()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil, ErrRuntimeClosed
	}
	pool, next := d.low, &d.nextLow
	if high {
		pool, next = d.high, &d.nextHigh
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("%w: device %d has no %s priority streams", ErrPoolExhausted, d.index, priorityName(high))
	}
	idx := (next.Add(1) - 1) % uint32(len(pool))
	return pool[idx], nil
}

func priorityName(high bool) string {
	if high {
		return core.StreamPriorityHigh.String()
	}
	return core.StreamPriorityNormal.String()
}

// Streams returns the streams created so far, normal pool first.
func (d *Device) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Stream, 0, len(d.low)+len(d.high))
	out = append(out, d.low...)
	return append(out, d.high...)
}

// Synchronize waits for every stream of the device.
func (d *Device) Synchronize() error {
	for _, s := range d.Streams() {
		if err := s.q.waitIdle(); err != nil {
			return err
		}
	}
	return d.Fault()
}

// Fault returns the sticky fault of the device, or nil.
func (d *Device) Fault() error {
	if f := d.fault.Load(); f != nil {
		return f
	}
	return nil
}

func (d *Device) faulted() bool {
	return d.fault.Load() != nil
}

func (d *Device) setFault(op string, stream int64, err error) {
	f := &FaultError{Device: d.index, Stream: stream, Op: op, At: time.Now(), Err: err}
	if d.fault.CompareAndSwap(nil, f) {
		d.rt.logger.Error("kernel fault",
			core.F("device", d.index), core.F("stream", stream), core.F("op", op), core.F("error", err))
	}
}

// History returns up to limit executed ops, newest first.
func (d *Device) History(limit int) []core.ExecutionRecord {
	return d.history.Recent(limit)
}

// FindOp returns the newest executed op with the given name.
func (d *Device) FindOp(name string) (core.ExecutionRecord, bool) {
	return d.history.Find(name)
}

// Stats returns a snapshot of the device.
func (d *Device) Stats() core.DeviceStats {
	stats := core.DeviceStats{Index: d.index, Faulted: d.faulted()}
	for _, s := range d.Streams() {
		stats.Streams++
		stats.Pending += int(s.q.pending.Load())
		stats.Completed += s.q.completed.Load()
	}
	return stats
}

func (d *Device) stop() {
	d.mu.Lock()
	d.stopped = true
	streams := append(append([]*Stream(nil), d.low...), d.high...)
	d.mu.Unlock()

	for _, s := range streams {
		s.q.stop()
	}
}

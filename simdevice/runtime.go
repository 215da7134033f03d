// Package simdevice is an in-process device runtime. Every stream is a FIFO
// queue drained by its own goroutine, events are completion channels and
// cross-stream waits block the waiting stream's goroutine, which gives the
// same ordering guarantees as a GPU runtime without a GPU.
package simdevice

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/Swind/go-gpu-stream/core"
	"go.uber.org/multierr"
)

// BackendName is the name the runtime registers with core.RegisterBackend.
const BackendName = "simulated"

func init() {
	core.RegisterBackend(BackendName, func(opts core.BackendOptions) (core.Runtime, func() error, error) {
		rt, err := New(Config{
			DeviceCount:                opts.DeviceCount,
			CurrentDevice:              opts.CurrentDevice,
			StreamsPerPool:             opts.StreamsPerPool,
			HighPriorityStreamsPerPool: opts.HighPriorityStreamsPerPool,
			HistoryCapacity:            opts.HistoryCapacity,
			Logger:                     opts.Logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return rt, rt.Close, nil
	})
}

// Config describes the simulated machine.
type Config struct {
	DeviceCount   int
	CurrentDevice int

	// StreamsPerPool is the size of each device's normal priority pool.
	StreamsPerPool int

	// HighPriorityStreamsPerPool is the size of each device's high priority
	// pool. Zero makes high priority requests fail.
	HighPriorityStreamsPerPool int

	// HistoryCapacity bounds the per-device execution history.
	HistoryCapacity int

	// Logger defaults to core.NoOpLogger.
	Logger core.Logger
}

// DefaultConfig returns a single device with 32 streams per pool, the pool
// size CUDA runtimes commonly use.
func DefaultConfig() Config {
	return Config{
		DeviceCount:                1,
		CurrentDevice:              0,
		StreamsPerPool:             32,
		HighPriorityStreamsPerPool: 32,
		HistoryCapacity:            defaultHistoryCapacity,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs error
	if c.DeviceCount < 1 {
		errs = multierr.Append(errs, fmt.Errorf("device count must be at least 1, got %d", c.DeviceCount))
	}
	if c.CurrentDevice < 0 || c.CurrentDevice >= max(c.DeviceCount, 1) {
		errs = multierr.Append(errs, fmt.Errorf("current device %d out of range", c.CurrentDevice))
	}
	if c.StreamsPerPool < 1 {
		errs = multierr.Append(errs, fmt.Errorf("streams per pool must be at least 1, got %d", c.StreamsPerPool))
	}
	if c.HighPriorityStreamsPerPool < 0 {
		errs = multierr.Append(errs, fmt.Errorf("high priority streams per pool must not be negative, got %d", c.HighPriorityStreamsPerPool))
	}
	if c.HistoryCapacity < 0 {
		errs = multierr.Append(errs, fmt.Errorf("history capacity must not be negative, got %d", c.HistoryCapacity))
	}
	return errs
}

var instances atomic.Uint32

// Runtime implements core.Runtime.
type Runtime struct {
	cfg      Config
	instance uint64
	logger   core.Logger
	devices  []*Device
	current  atomic.Int32
	closed   atomic.Bool

	nextEventID atomic.Uint64
	liveEvents  atomic.Int64
	eventsMu    sync.Mutex
	exported    map[uint64]*eventState
}

var _ core.Runtime = (*Runtime)(nil)

// New creates a runtime. Stream pools are created lazily per device.
func New(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewNoOpLogger()
	}

	rt := &Runtime{
		cfg:      cfg,
		instance: uint64(os.Getpid())<<32 | uint64(instances.Add(1)),
		logger:   cfg.Logger,
		exported: make(map[uint64]*eventState),
	}
	rt.current.Store(int32(cfg.CurrentDevice))
	rt.devices = make([]*Device, cfg.DeviceCount)
	for i := range rt.devices {
		rt.devices[i] = newDevice(rt, i)
	}
	return rt, nil
}

func (r *Runtime) DeviceCount() int   { return len(r.devices) }
func (r *Runtime) CurrentDevice() int { return int(r.current.Load()) }

// SetDevice changes the device used for core.CurrentDevice requests.
func (r *Runtime) SetDevice(index int) error {
	if index < 0 || index >= len(r.devices) {
		return fmt.Errorf("simdevice: invalid device %d", index)
	}
	r.current.Store(int32(index))
	return nil
}

// Device returns the device with the given index.
func (r *Runtime) Device(index int) (*Device, error) {
	if index < 0 || index >= len(r.devices) {
		return nil, fmt.Errorf("simdevice: invalid device %d", index)
	}
	return r.devices[index], nil
}

// StreamFromPool implements core.Runtime.
func (r *Runtime) StreamFromPool(device int, highPriority bool) (core.NativeStream, error) {
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}
	d, err := r.Device(device)
	if err != nil {
		return nil, err
	}
	return d.streamFromPool(highPriority)
}

// CreateEvent implements core.Runtime.
func (r *Runtime) CreateEvent(flags core.EventFlags) (core.NativeEvent, error) {
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}
	if flags.Has(core.EventFlagInterprocess) && !flags.Has(core.EventFlagDisableTiming) {
		return nil, fmt.Errorf("simdevice: interprocess events require timing to be disabled")
	}

	state := &eventState{id: r.nextEventID.Add(1), flags: flags, refs: 1}
	if flags.Has(core.EventFlagInterprocess) {
		r.eventsMu.Lock()
		r.exported[state.id] = state
		r.eventsMu.Unlock()
	}
	r.liveEvents.Add(1)
	return &Event{rt: r, state: state}, nil
}

// OpenEventHandle implements core.Runtime. Only handles exported by this
// runtime instance can be opened.
func (r *Runtime) OpenEventHandle(handle core.IpcEventHandle) (core.NativeEvent, error) {
	instance, id, err := decodeHandle(handle)
	if err != nil {
		return nil, err
	}
	if instance != r.instance {
		return nil, fmt.Errorf("%w: handle of runtime %#x opened by %#x", ErrUnknownHandle, instance, r.instance)
	}

	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()

	state, ok := r.exported[id]
	if !ok {
		return nil, fmt.Errorf("%w: event %d", ErrUnknownHandle, id)
	}
	state.refs++
	return &Event{rt: r, state: state, opened: true}, nil
}

func (r *Runtime) releaseEvent(state *eventState) {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()

	state.refs--
	if state.refs > 0 {
		return
	}
	delete(r.exported, state.id)
	r.liveEvents.Add(-1)
}

// LiveEvents returns the number of events not yet released.
func (r *Runtime) LiveEvents() int {
	return int(r.liveEvents.Load())
}

// Stats returns a snapshot of every device.
func (r *Runtime) Stats() []core.DeviceStats {
	out := make([]core.DeviceStats, len(r.devices))
	for i, d := range r.devices {
		out[i] = d.Stats()
	}
	return out
}

// Close stops every stream. Queued kernels are skipped, waits are released.
// The returned error combines the sticky faults of all devices.
func (r *Runtime) Close() error {
	if r.closed.Swap(true) {
		return nil
	}

	var errs error
	for _, d := range r.devices {
		d.stop()
		errs = multierr.Append(errs, d.Fault())
	}
	r.logger.Info("simulated runtime closed",
		core.F("devices", len(r.devices)), core.F("faults", len(multierr.Errors(errs))))
	return errs
}

//go:build cuda

// Package cuda is the CUDA runtime backend. It registers itself as "cuda"
// with core.RegisterBackend and is only built with -tags cuda.
package cuda

/*
#cgo LDFLAGS: -lcudart
#include <cuda_runtime.h>
*/
import "C"

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/Swind/go-gpu-stream/core"
	"go.uber.org/multierr"
)

// BackendName is the name the runtime registers with core.RegisterBackend.
const BackendName = "cuda"

func init() {
	core.RegisterBackend(BackendName, func(opts core.BackendOptions) (core.Runtime, func() error, error) {
		rt, err := New(opts)
		if err != nil {
			return nil, nil, err
		}
		return rt, rt.Close, nil
	})
}

func result(code C.cudaError_t) error {
	if code != C.cudaSuccess {
		return fmt.Errorf("CUDA error: %s", C.GoString(C.cudaGetErrorString(code)))
	}
	return nil
}

// withDevice runs fn with device current on a locked OS thread. The CUDA
// current device is per thread.
func withDevice(device int, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var prev C.int
	if err := result(C.cudaGetDevice(&prev)); err != nil {
		return err
	}
	if int(prev) != device {
		if err := result(C.cudaSetDevice(C.int(device))); err != nil {
			return err
		}
		defer C.cudaSetDevice(prev)
	}
	return fn()
}

// Runtime implements core.Runtime over the CUDA runtime API.
type Runtime struct {
	opts    core.BackendOptions
	logger  core.Logger
	devices []*device
	closed  atomic.Bool
}

var _ core.Runtime = (*Runtime)(nil)

// New counts the visible devices. opts.DeviceCount, when positive, limits
// how many are used.
func New(opts core.BackendOptions) (*Runtime, error) {
	var count C.int
	if err := result(C.cudaGetDeviceCount(&count)); err != nil {
		return nil, err
	}
	n := int(count)
	if n == 0 {
		return nil, fmt.Errorf("cuda: no devices visible")
	}
	if opts.DeviceCount > 0 && opts.DeviceCount < n {
		n = opts.DeviceCount
	}
	if opts.StreamsPerPool < 1 {
		return nil, fmt.Errorf("cuda: streams per pool must be at least 1, got %d", opts.StreamsPerPool)
	}
	if opts.Logger == nil {
		opts.Logger = core.NewNoOpLogger()
	}

	rt := &Runtime{opts: opts, logger: opts.Logger, devices: make([]*device, n)}
	for i := range rt.devices {
		rt.devices[i] = &device{rt: rt, index: i}
	}
	return rt, nil
}

func (r *Runtime) DeviceCount() int { return len(r.devices) }

// CurrentDevice returns the CUDA current device of the calling thread.
func (r *Runtime) CurrentDevice() int {
	var dev C.int
	if err := result(C.cudaGetDevice(&dev)); err != nil {
		return r.opts.CurrentDevice
	}
	return int(dev)
}

// StreamFromPool implements core.Runtime.
func (r *Runtime) StreamFromPool(device int, highPriority bool) (core.NativeStream, error) {
	if r.closed.Load() {
		return nil, fmt.Errorf("cuda: runtime is closed")
	}
	if device < 0 || device >= len(r.devices) {
		return nil, fmt.Errorf("cuda: invalid device %d", device)
	}
	return r.devices[device].streamFromPool(highPriority)
}

// CreateEvent implements core.Runtime. The CUDA event is created on the
// device of the first stream it is recorded on.
func (r *Runtime) CreateEvent(flags core.EventFlags) (core.NativeEvent, error) {
	if r.closed.Load() {
		return nil, fmt.Errorf("cuda: runtime is closed")
	}
	return &Event{rt: r, flags: flags, device: -1}, nil
}

// OpenEventHandle implements core.Runtime.
func (r *Runtime) OpenEventHandle(handle core.IpcEventHandle) (core.NativeEvent, error) {
	var h C.cudaIpcEventHandle_t
	copyToIpcHandle(&h, handle)

	dev := r.CurrentDevice()
	ev := &Event{rt: r, flags: core.EventFlagDisableTiming | core.EventFlagInterprocess, device: dev}
	err := withDevice(dev, func() error {
		return result(C.cudaIpcOpenEventHandle(&ev.handle, h))
	})
	if err != nil {
		return nil, err
	}
	ev.created = true
	return ev, nil
}

// Close synchronizes every device whose pools were initialised. Pool
// streams live for the rest of the process.
func (r *Runtime) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	var errs error
	for _, d := range r.devices {
		if !d.initialised.Load() {
			continue
		}
		errs = multierr.Append(errs, withDevice(d.index, func() error {
			return result(C.cudaDeviceSynchronize())
		}))
	}
	r.logger.Info("cuda runtime closed", core.F("devices", len(r.devices)))
	return errs
}

// =============================================================================
// Stream pools
// =============================================================================

const (
	streamTypeBits = 2
	streamTypeLow  = 1
	streamTypeHigh = 2
)

type device struct {
	rt    *Runtime
	index int

	initOnce    sync.Once
	initErr     error
	initialised atomic.Bool
	low, high   []*Stream
	nextLow     atomic.Uint32
	nextHigh    atomic.Uint32
}

func (d *device) initPools() error {
	d.initOnce.Do(func() {
		d.initErr = withDevice(d.index, func() error {
			var least, greatest C.int
			if err := result(C.cudaDeviceGetStreamPriorityRange(&least, &greatest)); err != nil {
				return err
			}
			low, err := d.createPool(d.rt.opts.StreamsPerPool, least, streamTypeLow, core.StreamPriorityNormal)
			if err != nil {
				return err
			}
			high, err := d.createPool(d.rt.opts.HighPriorityStreamsPerPool, greatest, streamTypeHigh, core.StreamPriorityHigh)
			if err != nil {
				return err
			}
			d.low, d.high = low, high
			return nil
		})
		if d.initErr == nil {
			d.initialised.Store(true)
			d.rt.logger.Debug("device stream pools initialised",
				core.F("device", d.index), core.F("normal", len(d.low)), core.F("high", len(d.high)))
		}
	})
	return d.initErr
}

func (d *device) createPool(n int, priority C.int, streamType int64, class core.StreamPriority) ([]*Stream, error) {
	pool := make([]*Stream, n)
	for i := range pool {
		var handle C.cudaStream_t
		if err := result(C.cudaStreamCreateWithPriority(&handle, C.cudaStreamNonBlocking, priority)); err != nil {
			return nil, fmt.Errorf("cuda: creating %s priority stream %d on device %d: %w", class, i, d.index, err)
		}
		pool[i] = &Stream{
			device:   d.index,
			id:       int64(i)<<streamTypeBits | streamType,
			priority: class,
			handle:   handle,
		}
	}
	return pool, nil
}

func (d *device) streamFromPool(high bool) (*Stream, error) {
	if err := d.initPools(); err != nil {
		return nil, err
	}
	pool, next := d.low, &d.nextLow
	if high {
		pool, next = d.high, &d.nextHigh
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("cuda: device %d has no high priority streams", d.index)
	}
	return pool[(next.Add(1)-1)%uint32(len(pool))], nil
}

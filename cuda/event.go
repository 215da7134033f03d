//go:build cuda

package cuda

/*
#include <string.h>
#include <cuda_runtime.h>
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/Swind/go-gpu-stream/core"
)

// Event is a lazily created cudaEvent_t. It implements core.NativeEvent and
// core.Releaser.
type Event struct {
	rt    *Runtime
	flags core.EventFlags

	mu      sync.Mutex
	created bool
	device  int
	handle  C.cudaEvent_t
}

var (
	_ core.NativeEvent = (*Event)(nil)
	_ core.Releaser    = (*Event)(nil)
)

// createLocked creates the CUDA event on device. e.mu must be held.
func (e *Event) createLocked(device int) error {
	if e.created {
		return nil
	}
	err := withDevice(device, func() error {
		return result(C.cudaEventCreateWithFlags(&e.handle, C.uint(e.flags)))
	})
	if err != nil {
		return err
	}
	e.created = true
	e.device = device
	return nil
}

func (e *Event) Record(stream core.NativeStream) error {
	s, err := asStream(stream)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.createLocked(s.device); err != nil {
		return err
	}
	if e.device != s.device {
		return core.NewPreconditionError("cuda.event.record",
			fmt.Sprintf("event created on device %d recorded on stream of device %d", e.device, s.device), nil)
	}
	return withDevice(s.device, func() error {
		return result(C.cudaEventRecord(e.handle, s.handle))
	})
}

func (e *Event) Query() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.created {
		return true, nil
	}
	var done bool
	err := withDevice(e.device, func() error {
		switch code := C.cudaEventQuery(e.handle); code {
		case C.cudaSuccess:
			done = true
			return nil
		case C.cudaErrorNotReady:
			C.cudaGetLastError()
			return nil
		default:
			return result(code)
		}
	})
	return done, err
}

func (e *Event) Synchronize() error {
	e.mu.Lock()
	created, device, handle := e.created, e.device, e.handle
	e.mu.Unlock()

	if !created {
		return nil
	}
	return withDevice(device, func() error {
		return result(C.cudaEventSynchronize(handle))
	})
}

func (e *Event) Block(stream core.NativeStream) error {
	s, err := asStream(stream)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.created {
		return nil
	}
	return withDevice(s.device, func() error {
		return result(C.cudaStreamWaitEvent(s.handle, e.handle, 0))
	})
}

func (e *Event) ElapsedTime(end core.NativeEvent) (float64, error) {
	other, ok := end.(*Event)
	if !ok || other == nil {
		return 0, core.NewPreconditionError("cuda.event.elapsedTime",
			fmt.Sprintf("event %T does not belong to the cuda runtime", end), nil)
	}

	e.mu.Lock()
	start, startCreated := e.handle, e.created
	e.mu.Unlock()
	other.mu.Lock()
	stop, stopCreated := other.handle, other.created
	other.mu.Unlock()

	if !startCreated || !stopCreated {
		return 0, core.NewPreconditionError("cuda.event.elapsedTime", "both events must be recorded", nil)
	}

	var ms C.float
	err := withDevice(e.device, func() error {
		return result(C.cudaEventElapsedTime(&ms, start, stop))
	})
	return float64(ms), err
}

func (e *Event) IpcHandle() (core.IpcEventHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.createLocked(e.rt.CurrentDevice()); err != nil {
		return core.IpcEventHandle{}, err
	}

	var h C.cudaIpcEventHandle_t
	err := withDevice(e.device, func() error {
		return result(C.cudaIpcGetEventHandle(&h, e.handle))
	})
	if err != nil {
		return core.IpcEventHandle{}, err
	}
	return fromIpcHandle(&h), nil
}

// Release destroys the CUDA event. It is idempotent.
func (e *Event) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.created {
		return
	}
	if err := withDevice(e.device, func() error { return result(C.cudaEventDestroy(e.handle)) }); err != nil {
		e.rt.logger.Warn("cuda event destroy failed", core.F("device", e.device), core.F("error", err))
	}
	e.created = false
}

func fromIpcHandle(h *C.cudaIpcEventHandle_t) core.IpcEventHandle {
	var out core.IpcEventHandle
	C.memcpy(unsafe.Pointer(&out[0]), unsafe.Pointer(h), C.size_t(core.IpcEventHandleSize))
	return out
}

func copyToIpcHandle(dst *C.cudaIpcEventHandle_t, src core.IpcEventHandle) {
	C.memcpy(unsafe.Pointer(dst), unsafe.Pointer(&src[0]), C.size_t(core.IpcEventHandleSize))
}

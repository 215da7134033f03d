package simdevice

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/Swind/go-gpu-stream/core"
)

var (
	// ErrTimingDisabled is returned by ElapsedTime on events created with
	// core.EventFlagDisableTiming.
	ErrTimingDisabled = errors.New("simdevice: event was created with timing disabled")

	// ErrNotReady is returned by ElapsedTime when an event has not completed.
	ErrNotReady = errors.New("simdevice: event not ready")

	// ErrNotInterprocess is returned by IpcHandle on process-local events.
	ErrNotInterprocess = errors.New("simdevice: event is not interprocess")

	// ErrForeignObject is matched by errors for streams or events handed to
	// a runtime that did not create them.
	ErrForeignObject = errors.New("simdevice: object belongs to another runtime")

	// ErrNotRecorded is matched when an event opened from an IPC handle is
	// waited on before its exporter recorded it.
	ErrNotRecorded = errors.New("simdevice: exported event has not been recorded")
)

// recording is one Record call: the position it captured completes when the
// stream reaches it.
type recording struct {
	device *Device
	stream int64
	done   chan struct{}
	at     time.Time // written before done is closed
}

func (r *recording) completed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// eventState is shared between an exported event and the events opened from
// its IPC handle.
type eventState struct {
	id    uint64
	flags core.EventFlags
	rec   atomic.Pointer[recording]
	refs  int // guarded by Runtime.eventsMu
}

// Event is a simulated completion marker. It implements core.NativeEvent and
// core.Releaser.
type Event struct {
	rt       *Runtime
	state    *eventState
	opened   bool // created by OpenEventHandle
	released atomic.Bool
}

var (
	_ core.NativeEvent = (*Event)(nil)
	_ core.Releaser    = (*Event)(nil)
)

// ID returns the runtime-wide event id.
func (e *Event) ID() uint64 { return e.state.id }

// Flags returns the creation flags.
func (e *Event) Flags() core.EventFlags { return e.state.flags }

// Record captures the current tail of stream. The previous recording, if
// any, stays valid for waits already issued against it.
func (e *Event) Record(stream core.NativeStream) error {
	s, err := e.ownStream(stream)
	if err != nil {
		return err
	}

	rec := &recording{device: s.device, stream: s.id, done: make(chan struct{})}
	timed := !e.state.flags.Has(core.EventFlagDisableTiming)
	err = s.q.post(op{
		name: fmt.Sprintf("event_record/%d", e.state.id),
		kind: opRecord,
		run: func(context.Context) error {
			if timed {
				rec.at = time.Now()
			}
			close(rec.done)
			return nil
		},
	})
	if err != nil {
		return err
	}
	e.state.rec.Store(rec)
	return nil
}

// Query reports whether the recorded position has been reached. An event
// that was never recorded reports true, unless it was opened from a handle:
// then it reports false until the exporter records it.
func (e *Event) Query() (bool, error) {
	rec := e.state.rec.Load()
	if rec == nil {
		return !e.opened, nil
	}
	if err := rec.device.Fault(); err != nil {
		return false, err
	}
	return rec.completed(), nil
}

// Synchronize blocks until the recorded position has been reached. Events
// created with core.EventFlagBlockingSync park the goroutine on the
// completion channel; others spin, yielding the processor between polls.
func (e *Event) Synchronize() error {
	rec := e.state.rec.Load()
	if rec == nil {
		return e.notRecorded("simdevice.event.synchronize")
	}

	if e.state.flags.Has(core.EventFlagBlockingSync) {
		<-rec.done
	} else {
		for !rec.completed() {
			runtime.Gosched()
		}
	}
	return rec.device.Fault()
}

// Block makes all ops posted to stream after this call wait for the current
// recording.
func (e *Event) Block(stream core.NativeStream) error {
	s, err := e.ownStream(stream)
	if err != nil {
		return err
	}
	rec := e.state.rec.Load()
	if rec == nil {
		return e.notRecorded("simdevice.event.block")
	}

	return s.q.post(op{
		name: fmt.Sprintf("event_wait/%d", e.state.id),
		kind: opWait,
		run: func(ctx context.Context) error {
			select {
			case <-rec.done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

// ElapsedTime returns the milliseconds between this event's and end's
// recorded positions.
func (e *Event) ElapsedTime(end core.NativeEvent) (float64, error) {
	other, ok := end.(*Event)
	if !ok || other == nil || other.rt != e.rt {
		return 0, core.NewPreconditionError("simdevice.event.elapsedTime",
			fmt.Sprintf("end event %T", end), ErrForeignObject)
	}
	for _, ev := range [...]*Event{e, other} {
		if ev.state.flags.Has(core.EventFlagDisableTiming) {
			return 0, ErrTimingDisabled
		}
	}

	start, stop := e.state.rec.Load(), other.state.rec.Load()
	if start == nil || stop == nil || !start.completed() || !stop.completed() {
		return 0, ErrNotReady
	}
	return float64(stop.at.Sub(start.at).Nanoseconds()) / float64(time.Millisecond), nil
}

// IpcHandle exports the event. The handle can be opened by the same runtime
// through OpenEventHandle, from any goroutine and after any transport.
func (e *Event) IpcHandle() (core.IpcEventHandle, error) {
	if !e.state.flags.Has(core.EventFlagInterprocess) {
		return core.IpcEventHandle{}, ErrNotInterprocess
	}
	return encodeHandle(e.rt.instance, e.state.id), nil
}

// Release drops this reference to the event state. It is idempotent.
func (e *Event) Release() {
	if e.released.Swap(true) {
		return
	}
	e.rt.releaseEvent(e.state)
}

func (e *Event) ownStream(stream core.NativeStream) (*Stream, error) {
	s, err := asStream(stream)
	if err != nil {
		return nil, err
	}
	if s.device.rt != e.rt {
		return nil, core.NewPreconditionError("simdevice.event",
			fmt.Sprintf("stream %d", s.id), ErrForeignObject)
	}
	return s, nil
}

// notRecorded is nil for process-local events, which behave like CUDA events
// and treat an unrecorded wait as already satisfied. Opened events report
// the missing recording instead.
func (e *Event) notRecorded(op string) error {
	if !e.opened {
		return nil
	}
	return core.NewPreconditionError(op, fmt.Sprintf("event %d", e.state.id), ErrNotRecorded)
}

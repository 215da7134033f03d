package core

import (
	"runtime"
	"sync/atomic"
	"time"
)

// =============================================================================
// EventOptions: construction flags of an event
// =============================================================================

// EventFlags are the native flag bits handed to Runtime.CreateEvent. The
// values match the CUDA runtime's cudaEvent* flags.
type EventFlags uint32

const (
	EventFlagDefault       EventFlags = 0
	EventFlagBlockingSync  EventFlags = 1 << 0
	EventFlagDisableTiming EventFlags = 1 << 1
	EventFlagInterprocess  EventFlags = 1 << 2
)

// Has reports whether all bits of flag are set.
func (f EventFlags) Has(flag EventFlags) bool {
	return f&flag == flag
}

// EventOptions are the construction flags of an Event. The zero value is
// DefaultEventOptions.
type EventOptions struct {
	// EnableTiming makes the event capture device timestamps so that
	// ElapsedTime can be used.
	EnableTiming bool

	// Blocking makes host waits yield the OS thread instead of spinning.
	Blocking bool

	// Interprocess allows exporting the event with IpcHandle. Incompatible
	// with EnableTiming.
	Interprocess bool
}

// DefaultEventOptions returns options for a non-timed, spin-waited,
// process-local event.
func DefaultEventOptions() EventOptions {
	return EventOptions{}
}

// TimingEventOptions returns options for an event usable with ElapsedTime.
func TimingEventOptions() EventOptions {
	return EventOptions{EnableTiming: true}
}

// Flags converts the options to native flags.
func (o EventOptions) Flags() (EventFlags, error) {
	flags := EventFlagDisableTiming
	if o.EnableTiming {
		flags = EventFlagDefault
	}
	if o.Blocking {
		flags |= EventFlagBlockingSync
	}
	if o.Interprocess {
		if o.EnableTiming {
			return 0, configurationError("event.new", "interprocess events cannot enable timing", nil)
		}
		flags |= EventFlagInterprocess
	}
	return flags, nil
}

// =============================================================================
// Event
// =============================================================================

// Event marks a position in a stream's submission order.
//
// An Event is either unrecorded or bound to the stream of its latest Record
// call. Re-recording rebinds it; concurrent Record calls on the same event
// must be ordered by the caller, the last one to reach the runtime wins.
type Event struct {
	client *Client
	opts   EventOptions
	native NativeEvent

	recorded atomic.Bool
	stream   atomic.Pointer[Stream]
}

// NewEvent allocates an unrecorded event.
func (c *Client) NewEvent(opts EventOptions) (*Event, error) {
	flags, err := opts.Flags()
	if err != nil {
		return nil, err
	}
	native, err := c.runtime.CreateEvent(flags)
	if err != nil {
		return nil, configurationError("event.new", "runtime could not create event", err)
	}
	return c.wrapEvent(opts, native), nil
}

// OpenEvent reconstructs an event from a handle exported by IpcHandle. The
// resulting event is considered recorded: its position is owned by the
// exporting side.
func (c *Client) OpenEvent(handle IpcEventHandle) (*Event, error) {
	if handle.IsZero() {
		return nil, configurationError("event.open", "ipc handle is empty", nil)
	}
	native, err := c.runtime.OpenEventHandle(handle)
	if err != nil {
		return nil, configurationError("event.open", "runtime rejected ipc handle", err)
	}
	e := c.wrapEvent(EventOptions{Interprocess: true}, native)
	e.recorded.Store(true)
	return e, nil
}

func (c *Client) wrapEvent(opts EventOptions, native NativeEvent) *Event {
	e := &Event{client: c, opts: opts, native: native}
	if r, ok := native.(Releaser); ok {
		runtime.AddCleanup(e, func(r Releaser) { r.Release() }, r)
	}
	return e
}

// Record binds the event to the current tail of s.
func (e *Event) Record(s *Stream) error {
	const op = "event.record"

	if s == nil {
		return preconditionError(op, "stream is nil")
	}
	if !e.client.sameRuntime(s.client) {
		return preconditionError(op, "stream belongs to another runtime")
	}
	if err := e.native.Record(s.native); err != nil {
		return e.client.fail(op, s.DeviceIndex(), deviceFault(op, err))
	}
	e.stream.Store(s)
	e.recorded.Store(true)
	e.client.metrics.RecordEventRecorded(s.DeviceIndex())
	return nil
}

// Query reports whether the recorded position has been reached. An
// unrecorded event reports false.
func (e *Event) Query() (bool, error) {
	if !e.IsRecorded() {
		return false, nil
	}
	done, err := e.native.Query()
	if err != nil {
		return false, e.client.fail("event.query", e.device(), deviceFault("event.query", err))
	}
	return done, nil
}

// Synchronize blocks until the recorded position has been reached.
func (e *Event) Synchronize() error {
	const op = "event.synchronize"

	if !e.IsRecorded() {
		return preconditionError(op, "event has not been recorded")
	}
	start := time.Now()
	err := e.native.Synchronize()
	e.client.metrics.RecordSynchronize("event", e.device(), time.Since(start))
	if err != nil {
		return e.client.fail(op, e.device(), deviceFault(op, err))
	}
	return nil
}

// Wait makes future work on s wait for this event. Same as s.WaitEvent(e).
func (e *Event) Wait(s *Stream) error {
	if s == nil {
		return preconditionError("event.wait", "stream is nil")
	}
	return s.WaitEvent(e)
}

// ElapsedTime returns the device-measured milliseconds between this event and
// end. Both events need timing enabled and must have completed.
func (e *Event) ElapsedTime(end *Event) (float64, error) {
	const op = "event.elapsedTime"

	if end == nil {
		return 0, preconditionError(op, "end event is nil")
	}
	if !e.client.sameRuntime(end.client) {
		return 0, preconditionError(op, "events belong to different runtimes")
	}
	if !e.opts.EnableTiming || !end.opts.EnableTiming {
		return 0, preconditionError(op, "both events must be created with EnableTiming")
	}
	if !e.IsRecorded() || !end.IsRecorded() {
		return 0, preconditionError(op, "both events must be recorded")
	}
	for _, ev := range [...]*Event{e, end} {
		done, err := ev.Query()
		if err != nil {
			return 0, err
		}
		if !done {
			return 0, preconditionError(op, "both events must have completed")
		}
	}

	ms, err := e.native.ElapsedTime(end.native)
	if err != nil {
		return 0, e.client.fail(op, e.device(), deviceFault(op, err))
	}
	return ms, nil
}

// ElapsedDuration is ElapsedTime as a time.Duration.
func (e *Event) ElapsedDuration(end *Event) (time.Duration, error) {
	ms, err := e.ElapsedTime(end)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// IpcHandle exports the event for another process. The event must have been
// created with Interprocess.
func (e *Event) IpcHandle() (IpcEventHandle, error) {
	const op = "event.ipcHandle"

	if !e.opts.Interprocess {
		return IpcEventHandle{}, preconditionError(op, "event was not created with Interprocess")
	}
	h, err := e.native.IpcHandle()
	if err != nil {
		return IpcEventHandle{}, e.client.fail(op, e.device(), deviceFault(op, err))
	}
	return h, nil
}

// IsRecorded reports whether Record has been called at least once (or the
// event was opened from an IPC handle).
func (e *Event) IsRecorded() bool {
	return e.recorded.Load()
}

// Stream returns the stream of the latest Record call, or nil.
func (e *Event) Stream() *Stream {
	return e.stream.Load()
}

// Options returns the construction options.
func (e *Event) Options() EventOptions {
	return e.opts
}

// Native returns the runtime event.
func (e *Event) Native() NativeEvent {
	return e.native
}

func (e *Event) device() int {
	if s := e.stream.Load(); s != nil {
		return s.DeviceIndex()
	}
	return CurrentDevice
}

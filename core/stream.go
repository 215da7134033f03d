package core

import (
	"fmt"
	"time"
)

// CurrentDevice asks the runtime for its current device when passed as a
// device index.
const CurrentDevice = -1

const (
	packIDBits = 48
	packIDMask = (int64(1) << packIDBits) - 1
)

// Stream is a handle to an ordered asynchronous command queue on one device.
//
// A Stream is immutable after construction and may be shared freely between
// goroutines. It does not own device resources: the runtime pool does.
type Stream struct {
	client   *Client
	native   NativeStream
	priority StreamPriority
}

// NewStream acquires a stream from the runtime pool. device CurrentDevice (-1)
// selects the runtime's current device; priority is collapsed through
// PriorityFromInt.
func (c *Client) NewStream(device int, priority int) (*Stream, error) {
	return c.NewStreamWithPriority(device, PriorityFromInt(priority))
}

// NewStreamWithPriority acquires a stream with an explicit priority class.
func (c *Client) NewStreamWithPriority(device int, priority StreamPriority) (*Stream, error) {
	const op = "stream.acquire"

	if device == CurrentDevice {
		device = c.runtime.CurrentDevice()
	}
	if count := c.runtime.DeviceCount(); device < 0 || device >= count {
		return nil, configurationError(op,
			fmt.Sprintf("invalid device index %d (%d devices available)", device, count), nil)
	}

	native, err := c.runtime.StreamFromPool(device, priority.IsHigh())
	if err != nil {
		return nil, configurationError(op,
			fmt.Sprintf("pool could not allocate a %s priority stream on device %d", priority, device), err)
	}

	s := &Stream{client: c, native: native, priority: priority}
	c.metrics.RecordStreamAcquired(device, priority)
	c.logger.Debug("stream acquired",
		F("device", device), F("stream", native.ID()), F("priority", priority.String()))
	return s, nil
}

// Query reports whether all work submitted so far has completed. It never
// blocks.
func (s *Stream) Query() (bool, error) {
	done, err := s.native.Query()
	if err != nil {
		return false, s.client.fail("stream.query", s.DeviceIndex(), deviceFault("stream.query", err))
	}
	return done, nil
}

// Synchronize blocks until all work submitted so far has completed.
func (s *Stream) Synchronize() error {
	start := time.Now()
	err := s.native.Synchronize()
	s.client.metrics.RecordSynchronize("stream", s.DeviceIndex(), time.Since(start))
	if err != nil {
		return s.client.fail("stream.synchronize", s.DeviceIndex(), deviceFault("stream.synchronize", err))
	}
	return nil
}

// RecordEvent records ev at the current tail of the stream and returns it.
// When ev is nil a default-configured event is allocated first.
func (s *Stream) RecordEvent(ev *Event) (*Event, error) {
	if ev == nil {
		var err error
		if ev, err = s.client.NewEvent(DefaultEventOptions()); err != nil {
			return nil, err
		}
	}
	if err := ev.Record(s); err != nil {
		return nil, err
	}
	return ev, nil
}

// RecordNewEvent allocates a default event and records it on the stream.
func (s *Stream) RecordNewEvent() (*Event, error) {
	return s.RecordEvent(nil)
}

// WaitEvent makes all work submitted to this stream after the call wait until
// ev's recorded position has completed. The host is not blocked.
func (s *Stream) WaitEvent(ev *Event) error {
	const op = "stream.waitEvent"

	if ev == nil {
		return preconditionError(op, "event is nil")
	}
	if !ev.IsRecorded() {
		return preconditionError(op, "event has not been recorded")
	}
	if !s.client.sameRuntime(ev.client) {
		return preconditionError(op, "event belongs to another runtime")
	}
	if err := ev.native.Block(s.native); err != nil {
		return s.client.fail(op, s.DeviceIndex(), deviceFault(op, err))
	}
	s.client.metrics.RecordCrossStreamWait(s.DeviceIndex())
	return nil
}

// WaitStream makes future work on this stream wait for all work currently
// submitted to other.
func (s *Stream) WaitStream(other *Stream) error {
	if other == nil {
		return preconditionError("stream.waitStream", "stream is nil")
	}
	ev, err := other.RecordNewEvent()
	if err != nil {
		return err
	}
	s.client.logger.Debug("stream waits on stream",
		F("stream", s.String()), F("other", other.String()))
	return s.WaitEvent(ev)
}

// DeviceIndex returns the index of the device owning the stream.
func (s *Stream) DeviceIndex() int {
	return s.native.DeviceIndex()
}

// ID returns the runtime's stream identifier.
func (s *Stream) ID() int64 {
	return s.native.ID()
}

// Priority returns the priority class the stream was acquired with.
func (s *Stream) Priority() StreamPriority {
	return s.priority
}

// Pack encodes (device, id) into one comparable value: the device index in
// the top 16 bits and the low 48 bits of the stream id below it.
func (s *Stream) Pack() int64 {
	return PackStream(s.DeviceIndex(), s.ID())
}

// Native returns the runtime stream. Kernel launchers use it to submit work.
func (s *Stream) Native() NativeStream {
	return s.native
}

func (s *Stream) String() string {
	return fmt.Sprintf("stream(device=%d, id=%d, priority=%s)", s.DeviceIndex(), s.ID(), s.priority)
}

// PackStream is the encoding used by Stream.Pack.
func PackStream(device int, id int64) int64 {
	return int64(uint64(uint16(device))<<packIDBits) | (id & packIDMask)
}

// UnpackStream reverses PackStream.
func UnpackStream(packed int64) (device int, id int64) {
	return int(uint16(uint64(packed) >> packIDBits)), packed & packIDMask
}

package simdevice

import (
	"fmt"

	"github.com/Swind/go-gpu-stream/core"
)

// Stream is a simulated hardware queue. It implements core.NativeStream.
type Stream struct {
	device   *Device
	id       int64
	priority core.StreamPriority
	q        *hwQueue
}

var _ core.NativeStream = (*Stream)(nil)

func newStream(d *Device, id int64, priority core.StreamPriority) *Stream {
	return &Stream{
		device:   d,
		id:       id,
		priority: priority,
		q:        newHWQueue(d, id),
	}
}

func (s *Stream) DeviceIndex() int { return s.device.index }
func (s *Stream) ID() int64        { return s.id }

// Device returns the owning device.
func (s *Stream) Device() *Device { return s.device }

// Query reports whether the stream has drained. A faulted device reports its
// fault.
func (s *Stream) Query() (bool, error) {
	if err := s.device.Fault(); err != nil {
		return false, err
	}
	return s.q.idle(), nil
}

// Synchronize blocks until every op submitted so far has executed.
func (s *Stream) Synchronize() error {
	if err := s.q.waitIdle(); err != nil {
		return err
	}
	return s.device.Fault()
}

// Launch submits a kernel. It returns once the kernel is queued.
func (s *Stream) Launch(name string, k Kernel) error {
	if k == nil {
		return fmt.Errorf("simdevice: kernel %q is nil", name)
	}
	return s.q.post(op{name: name, kind: opKernel, run: k})
}

// Stats returns a snapshot of the stream.
func (s *Stream) Stats() core.StreamStats {
	stats := core.StreamStats{
		Device:    s.device.index,
		ID:        s.id,
		Priority:  s.priority,
		Pending:   int(s.q.pending.Load()),
		Completed: s.q.completed.Load(),
	}
	if last := s.q.last.Load(); last != nil {
		stats.LastOp = last.name
		stats.LastOpAt = last.at
	}
	return stats
}

// History returns up to limit ops this stream ran, newest first. Only ops
// still held in the device history are returned.
func (s *Stream) History(limit int) []core.ExecutionRecord {
	return s.device.history.Select(limit, func(rec core.ExecutionRecord) bool {
		return rec.Stream == s.id
	})
}

// Launch submits k to a stream handed out by a simulated runtime.
func Launch(stream core.NativeStream, name string, k Kernel) error {
	s, err := asStream(stream)
	if err != nil {
		return err
	}
	return s.Launch(name, k)
}

func asStream(stream core.NativeStream) (*Stream, error) {
	s, ok := stream.(*Stream)
	if !ok || s == nil {
		return nil, core.NewPreconditionError("simdevice.stream",
			fmt.Sprintf("stream %T", stream), ErrForeignObject)
	}
	return s, nil
}

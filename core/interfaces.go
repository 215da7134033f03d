package core

import (
	"time"
)

// =============================================================================
// Runtime: the device queue/event collaborator
// =============================================================================

// Runtime is the device runtime that owns the actual queues and events.
// Streams and events in this package only orchestrate calls into it.
//
// Implementations must be safe for concurrent use; the core adds no locks of
// its own around runtime calls. Runtimes are compared by identity, so the
// dynamic type must be comparable (a pointer in practice).
//
// Errors the runtime returns as *Error keep their kind. Any other error is
// reported as a device fault, so misuse and lifecycle errors should be
// returned through NewPreconditionError.
type Runtime interface {
	// DeviceCount returns the number of devices visible to the process.
	DeviceCount() int

	// CurrentDevice returns the device used when a caller asks for device -1.
	CurrentDevice() int

	// StreamFromPool hands out a stream of the process-wide pool for device.
	// Pools are reused; the runtime owns reclamation.
	StreamFromPool(device int, highPriority bool) (NativeStream, error)

	// CreateEvent allocates a native event with the given flags.
	CreateEvent(flags EventFlags) (NativeEvent, error)

	// OpenEventHandle reconstructs an event exported by IpcHandle, possibly
	// from another process.
	OpenEventHandle(handle IpcEventHandle) (NativeEvent, error)
}

// NativeStream is a runtime queue. Work submitted to it runs in FIFO order.
type NativeStream interface {
	DeviceIndex() int
	ID() int64

	// Query reports whether all submitted work has completed. Never blocks.
	Query() (bool, error)

	// Synchronize blocks until all submitted work has completed.
	Synchronize() error
}

// NativeEvent is a runtime completion marker.
type NativeEvent interface {
	// Record captures the current tail of stream.
	Record(stream NativeStream) error

	// Query reports whether the last recorded position has been reached.
	Query() (bool, error)

	// Synchronize blocks the calling goroutine until the recorded position
	// has been reached.
	Synchronize() error

	// Block makes all future work on stream wait for the recorded position.
	Block(stream NativeStream) error

	// ElapsedTime returns milliseconds between this event and end.
	ElapsedTime(end NativeEvent) (float64, error)

	// IpcHandle exports the event for use in another process.
	IpcHandle() (IpcEventHandle, error)
}

// Releaser is implemented by native events that hold resources which must be
// returned to the runtime once the owning Event becomes unreachable.
type Releaser interface {
	Release()
}

// =============================================================================
// FaultHandler: hook for device faults
// =============================================================================

// FaultHandler is called whenever an operation observes a device fault, before
// the error is returned to the caller.
//
// Implementations should be thread-safe as they may be called concurrently.
type FaultHandler interface {
	HandleDeviceFault(op string, device int, err error)
}

// DefaultFaultHandler logs the fault through the configured Logger.
type DefaultFaultHandler struct {
	Logger Logger
}

// HandleDeviceFault logs the fault at error level.
func (h *DefaultFaultHandler) HandleDeviceFault(op string, device int, err error) {
	if h.Logger == nil {
		return
	}
	h.Logger.Error("device fault", F("op", op), F("device", device), F("error", err))
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics collects stream/event activity. Implementations can send metrics to
// monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast; they run on the caller's goroutine.
type Metrics interface {
	// RecordStreamAcquired records a stream handed out by the pool.
	RecordStreamAcquired(device int, priority StreamPriority)

	// RecordEventRecorded records an event bound to a stream of device.
	RecordEventRecorded(device int)

	// RecordCrossStreamWait records a device-side dependency inserted on a
	// stream of device.
	RecordCrossStreamWait(device int)

	// RecordSynchronize records how long a host-blocking synchronize took.
	// target is "stream" or "event".
	RecordSynchronize(target string, device int, duration time.Duration)

	// RecordDeviceFault records a fault surfaced by op.
	RecordDeviceFault(op string, device int)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordStreamAcquired(device int, priority StreamPriority)            {}
func (m *NilMetrics) RecordEventRecorded(device int)                                      {}
func (m *NilMetrics) RecordCrossStreamWait(device int)                                    {}
func (m *NilMetrics) RecordSynchronize(target string, device int, duration time.Duration) {}
func (m *NilMetrics) RecordDeviceFault(op string, device int)                             {}

// =============================================================================
// ClientConfig: Configuration for Client
// =============================================================================

// ClientConfig holds configuration options for Client.
// All handlers are optional; if not provided, default implementations will be used.
type ClientConfig struct {
	// Logger defaults to NoOpLogger.
	Logger Logger

	// Metrics defaults to NilMetrics.
	Metrics Metrics

	// FaultHandler defaults to DefaultFaultHandler using Logger.
	FaultHandler FaultHandler
}

// DefaultClientConfig returns a config with default handlers.
func DefaultClientConfig() *ClientConfig {
	logger := NewNoOpLogger()
	return &ClientConfig{
		Logger:       logger,
		Metrics:      &NilMetrics{},
		FaultHandler: &DefaultFaultHandler{Logger: logger},
	}
}

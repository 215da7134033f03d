package gpustream

import "github.com/Swind/go-gpu-stream/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the gpustream package for most use cases.

// Stream is an ordered asynchronous command queue on one device
type Stream = core.Stream

// Event marks a position in a stream's submission order
type Event = core.Event

// EventOptions are the construction flags of an Event
type EventOptions = core.EventOptions

// StreamPriority is the scheduling class of a stream
type StreamPriority = core.StreamPriority

// IpcEventHandle is the exported form of an interprocess event
type IpcEventHandle = core.IpcEventHandle

// Error is returned by every failing Stream and Event operation
type Error = core.Error

// Priority constants
const (
	StreamPriorityNormal StreamPriority = core.StreamPriorityNormal
	StreamPriorityHigh   StreamPriority = core.StreamPriorityHigh
)

// CurrentDevice selects the runtime's current device when passed as a device index.
const CurrentDevice = core.CurrentDevice

// Convenience functions for creating EventOptions
var (
	DefaultEventOptions = core.DefaultEventOptions
	TimingEventOptions  = core.TimingEventOptions
)

// Error classification helpers
var (
	IsConfigurationError = core.IsConfigurationError
	IsPreconditionError  = core.IsPreconditionError
	IsDeviceFault        = core.IsDeviceFault
)

// ParseIpcEventHandle rebuilds a handle from its serialized bytes
var ParseIpcEventHandle = core.ParseIpcEventHandle

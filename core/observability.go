package core

import "time"

// ExecutionRecord captures one operation executed by a device stream.
type ExecutionRecord struct {
	Name       string
	Kind       string // "kernel", "record", "wait" or "barrier"
	Device     int
	Stream     int64
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Skipped    bool // not executed because the device had faulted
}

// StreamStats represents runtime observability state for a device stream.
type StreamStats struct {
	Device    int
	ID        int64
	Priority  StreamPriority
	Pending   int
	Completed int64
	LastOp    string
	LastOpAt  time.Time
}

// DeviceStats represents runtime observability state for a device.
type DeviceStats struct {
	Index     int
	Streams   int
	Pending   int
	Completed int64
	Faulted   bool
}

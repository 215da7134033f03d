package core

// =============================================================================
// StreamPriority: scheduling class of a stream
// =============================================================================

// StreamPriority is the scheduling class of a stream. Each class has its own
// pool per device.
type StreamPriority int

const (
	// StreamPriorityNormal: Default priority
	StreamPriorityNormal StreamPriority = iota

	// StreamPriorityHigh: work on these streams is preferred by the device
	// scheduler over work on normal streams.
	StreamPriorityHigh
)

// PriorityThreshold is the integer priority above which a stream request is
// served from the high priority pool.
const PriorityThreshold = 50

// PriorityFromInt collapses an integer priority into a StreamPriority.
// Values strictly greater than PriorityThreshold select StreamPriorityHigh.
func PriorityFromInt(priority int) StreamPriority {
	if priority > PriorityThreshold {
		return StreamPriorityHigh
	}
	return StreamPriorityNormal
}

// IsHigh reports whether p selects the high priority pool.
func (p StreamPriority) IsHigh() bool {
	return p == StreamPriorityHigh
}

func (p StreamPriority) String() string {
	switch p {
	case StreamPriorityNormal:
		return "normal"
	case StreamPriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

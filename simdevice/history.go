package simdevice

import (
	"sync"

	"github.com/Swind/go-gpu-stream/core"
)

const defaultHistoryCapacity = 100

// executionHistory keeps the last len(ring) ops a device ran.
type executionHistory struct {
	mu   sync.Mutex
	ring []core.ExecutionRecord
	next int
	size int
}

func newExecutionHistory(capacity int) *executionHistory {
	if capacity < 1 {
		capacity = defaultHistoryCapacity
	}
	return &executionHistory{ring: make([]core.ExecutionRecord, capacity)}
}

func (h *executionHistory) Add(record core.ExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.next] = record
	h.next = (h.next + 1) % len(h.ring)
	h.size = min(h.size+1, len(h.ring))
}

// Select returns up to limit records accepted by keep, newest first.
// limit <= 0 means no limit; keep nil accepts everything.
func (h *executionHistory) Select(limit int, keep func(core.ExecutionRecord) bool) []core.ExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []core.ExecutionRecord
	for i := 1; i <= h.size; i++ {
		rec := h.ring[(h.next-i+len(h.ring))%len(h.ring)]
		if keep != nil && !keep(rec) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (h *executionHistory) Recent(limit int) []core.ExecutionRecord {
	return h.Select(limit, nil)
}

// Find returns the newest record with the given op name.
func (h *executionHistory) Find(name string) (core.ExecutionRecord, bool) {
	recs := h.Select(1, func(rec core.ExecutionRecord) bool { return rec.Name == name })
	if len(recs) == 0 {
		return core.ExecutionRecord{}, false
	}
	return recs[0], true
}

package simdevice

import (
	"context"
	"sync"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

type opKind int

const (
	opKernel opKind = iota
	opRecord
	opWait
	opBarrier
)

func (k opKind) String() string {
	switch k {
	case opKernel:
		return "kernel"
	case opRecord:
		return "record"
	case opWait:
		return "wait"
	case opBarrier:
		return "barrier"
	default:
		return "unknown"
	}
}

// op is one command submitted to a hardware queue. Only kernels can fail;
// control ops (record, wait, barrier) always run so host waiters are released
// even after a device fault.
type op struct {
	name string
	kind opKind
	run  func(ctx context.Context) error

	// done, when set, is closed after the op's bookkeeping is visible.
	done chan struct{}
}

// opQueue is an unbounded FIFO of ops.
type opQueue struct {
	mu  sync.Mutex
	ops []op
}

func newOpQueue() *opQueue {
	return &opQueue{
		ops: make([]op, 0, defaultQueueCap),
	}
}

func (q *opQueue) Push(o op) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, o)
}

func (q *opQueue) Pop() (op, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) == 0 {
		return op{}, false
	}

	o := q.ops[0]
	// Zero out the element in the underlying array to release the closure
	q.ops[0] = op{}
	q.ops = q.ops[1:]
	q.maybeCompactLocked()

	return o, true
}

func (q *opQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *opQueue) maybeCompactLocked() {
	n := len(q.ops)
	c := cap(q.ops)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.ops = make([]op, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	compacted := make([]op, n, newCap)
	copy(compacted, q.ops)
	q.ops = compacted
}

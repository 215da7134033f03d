package simdevice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swind/go-gpu-stream/core"
)

// ErrRuntimeClosed is matched by errors for work submitted after
// Runtime.Close.
var ErrRuntimeClosed = errors.New("simdevice: runtime is closed")

type lastOp struct {
	name string
	at   time.Time
}

// hwQueue binds a dedicated goroutine to one device stream and executes its
// ops strictly in submission order.
type hwQueue struct {
	device *Device
	id     int64

	queue *opQueue
	wake  chan struct{}

	pending   atomic.Int64
	completed atomic.Int64
	last      atomic.Pointer[lastOp]

	// Lifecycle control
	mu      sync.Mutex
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

func newHWQueue(device *Device, id int64) *hwQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &hwQueue{
		device:  device,
		id:      id,
		queue:   newOpQueue(),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}

	go q.runLoop()

	return q
}

// post appends o to the queue. It never blocks.
func (q *hwQueue) post(o op) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return core.NewPreconditionError("simdevice.post", fmt.Sprintf("op %s", o.name), ErrRuntimeClosed)
	}
	q.pending.Add(1)
	q.queue.Push(o)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// idle reports whether every posted op has finished.
func (q *hwQueue) idle() bool {
	return q.pending.Load() == 0
}

// waitIdle blocks until all ops posted before the call have completed.
// It posts a barrier op and waits for it to execute.
func (q *hwQueue) waitIdle() error {
	done := make(chan struct{})
	err := q.post(op{
		name: "barrier",
		kind: opBarrier,
		run:  func(context.Context) error { return nil },
		done: done,
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// stop rejects new ops, releases blocked waits and drains what is queued.
// Kernels still queued are skipped.
func (q *hwQueue) stop() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		q.cancel()
		<-q.stopped
	})
}

// runLoop is the core of this queue, it occupies a dedicated goroutine
func (q *hwQueue) runLoop() {
	defer close(q.stopped)

	for {
		for {
			o, ok := q.queue.Pop()
			if !ok {
				break
			}
			q.execute(o)
		}

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			// Everything posted before closed was set is in the queue now.
			for {
				o, ok := q.queue.Pop()
				if !ok {
					return
				}
				q.execute(o)
			}
		}
	}
}

func (q *hwQueue) execute(o op) {
	startedAt := time.Now()
	skipped := o.kind == opKernel && (q.device.faulted() || q.ctx.Err() != nil)

	if !skipped {
		if err := q.run(o); err != nil {
			q.device.setFault(o.name, q.id, err)
		}
	}

	finishedAt := time.Now()
	q.device.history.Add(core.ExecutionRecord{
		Name:       o.name,
		Kind:       o.kind.String(),
		Device:     q.device.index,
		Stream:     q.id,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startedAt),
		Skipped:    skipped,
	})
	q.last.Store(&lastOp{name: o.name, at: finishedAt})
	q.completed.Add(1)
	q.pending.Add(-1)

	if o.done != nil {
		close(o.done)
	}
}

// run executes o and turns a panic into an error.
func (q *hwQueue) run(o op) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return o.run(q.ctx)
}

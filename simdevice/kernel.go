package simdevice

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrKernelFault is matched by every error describing a failed kernel.
var ErrKernelFault = errors.New("simdevice: kernel fault")

// Kernel is the body of simulated device work. A returned error faults the
// whole device; the fault is sticky.
type Kernel func(ctx context.Context) error

// Sleep returns a kernel that occupies its stream for d.
func Sleep(d time.Duration) Kernel {
	return func(ctx context.Context) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		return nil
	}
}

// Func returns a kernel running fn on the stream.
func Func(fn func()) Kernel {
	return func(context.Context) error {
		fn()
		return nil
	}
}

// Fail returns a kernel that faults the device with err.
func Fail(err error) Kernel {
	return func(context.Context) error {
		return err
	}
}

// FaultError describes the first kernel failure of a device.
type FaultError struct {
	Device int
	Stream int64
	Op     string
	At     time.Time
	Err    error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("simdevice: kernel %q on device %d stream %d failed: %v", e.Op, e.Device, e.Stream, e.Err)
}

func (e *FaultError) Unwrap() []error {
	return []error{ErrKernelFault, e.Err}
}

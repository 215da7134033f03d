//go:build cuda

package cuda

/*
#include <cuda_runtime.h>
*/
import "C"

import (
	"fmt"

	"github.com/Swind/go-gpu-stream/core"
)

// Stream is a pooled cudaStream_t. It implements core.NativeStream.
type Stream struct {
	device   int
	id       int64
	priority core.StreamPriority
	handle   C.cudaStream_t
}

var _ core.NativeStream = (*Stream)(nil)

func (s *Stream) DeviceIndex() int { return s.device }
func (s *Stream) ID() int64        { return s.id }

// Query returns true when all work has completed, false while work is
// pending and an error for any other status.
func (s *Stream) Query() (bool, error) {
	var done bool
	err := withDevice(s.device, func() error {
		switch code := C.cudaStreamQuery(s.handle); code {
		case C.cudaSuccess:
			done = true
			return nil
		case C.cudaErrorNotReady:
			C.cudaGetLastError()
			return nil
		default:
			return result(code)
		}
	})
	return done, err
}

func (s *Stream) Synchronize() error {
	return withDevice(s.device, func() error {
		return result(C.cudaStreamSynchronize(s.handle))
	})
}

// Handle returns the raw stream for kernel launches through cgo.
func (s *Stream) Handle() C.cudaStream_t {
	return s.handle
}

func asStream(stream core.NativeStream) (*Stream, error) {
	s, ok := stream.(*Stream)
	if !ok || s == nil {
		return nil, core.NewPreconditionError("cuda.stream",
			fmt.Sprintf("stream %T does not belong to the cuda runtime", stream), nil)
	}
	return s, nil
}

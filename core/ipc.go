package core

import (
	"encoding/hex"
	"fmt"
)

// IpcEventHandleSize is the size in bytes of an exported event handle. It
// matches the CUDA runtime's cudaIpcEventHandle_t.
const IpcEventHandleSize = 64

// IpcEventHandle is an opaque, fixed-size value identifying an interprocess
// event. It can be copied and sent over any transport; only the runtime that
// produced it interprets the bytes.
type IpcEventHandle [IpcEventHandleSize]byte

// Bytes returns a copy of the handle as a byte slice.
func (h IpcEventHandle) Bytes() []byte {
	b := make([]byte, IpcEventHandleSize)
	copy(b, h[:])
	return b
}

// String returns the handle hex-encoded.
func (h IpcEventHandle) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the handle is all zero bytes.
func (h IpcEventHandle) IsZero() bool {
	return h == IpcEventHandle{}
}

// ParseIpcEventHandle copies b into a handle. b must be exactly
// IpcEventHandleSize bytes long.
func ParseIpcEventHandle(b []byte) (IpcEventHandle, error) {
	var h IpcEventHandle
	if len(b) != IpcEventHandleSize {
		return h, configurationError("ipc.parse",
			fmt.Sprintf("handle must be %d bytes, got %d", IpcEventHandleSize, len(b)), nil)
	}
	copy(h[:], b)
	return h, nil
}

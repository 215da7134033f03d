package simdevice

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Swind/go-gpu-stream/core"
)

// Handle layout (little endian), remaining bytes zero:
//
//	[0:4]   magic "GSIM"
//	[4]     version
//	[8:16]  runtime instance
//	[16:24] event id
const (
	handleVersion = 1
	handleMagic   = "GSIM"
)

var (
	// ErrInvalidHandle is returned for handles not produced by this package.
	ErrInvalidHandle = errors.New("simdevice: invalid ipc event handle")

	// ErrUnknownHandle is returned for handles of another runtime instance or
	// of events that were already released.
	ErrUnknownHandle = errors.New("simdevice: ipc event handle does not name a live event")
)

func encodeHandle(instance, eventID uint64) core.IpcEventHandle {
	var h core.IpcEventHandle
	copy(h[0:4], handleMagic)
	h[4] = handleVersion
	binary.LittleEndian.PutUint64(h[8:16], instance)
	binary.LittleEndian.PutUint64(h[16:24], eventID)
	return h
}

func decodeHandle(h core.IpcEventHandle) (instance, eventID uint64, err error) {
	if string(h[0:4]) != handleMagic {
		return 0, 0, fmt.Errorf("%w: bad magic", ErrInvalidHandle)
	}
	if h[4] != handleVersion {
		return 0, 0, fmt.Errorf("%w: unsupported version %d", ErrInvalidHandle, h[4])
	}
	return binary.LittleEndian.Uint64(h[8:16]), binary.LittleEndian.Uint64(h[16:24]), nil
}

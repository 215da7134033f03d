// Package gpustream provides GPU streams and events for Go.
//
// A Stream is an ordered asynchronous command queue on one device. Work
// submitted to a stream runs in submission order; work on different streams
// may run concurrently. An Event marks a position in a stream's submission
// order and lets the host or other streams wait for everything submitted
// before it, without blocking the host in the latter case.
//
// # Quick Start
//
// Initialize the global client at application startup:
//
//	if err := gpustream.InitGlobalClient(config.Default()); err != nil {
//		log.Fatal(err)
//	}
//	defer gpustream.ShutdownGlobalClient()
//
// Acquire streams and order them with events:
//
//	producer, _ := gpustream.NewStream(gpustream.CurrentDevice, 0)
//	consumer, _ := gpustream.NewStream(gpustream.CurrentDevice, 100)
//
//	// ... launch kernels on producer ...
//	consumer.WaitStream(producer)
//	// ... kernels launched on consumer now run after producer's ...
//	consumer.Synchronize()
//
// # Key Concepts
//
// Client: binds a device runtime (see core.Runtime) to logging, metrics and
// fault hooks. NewClientFromConfig builds one from an HCL config file.
//
// Stream priority: integer priorities above 50 select the high priority pool;
// everything else is served from the normal pool. Streams are handed out
// round-robin from per-device pools and are never destroyed.
//
// Event options: events do not record timestamps unless EnableTiming is set.
// Interprocess events can be exported with IpcHandle and reopened with
// OpenEvent; they cannot enable timing.
//
// # Backends
//
// The "simulated" backend (package simdevice) is always available and runs
// every stream on its own goroutine. Building with -tags cuda adds the "cuda"
// backend backed by the CUDA runtime API.
//
// # Errors
//
// Failures are *Error values classified as configuration errors,
// precondition errors or device faults; use IsConfigurationError,
// IsPreconditionError and IsDeviceFault to tell them apart.
package gpustream

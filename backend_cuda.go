//go:build cuda

package gpustream

import _ "github.com/Swind/go-gpu-stream/cuda"

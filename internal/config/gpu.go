package config

import "fmt"

// GPUCapability is the normalized form of the raw gpu mode argument.
type GPUCapability struct {
	// RequireGPU means the node must run with GPU acceleration.
	RequireGPU bool
	// CUDAOnly restricts acceleration to CUDA devices.
	CUDAOnly bool
}

// ParseGPUMode normalizes a gpu mode from the {on, off, auto, cuda} enum
// into a capability pair. Unknown values are a configuration error.
func ParseGPUMode(s string) (GPUCapability, error) {
	switch s {
	case "on":
		return GPUCapability{RequireGPU: true}, nil
	case "off", "":
		return GPUCapability{}, nil
	case "auto":
		// auto is best effort: use a GPU when present, never require one
		return GPUCapability{}, nil
	case "cuda":
		return GPUCapability{RequireGPU: true, CUDAOnly: true}, nil
	default:
		return GPUCapability{}, &Error{Field: "gpuMode", Reason: fmt.Sprintf("unknown gpu mode %q", s)}
	}
}

package kernels

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// BatchSize determines the batch width for the host: 8 with AVX2, 4 with
// NEON/ASIMD or without AVX2, 2 on arm64 without ASIMD. The runtime uses it to
// decide when a port operation is large enough to split across workers.
func BatchSize() int {
	switch runtime.GOARCH {
	case "amd64":
		if cpu.X86.HasAVX2 {
			return 8
		}
		return 4
	case "arm64":
		if cpu.ARM64.HasASIMD {
			return 4
		}
		return 2
	default:
		return 4
	}
}

// Features returns a short description of the SIMD features detected at start.
func Features() string {
	switch {
	case cpu.X86.HasAVX512F:
		return "avx512"
	case cpu.X86.HasAVX2:
		return "avx2"
	case cpu.ARM64.HasASIMD:
		return "asimd"
	default:
		return "generic"
	}
}

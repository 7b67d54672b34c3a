package parallel

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// DefaultWorkers returns the number of goroutines to use for CPU-bound work.
// It prefers the physical core count reported by cpuid and falls back to
// runtime.NumCPU when detection is unavailable.
func DefaultWorkers() int {
	n := cpuid.CPU.PhysicalCores
	if n <= 0 {
		n = cpuid.CPU.LogicalCores
	}
	if n <= 0 || n > runtime.NumCPU() {
		n = runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Describe returns a one line summary of the host CPU.
func Describe() string {
	return fmt.Sprintf("%s (%d physical / %d logical cores, avx2=%t, avx512f=%t, neon=%t)",
		cpuid.CPU.BrandName,
		cpuid.CPU.PhysicalCores,
		cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2),
		cpuid.CPU.Supports(cpuid.AVX512F),
		cpuid.CPU.Supports(cpuid.ASIMD),
	)
}

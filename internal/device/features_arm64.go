package device

import "golang.org/x/sys/cpu"

func cpuFeatures() []string {
	// NEON (ASIMD) is mandatory on ARMv8-A.
	f := []string{"neon"}
	if cpu.ARM64.HasASIMDHP {
		f = append(f, "fp16")
	}
	if cpu.ARM64.HasSVE {
		f = append(f, "sve")
	}
	return f
}

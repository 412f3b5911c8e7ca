package device

import (
	"os"
	"os/exec"
	"runtime"
)

type cpuProbe struct{ threads int }

func (cpuProbe) Kind() Kind { return KindCPU }

func (p cpuProbe) Probe() (Device, error) {
	n := p.threads
	if n <= 0 || n > runtime.NumCPU() {
		n = runtime.NumCPU()
	}
	return Device{
		Kind:     KindCPU,
		Name:     runtime.GOARCH,
		Threads:  n,
		Features: cpuFeatures(),
	}, nil
}

// The forward pass is pure Go, so an accelerator is only usable once a
// kernel backend is linked in. The probes still look for the driver so the
// log says which of the two is missing.
const noKernels = "driver present but this build has no kernels for it"

type cudaProbe struct{}

func (cudaProbe) Kind() Kind { return KindCUDA }

func (cudaProbe) Probe() (Device, error) {
	if _, err := os.Stat("/dev/nvidiactl"); err != nil {
		if _, err := exec.LookPath("nvidia-smi"); err != nil {
			return Device{}, &Error{Kind: KindCUDA, Reason: "nvidia driver not found"}
		}
	}
	return Device{}, &Error{Kind: KindCUDA, Reason: noKernels}
}

type metalProbe struct{}

func (metalProbe) Kind() Kind { return KindMetal }

func (metalProbe) Probe() (Device, error) {
	if runtime.GOOS != "darwin" {
		return Device{}, &Error{Kind: KindMetal, Reason: "metal requires darwin"}
	}
	return Device{}, &Error{Kind: KindMetal, Reason: noKernels}
}

// Package device picks the compute device a model is loaded onto. Selection
// never fails: when the preferred accelerator cannot be initialised the
// selector logs why and falls back to the CPU path.
package device

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Kind names a class of compute device.
type Kind string

const (
	KindAuto  Kind = "auto"
	KindCPU   Kind = "cpu"
	KindCUDA  Kind = "cuda"
	KindMetal Kind = "metal"
)

// ParseKind maps a config string to a Kind. Empty means auto.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindAuto, nil
	case KindAuto, KindCPU, KindCUDA, KindMetal:
		return k, nil
	default:
		return "", fmt.Errorf("unknown device %q", s)
	}
}

// Device is the result of a selection.
type Device struct {
	Kind     Kind     `json:"kind"`
	Name     string   `json:"name"`
	Threads  int      `json:"threads"`
	Features []string `json:"features,omitempty"`
}

func (d Device) String() string {
	if len(d.Features) == 0 {
		return fmt.Sprintf("%s(%s, threads=%d)", d.Kind, d.Name, d.Threads)
	}
	return fmt.Sprintf("%s(%s, threads=%d, %s)", d.Kind, d.Name, d.Threads, strings.Join(d.Features, ","))
}

// Error reports a device that could not be initialised. It never leaves this
// package; Attempt recovers from it.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("device %s unavailable: %s", e.Kind, e.Reason) }

// Probe initialises one kind of device.
type Probe interface {
	Kind() Kind
	Probe() (Device, error)
}

// autoOrder is tried for KindAuto before the CPU.
var autoOrder = []Kind{KindCUDA, KindMetal}

// Attempt returns the first device that initialises, trying the preference
// first and the CPU last. If even the CPU probe fails a single-threaded CPU
// device is returned.
func Attempt(pref Kind, probes []Probe, log zerolog.Logger) Device {
	byKind := make(map[Kind]Probe, len(probes))
	for _, p := range probes {
		byKind[p.Kind()] = p
	}
	var order []Kind
	switch pref {
	case KindAuto, "":
		order = append(order, autoOrder...)
	case KindCPU:
	default:
		order = append(order, pref)
	}
	order = append(order, KindCPU)

	for _, k := range order {
		p, ok := byKind[k]
		if !ok {
			if k == pref {
				log.Warn().Str("device", string(k)).Msg("no probe registered; falling back")
			}
			continue
		}
		d, err := p.Probe()
		if err == nil {
			return d
		}
		log.Warn().Err(err).Str("device", string(k)).Msg("device init failed; falling back")
	}
	log.Warn().Msg("cpu probe failed; using single-threaded fallback")
	return Device{Kind: KindCPU, Name: "generic", Threads: 1}
}

// Selector caches one Attempt result per preference for the process lifetime.
type Selector struct {
	mu     sync.Mutex
	probes []Probe
	log    zerolog.Logger
	cache  map[Kind]Device
}

// NewSelector uses probes in place of the defaults when given.
func NewSelector(log zerolog.Logger, threads int, probes ...Probe) *Selector {
	if len(probes) == 0 {
		probes = DefaultProbes(threads)
	}
	return &Selector{probes: probes, log: log, cache: make(map[Kind]Device)}
}

// Select returns the device for pref.
func (s *Selector) Select(pref Kind) Device {
	if pref == "" {
		pref = KindAuto
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.cache[pref]; ok {
		return d
	}
	d := Attempt(pref, s.probes, s.log)
	s.log.Info().Str("preference", string(pref)).Str("device", d.String()).Msg("device selected")
	s.cache[pref] = d
	return d
}

// DefaultProbes returns the probes for this build: accelerators and the CPU.
func DefaultProbes(threads int) []Probe {
	return []Probe{cudaProbe{}, metalProbe{}, cpuProbe{threads: threads}}
}

package device

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

type fakeProbe struct {
	kind  Kind
	fail  bool
	calls atomic.Int32
}

func (p *fakeProbe) Kind() Kind { return p.kind }

func (p *fakeProbe) Probe() (Device, error) {
	p.calls.Add(1)
	if p.fail {
		return Device{}, &Error{Kind: p.kind, Reason: "injected"}
	}
	return Device{Kind: p.kind, Name: "fake-" + string(p.kind), Threads: 2}, nil
}

func TestAttempt_PreferredSucceeds(t *testing.T) {
	cuda := &fakeProbe{kind: KindCUDA}
	cpu := &fakeProbe{kind: KindCPU}
	d := Attempt(KindCUDA, []Probe{cuda, cpu}, zerolog.Nop())
	if d.Kind != KindCUDA {
		t.Fatalf("got %v", d)
	}
	if cpu.calls.Load() != 0 {
		t.Fatalf("cpu probed although cuda succeeded")
	}
}

func TestAttempt_FallsBackToCPUAndLogs(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	d := Attempt(KindCUDA, []Probe{&fakeProbe{kind: KindCUDA, fail: true}, &fakeProbe{kind: KindCPU}}, log)
	if d.Kind != KindCPU {
		t.Fatalf("expected cpu fallback, got %v", d)
	}
	if !strings.Contains(buf.String(), "falling back") || !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("expected warn log, got %q", buf.String())
	}
}

func TestAttempt_TotalFallback(t *testing.T) {
	cases := map[string][]Probe{
		"no probes":      nil,
		"all fail":       {&fakeProbe{kind: KindCUDA, fail: true}, &fakeProbe{kind: KindMetal, fail: true}, &fakeProbe{kind: KindCPU, fail: true}},
		"only cuda fail": {&fakeProbe{kind: KindCUDA, fail: true}},
	}
	for name, probes := range cases {
		for _, pref := range []Kind{KindAuto, KindCPU, KindCUDA, KindMetal} {
			d := Attempt(pref, probes, zerolog.Nop())
			if d.Kind != KindCPU || d.Threads < 1 {
				t.Fatalf("%s/%s: got %v", name, pref, d)
			}
		}
	}
}

func TestAttempt_AutoPrefersAccelerators(t *testing.T) {
	metal := &fakeProbe{kind: KindMetal}
	d := Attempt(KindAuto, []Probe{&fakeProbe{kind: KindCUDA, fail: true}, metal, &fakeProbe{kind: KindCPU}}, zerolog.Nop())
	if d.Kind != KindMetal {
		t.Fatalf("got %v", d)
	}
}

func TestSelector_CachesPerPreference(t *testing.T) {
	cuda := &fakeProbe{kind: KindCUDA, fail: true}
	cpu := &fakeProbe{kind: KindCPU}
	s := NewSelector(zerolog.Nop(), 0, cuda, cpu)
	for i := 0; i < 5; i++ {
		if d := s.Select(KindCUDA); d.Kind != KindCPU {
			t.Fatalf("got %v", d)
		}
	}
	if cuda.calls.Load() != 1 || cpu.calls.Load() != 1 {
		t.Fatalf("expected one probe each, got cuda=%d cpu=%d", cuda.calls.Load(), cpu.calls.Load())
	}
	s.Select(KindCPU)
	if cpu.calls.Load() != 2 {
		t.Fatalf("cpu preference should be probed separately")
	}
}

func TestDefaultProbes_CPUAlwaysWorks(t *testing.T) {
	s := NewSelector(zerolog.Nop(), 3)
	d := s.Select(KindCPU)
	if d.Kind != KindCPU || d.Threads < 1 || d.Threads > 3 {
		t.Fatalf("got %v", d)
	}
	if d := s.Select(KindAuto); d.Kind != KindCPU {
		t.Fatalf("auto should land on cpu in a pure-Go build, got %v", d)
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"": KindAuto, "CPU": KindCPU, " cuda ": KindCUDA, "metal": KindMetal} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q)=%v,%v", in, got, err)
		}
	}
	if _, err := ParseKind("tpu"); err == nil {
		t.Fatalf("expected error")
	}
}

package manager

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestMemoryPublisher_Limit(t *testing.T) {
	p := NewMemoryPublisher(2)
	p.Publish(Event{Name: "a", ModelID: "x"})
	p.Publish(Event{Name: "b", ModelID: "y"})
	p.Publish(Event{Name: "c", ModelID: "x"})
	evts := p.Events()
	if len(evts) != 2 || evts[0].Name != "b" || evts[1].Name != "c" {
		t.Fatalf("events = %+v", evts)
	}
	if got := p.Names("x"); len(got) != 1 || got[0] != "c" {
		t.Fatalf("Names(x) = %v", got)
	}
	if got := p.Names(""); len(got) != 2 {
		t.Fatalf("Names(\"\") = %v", got)
	}
}

func TestMultiPublisher_LogsAndRecords(t *testing.T) {
	var buf bytes.Buffer
	mem := NewMemoryPublisher(0)
	pub := MultiPublisher{LogPublisher{Log: zerolog.New(&buf)}, mem}
	pub.Publish(Event{Name: EventLoadFailed, ModelID: "tiny", Fields: map[string]any{"error": "bad"}})

	if len(mem.Events()) != 1 {
		t.Fatalf("memory publisher missed the event")
	}
	line := buf.String()
	for _, want := range []string{`"level":"warn"`, `"event":"load_failed"`, `"model":"tiny"`, `"error":"bad"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line %s missing %s", line, want)
		}
	}
}

package manager

import "github.com/rs/zerolog"

// Event names.
const (
	EventDownloadStart     = "download_start"
	EventDownloadDone      = "download_done"
	EventDownloadFailed    = "download_failed"
	EventLoadStart         = "load_start"
	EventLoadReady         = "load_ready"
	EventLoadFailed        = "load_failed"
	EventGenerationAborted = "generation_aborted"
)

// Event represents a manager lifecycle event.
// Minimal and stable: name + model ID and optional fields via key/values.
type Event struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// LogPublisher writes events as structured log lines.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(e Event) {
	ev := p.Log.Info()
	if e.Name == EventDownloadFailed || e.Name == EventLoadFailed {
		ev = p.Log.Warn()
	}
	ev.Str("event", e.Name).Str("model", e.ModelID).Fields(e.Fields).Msg("model event")
}

// MultiPublisher fans events out to several publishers in order.
type MultiPublisher []EventPublisher

func (mp MultiPublisher) Publish(e Event) {
	for _, p := range mp {
		p.Publish(e)
	}
}

package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"coderd/internal/common/fsutil"
	"coderd/internal/config"
	"coderd/internal/device"
	"coderd/internal/engine"
	"coderd/internal/llm"
	"coderd/internal/registry"
)

// Manager owns the model status table, the loaded models and worker
// capacity. All methods are safe for concurrent use.
type Manager struct {
	log      zerolog.Logger
	catalog  *registry.Catalog
	fetcher  Fetcher
	selector DeviceSelector
	backend  llm.Backend
	engine   *engine.Engine
	events   EventPublisher
	metrics  *Metrics

	cacheDir   string
	devicePref device.Kind
	defaults   config.ChatDefaults
	maxN       int
	bufferSize int
	sendWait   time.Duration

	workers int
	sem     *semaphore.Weighted
	maxWait time.Duration

	mu     sync.RWMutex
	status map[string]Status
	loaded map[string]*engine.LoadedModel

	loads  singleflight.Group
	base   context.Context
	cancel context.CancelFunc

	startTime      time.Time
	opSeq          atomic.Uint64
	loadsTotal     atomic.Uint64
	downloadsTotal atomic.Uint64
}

// NewWithConfig constructs a Manager and records which catalog models are
// already cached.
func NewWithConfig(cfg Config) (*Manager, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("manager: catalog is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("manager: fetcher is required")
	}
	cfg.applyDefaults()
	base, cancel := context.WithCancel(cfg.BaseContext)
	m := &Manager{
		log:        cfg.Logger,
		catalog:    cfg.Catalog,
		fetcher:    cfg.Fetcher,
		selector:   cfg.Selector,
		backend:    cfg.Backend,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		cacheDir:   cfg.CacheDir,
		devicePref: cfg.DevicePreference,
		defaults:   cfg.Defaults,
		maxN:       cfg.MaxN,
		bufferSize: cfg.StreamBuffer,
		sendWait:   cfg.SendTimeout,
		workers:    cfg.Workers,
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
		maxWait:    cfg.MaxWait,
		status:     make(map[string]Status),
		loaded:     make(map[string]*engine.LoadedModel),
		base:       base,
		cancel:     cancel,
		startTime:  time.Now(),
	}
	m.engine = engine.New(cfg.Logger, m.engineHooks())
	m.Scan()
	return m, nil
}

// Ready reports whether the manager can serve: not closed, with a
// non-empty catalog and a writable cache directory.
func (m *Manager) Ready() bool {
	if m.base.Err() != nil || m.catalog.Len() == 0 {
		return false
	}
	return m.cacheDir == "" || fsutil.Writable(m.cacheDir) == nil
}

func (m *Manager) draining() bool { return m.base.Err() != nil }

// Close stops background loads and downloads started through the manager.
// Loaded models stay resident until process exit.
func (m *Manager) Close() error {
	m.cancel()
	return nil
}

// ChatDefaults are applied to fields a client omits.
func (m *Manager) ChatDefaults() config.ChatDefaults { return m.defaults }

func (m *Manager) engineHooks() engine.Hooks {
	return engine.Hooks{
		Token: func(id string) { m.metrics.tokens.WithLabelValues(id).Inc() },
		Finished: func(id string, reason engine.FinishReason, _ int, _ time.Duration) {
			m.metrics.generations.WithLabelValues(id, string(reason)).Inc()
		},
		Aborted: func(id string) {
			m.metrics.aborts.WithLabelValues(id).Inc()
			m.events.Publish(Event{Name: EventGenerationAborted, ModelID: id})
		},
	}
}

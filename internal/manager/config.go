package manager

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"coderd/internal/cache"
	"coderd/internal/config"
	"coderd/internal/device"
	"coderd/internal/llm"
	"coderd/internal/registry"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxWait      = 30 * time.Second
	defaultMaxN         = 8
	defaultStreamBuffer = 32
	defaultSendTimeout  = 5 * time.Second
)

// Fetcher makes model files available locally. *cache.Coordinator
// satisfies it.
type Fetcher interface {
	EnsureAvailable(ctx context.Context, id string) (cache.Paths, error)
	IsCached(id string) bool
}

// DeviceSelector picks compute devices. *device.Selector satisfies it.
type DeviceSelector interface {
	Select(pref device.Kind) device.Device
}

// Config encapsulates all tunables for Manager construction.
type Config struct {
	Catalog  *registry.Catalog
	Fetcher  Fetcher
	Selector DeviceSelector
	Backend  llm.Backend
	// CacheDir is the models cache root, reported by SanityCheck.
	CacheDir         string
	DevicePreference device.Kind

	Workers      int
	MaxWait      time.Duration
	MaxN         int
	StreamBuffer int
	SendTimeout  time.Duration
	Defaults     config.ChatDefaults

	Logger  zerolog.Logger
	Events  EventPublisher
	Metrics *Metrics
	// BaseContext bounds background loads; Close cancels it.
	BaseContext context.Context
}

func (c *Config) applyDefaults() {
	if c.Selector == nil {
		c.Selector = device.NewSelector(c.Logger, 0)
	}
	if c.Backend == nil {
		c.Backend = llm.SafetensorsBackend{}
	}
	if c.Workers <= 0 {
		c.Workers = max(1, runtime.NumCPU()/2)
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	if c.MaxN <= 0 {
		c.MaxN = defaultMaxN
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = defaultStreamBuffer
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.Defaults == (config.ChatDefaults{}) {
		c.Defaults = config.Default().Chat.Defaults
	}
	if c.Events == nil {
		c.Events = noopPublisher{}
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
}

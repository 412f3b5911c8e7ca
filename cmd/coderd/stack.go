package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"coderd/internal/cache"
	"coderd/internal/common/fsutil"
	"coderd/internal/device"
	"coderd/internal/hub"
	"coderd/internal/manager"
	"coderd/internal/registry"
)

// stackOptions vary the wiring between subcommands.
type stackOptions struct {
	progress cache.Progress
	registry prometheus.Registerer
	events   manager.EventPublisher
	base     context.Context
}

// buildStack wires catalog, hub client, cache, device selector and manager
// from the loaded configuration.
func (a *app) buildStack(opts stackOptions) (*manager.Manager, *cache.Coordinator, error) {
	cfg := a.cfg
	cat, err := registry.FromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	cacheDir, err := fsutil.ExpandHome(cfg.ModelsCacheDir)
	if err != nil {
		return nil, nil, err
	}
	pref, err := device.ParseKind(cfg.Device.Preference)
	if err != nil {
		return nil, nil, err
	}
	client := hub.New(hub.Options{
		Endpoint:   cfg.Hub.Endpoint,
		Token:      cfg.Hub.Token,
		Timeout:    time.Duration(cfg.Hub.TimeoutSeconds) * time.Second,
		RetryCount: 2,
		Logger:     a.log,
	})
	coord := cache.New(cat, cache.Options{
		Source:      client,
		Progress:    opts.progress,
		Concurrency: cfg.Hub.DownloadConcurrency,
		Logger:      a.log,
		BaseContext: opts.base,
	})
	events := opts.events
	if events == nil {
		events = manager.LogPublisher{Log: a.log}
	}
	m, err := manager.NewWithConfig(manager.Config{
		Catalog:          cat,
		Fetcher:          coord,
		Selector:         device.NewSelector(a.log, cfg.Device.Threads),
		CacheDir:         cacheDir,
		DevicePreference: pref,
		Workers:          cfg.Engine.Workers,
		MaxWait:          cfg.Engine.MaxWait(),
		MaxN:             cfg.Engine.MaxN,
		StreamBuffer:     cfg.Engine.StreamBuffer,
		SendTimeout:      cfg.Engine.SendTimeout(),
		Defaults:         cfg.Chat.Defaults,
		Logger:           a.log,
		Events:           events,
		Metrics:          manager.NewMetrics(opts.registry),
		BaseContext:      opts.base,
	})
	if err != nil {
		return nil, nil, err
	}
	return m, coord, nil
}

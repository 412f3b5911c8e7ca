package manager

import (
	"coderd/internal/common/fsutil"
	"coderd/internal/device"
)

// ModelCheck is the cache state of one catalog model.
type ModelCheck struct {
	ID       string `json:"id"`
	HubID    string `json:"hub_id"`
	CacheDir string `json:"cache_dir"`
	Cached   bool   `json:"cached"`
}

// SanityReport describes the runtime environment.
type SanityReport struct {
	CacheDir      string       `json:"cache_dir"`
	CacheWritable bool         `json:"cache_writable"`
	Device        string       `json:"device"`
	Features      []string     `json:"features,omitempty"`
	Workers       int          `json:"workers"`
	Models        []ModelCheck `json:"models"`
	Error         string       `json:"error,omitempty"`
}

// SanityCheck reports cache and device readiness. It does not download or
// load anything and is safe to call at any time.
func (m *Manager) SanityCheck() SanityReport {
	r := SanityReport{CacheDir: m.cacheDir, Workers: m.workers}
	if m.cacheDir != "" {
		if err := fsutil.Writable(m.cacheDir); err != nil {
			r.Error = err.Error()
		} else {
			r.CacheWritable = true
		}
	}
	dev := m.selector.Select(m.devicePref)
	r.Device = dev.String()
	r.Features = dev.Features
	if m.devicePref != "" && m.devicePref != device.KindAuto && dev.Kind != m.devicePref && r.Error == "" {
		r.Error = "preferred device " + string(m.devicePref) + " unavailable; using " + string(dev.Kind)
	}
	for _, d := range m.catalog.List() {
		r.Models = append(r.Models, ModelCheck{
			ID:       d.ID,
			HubID:    d.HubID,
			CacheDir: d.CacheDir,
			Cached:   m.fetcher.IsCached(d.ID),
		})
	}
	return r
}

package manager

import (
	"time"

	"coderd/internal/registry"
	"coderd/pkg/types"
)

// IsAvailable reports whether id is loaded and ready. It never blocks on a
// load in progress.
func (m *Manager) IsAvailable(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded[id] != nil
}

// Status returns the published status of id.
func (m *Manager) Status(id string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.status[id]
	return st, ok
}

// Model returns the public status of one catalog model.
func (m *Manager) Model(id string) (types.ModelStatus, bool) {
	d, ok := m.catalog.Get(id)
	if !ok {
		return types.ModelStatus{}, false
	}
	return m.modelStatus(d), true
}

// Models lists every catalog model in id order.
func (m *Manager) Models() []types.ModelStatus {
	descs := m.catalog.List()
	out := make([]types.ModelStatus, 0, len(descs))
	for _, d := range descs {
		out = append(out, m.modelStatus(d))
	}
	return out
}

func (m *Manager) modelStatus(d registry.Descriptor) types.ModelStatus {
	m.mu.RLock()
	st := m.status[d.ID]
	lm := m.loaded[d.ID]
	m.mu.RUnlock()
	ms := types.ModelStatus{
		ID:          d.ID,
		DisplayName: d.DisplayName,
		Description: d.Description,
		HubID:       d.HubID,
		IsReady:     lm != nil,
		State:       string(st.State),
		Error:       st.Reason,
	}
	if st.State == "" {
		ms.State = string(StateNotCached)
	}
	switch st.State {
	case StateCached, StateLoading, StateReady:
		ms.IsCached = true
	case StateFailed:
		ms.IsCached = m.fetcher.IsCached(d.ID)
	}
	if lm != nil {
		ms.Device = lm.Device.String()
	}
	return ms
}

// Report builds the detailed status response for /status.
func (m *Manager) Report() types.StatusResponse {
	state := "ready"
	switch {
	case m.draining():
		state = "draining"
	case !m.Ready():
		state = "not_ready"
	}
	return types.StatusResponse{
		Models:         m.Models(),
		Workers:        m.workers,
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
		LoadsTotal:     m.loadsTotal.Load(),
		DownloadsTotal: m.downloadsTotal.Load(),
		State:          state,
	}
}

package manager

import (
	"context"
	"fmt"
)

// acquireWorker reserves one unit of worker capacity, waiting at most
// maxWait. The returned release must be called exactly once.
func (m *Manager) acquireWorker(ctx context.Context, modelID string) (func(), error) {
	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wctx, cancel := context.WithTimeout(ctx, m.maxWait)
	defer cancel()
	if err := m.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.metrics.tooBusy.Inc()
		return nil, &Error{Kind: KindTooBusy, ModelID: modelID, Err: fmt.Errorf("no worker free within %s", m.maxWait)}
	}
	m.metrics.inflight.Inc()
	return func() {
		m.metrics.inflight.Dec()
		m.sem.Release(1)
	}, nil
}

package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coderd/internal/cache"
	"coderd/internal/engine"
	"coderd/internal/llm"
	"coderd/internal/tokenizer"
)

// observerSetter is implemented by fetchers that report download progress.
type observerSetter interface {
	SetObserver(cache.Observer)
}

// Scan records NotCached or Cached for every catalog model that has no
// status yet.
func (m *Manager) Scan() {
	if s, ok := m.fetcher.(observerSetter); ok {
		s.SetObserver(m)
	}
	cached := 0
	for _, d := range m.catalog.List() {
		st := StateNotCached
		if m.fetcher.IsCached(d.ID) {
			st = StateCached
			cached++
		}
		m.mu.Lock()
		if _, ok := m.status[d.ID]; !ok {
			m.status[d.ID] = Status{State: st, UpdatedAt: time.Now()}
		}
		m.mu.Unlock()
	}
	m.log.Info().Int("models", m.catalog.Len()).Int("cached", cached).Msg("cache scan complete")
}

// setState applies a transition if it is allowed and reports whether it did.
func (m *Manager) setState(id string, st State, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStateLocked(id, st, reason)
}

func (m *Manager) setStateLocked(id string, st State, reason string) bool {
	cur, ok := m.status[id]
	if ok && !canTransition(cur.State, st) {
		return false
	}
	m.status[id] = Status{State: st, Reason: reason, UpdatedAt: time.Now()}
	return true
}

// DownloadStarted implements cache.Observer.
func (m *Manager) DownloadStarted(id string) {
	m.setState(id, StateDownloading, "")
	m.events.Publish(Event{Name: EventDownloadStart, ModelID: id})
}

// DownloadFinished implements cache.Observer.
func (m *Manager) DownloadFinished(id string, err error) {
	m.downloadsTotal.Add(1)
	m.metrics.downloads.WithLabelValues(id, result(err)).Inc()
	if err != nil {
		m.setState(id, StateFailed, err.Error())
		m.events.Publish(Event{Name: EventDownloadFailed, ModelID: id, Fields: map[string]any{"error": err.Error()}})
		return
	}
	m.setState(id, StateCached, "")
	m.events.Publish(Event{Name: EventDownloadDone, ModelID: id})
}

// GetOrLoad returns the loaded model for id, downloading and loading it on
// first use. Concurrent callers share one load. A caller whose ctx ends
// stops waiting while the load continues for the others.
func (m *Manager) GetOrLoad(ctx context.Context, id string) (*engine.LoadedModel, error) {
	m.mu.RLock()
	lm := m.loaded[id]
	m.mu.RUnlock()
	if lm != nil {
		return lm, nil
	}
	if _, ok := m.catalog.Get(id); !ok {
		return nil, notFound(id)
	}
	ch := m.loads.DoChan(id, func() (any, error) {
		return m.load(m.base, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*engine.LoadedModel), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) load(ctx context.Context, id string) (*engine.LoadedModel, error) {
	m.mu.RLock()
	lm := m.loaded[id]
	m.mu.RUnlock()
	if lm != nil {
		return lm, nil
	}
	d, _ := m.catalog.Get(id)

	paths, err := m.fetcher.EnsureAvailable(ctx, id)
	if err != nil {
		// Download failures are recorded by the observer; this covers
		// errors raised before a download started.
		m.setState(id, StateFailed, err.Error())
		return nil, classify(id, err)
	}
	m.setState(id, StateCached, "")
	m.setState(id, StateLoading, "")
	m.events.Publish(Event{Name: EventLoadStart, ModelID: id})
	start := time.Now()
	log := m.log.With().Str("model", id).Logger()
	log.Info().Str("hub_id", d.HubID).Msg("load start")

	fail := func(err error) (*engine.LoadedModel, error) {
		m.setState(id, StateFailed, err.Error())
		m.metrics.loads.WithLabelValues(id, "error").Inc()
		m.events.Publish(Event{Name: EventLoadFailed, ModelID: id, Fields: map[string]any{"error": err.Error()}})
		log.Error().Err(err).Msg("load failed")
		return nil, classify(id, err)
	}

	dev := m.selector.Select(m.devicePref)
	net, err := m.backend.Load(ctx, llm.Files{Config: paths.Config, Weights: paths.Weights}, dev)
	if err != nil {
		var le *llm.LoadError
		if !errors.As(err, &le) && ctx.Err() == nil {
			err = &llm.LoadError{Path: paths.Dir, Err: err}
		}
		return fail(err)
	}
	tok, err := tokenizer.Load(paths.Tokenizer, paths.TokenizerConfig, d.ChatTemplate)
	if err != nil {
		return fail(&llm.LoadError{Path: paths.Tokenizer, Err: err})
	}
	if tok.VocabSize() > net.VocabSize() {
		return fail(&llm.LoadError{Path: paths.Tokenizer, Err: fmt.Errorf("tokenizer has %d tokens, model only %d", tok.VocabSize(), net.VocabSize())})
	}

	var gen llm.GenerationConfig
	if paths.GenerationConfig != "" {
		if gen, err = llm.LoadGenerationConfig(paths.GenerationConfig); err != nil {
			return fail(&llm.LoadError{Path: paths.GenerationConfig, Err: err})
		}
	}
	var cfgEOS []int32
	if c, ok := net.(interface{ Config() llm.Config }); ok {
		cfgEOS = c.Config().EOSTokenID
	}
	eos := engine.EOSSet(gen.EOSTokenID, tok.EOS(), cfgEOS)
	if len(eos) == 0 {
		return fail(&llm.LoadError{Path: paths.Dir, Err: errors.New("no end-of-sequence token declared")})
	}

	lm = &engine.LoadedModel{
		ID:       id,
		Net:      net,
		Tok:      tok,
		Device:   dev,
		EOS:      eos,
		Defaults: engine.Defaults{Temperature: gen.Temperature, TopP: gen.TopP},
		LoadedAt: time.Now(),
	}
	m.mu.Lock()
	m.loaded[id] = lm
	m.setStateLocked(id, StateReady, "")
	n := len(m.loaded)
	m.mu.Unlock()

	elapsed := time.Since(start)
	m.loadsTotal.Add(1)
	m.metrics.loads.WithLabelValues(id, "ok").Inc()
	m.metrics.loadSeconds.WithLabelValues(id).Observe(elapsed.Seconds())
	m.metrics.modelsLoaded.Set(float64(n))
	m.events.Publish(Event{Name: EventLoadReady, ModelID: id, Fields: map[string]any{"device": dev.String()}})
	log.Info().Str("device", dev.String()).Str("template", string(tok.Template())).Int64("dur_ms", elapsed.Milliseconds()).Msg("model ready")
	return lm, nil
}

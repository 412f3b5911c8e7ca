package manager

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"coderd/internal/cache"
	"coderd/internal/config"
	"coderd/internal/device"
	"coderd/internal/hub"
	"coderd/internal/llm"
	"coderd/internal/registry"
	"coderd/internal/testutil"
)

const tinyRepo = "acme/tiny"

// countingBackend wraps a Backend, counting loads and optionally holding
// each one until gate is closed.
type countingBackend struct {
	inner llm.Backend
	calls atomic.Int32
	gate  chan struct{}
	err   atomic.Pointer[error]
}

func (b *countingBackend) Load(ctx context.Context, files llm.Files, dev device.Device) (llm.Network, error) {
	b.calls.Add(1)
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := b.err.Load(); err != nil {
		return nil, *err
	}
	return b.inner.Load(ctx, files, dev)
}

func (b *countingBackend) fail(err error) { b.err.Store(&err) }
func (b *countingBackend) succeed()       { b.err.Store(nil) }

// loopNet always predicts 'a' and never runs out of context.
type loopNet struct{}

func (loopNet) VocabSize() int      { return testutil.TinyVocabSize }
func (loopNet) ContextLength() int  { return math.MaxInt32 }
func (loopNet) NewState() llm.State { return &loopState{} }
func (loopNet) Config() llm.Config  { return llm.Config{EOSTokenID: []int32{testutil.TinyIMEnd}} }

type loopState struct{ n int }

func (s *loopState) Len() int { return s.n }

func (s *loopState) Forward(ctx context.Context, tokens []int32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.n += len(tokens)
	logits := make([]float32, testutil.TinyVocabSize)
	logits['a'] = 100
	return logits, nil
}

type loopBackend struct{}

func (loopBackend) Load(context.Context, llm.Files, device.Device) (llm.Network, error) {
	return loopNet{}, nil
}

type testEnv struct {
	m        *Manager
	hub      *testutil.Hub
	backend  *countingBackend
	events   *MemoryPublisher
	cat      *registry.Catalog
	cacheDir string
	tiny     testutil.TinyModel
}

// newTestEnv serves a tiny model as "tiny" from a fake hub into a temp cache.
func newTestEnv(t *testing.T, tweak ...func(*Config)) *testEnv {
	t.Helper()
	h := testutil.NewHub(t)
	tiny := testutil.NewTinyModel(testutil.TinyOptions{Seed: 1})
	h.AddRepo(tinyRepo, tiny.Files)

	cfg := config.Default()
	cfg.ModelsCacheDir = t.TempDir()
	cfg.Models = map[string]config.ModelConfig{"tiny": tiny.ModelConfig(tinyRepo)}
	cat, err := registry.FromConfig(cfg)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return newTestEnvFrom(t, h, tiny, cat, cfg.ModelsCacheDir, tweak...)
}

func newTestEnvFrom(t *testing.T, h *testutil.Hub, tiny testutil.TinyModel, cat *registry.Catalog, cacheDir string, tweak ...func(*Config)) *testEnv {
	t.Helper()
	coord := cache.New(cat, cache.Options{Source: hub.New(hub.Options{Endpoint: h.URL}), Logger: zerolog.Nop()})
	backend := &countingBackend{inner: llm.SafetensorsBackend{}}
	events := NewMemoryPublisher(0)
	mc := Config{
		Catalog:  cat,
		Fetcher:  coord,
		Selector: device.NewSelector(zerolog.Nop(), 1),
		Backend:  backend,
		CacheDir: cacheDir,
		Workers:  2,
		MaxWait:  2 * time.Second,
		Logger:   zerolog.Nop(),
		Events:   events,
	}
	for _, f := range tweak {
		f(&mc)
	}
	m, err := NewWithConfig(mc)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return &testEnv{m: m, hub: h, backend: backend, events: events, cat: cat, cacheDir: cacheDir, tiny: tiny}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

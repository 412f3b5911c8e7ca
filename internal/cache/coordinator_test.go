package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderd/internal/config"
	"coderd/internal/hub"
	"coderd/internal/registry"
	"coderd/internal/testutil"
)

const repo = "acme/tiny"

type recordingObserver struct {
	mu       sync.Mutex
	started  int
	finished []error
}

func (o *recordingObserver) DownloadStarted(string) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) DownloadFinished(_ string, err error) {
	o.mu.Lock()
	o.finished = append(o.finished, err)
	o.mu.Unlock()
}

func newFixture(t *testing.T, models ...string) (*Coordinator, *testutil.Hub, *recordingObserver, testutil.TinyModel) {
	t.Helper()
	tiny := testutil.NewTinyModel(testutil.TinyOptions{Seed: 1, Shards: 2})
	h := testutil.NewHub(t)
	h.AddRepo(repo, tiny.Files)
	cfg := config.Default()
	cfg.ModelsCacheDir = t.TempDir()
	cfg.Models = map[string]config.ModelConfig{}
	for _, id := range models {
		hubID := repo
		if id != "tiny" {
			hubID = "acme/" + id
			h.AddRepo(hubID, tiny.Files)
		}
		cfg.Models[id] = tiny.ModelConfig(hubID)
	}
	cat, err := registry.FromConfig(cfg)
	require.NoError(t, err)
	obs := &recordingObserver{}
	c := New(cat, Options{
		Source:   hub.New(hub.Options{Endpoint: h.URL}),
		Observer: obs,
	})
	return c, h, obs, tiny
}

func TestEnsureAvailable_DownloadsMissingFiles(t *testing.T) {
	c, h, obs, tiny := newFixture(t, "tiny")
	assert.False(t, c.IsCached("tiny"))

	paths, err := c.EnsureAvailable(context.Background(), "tiny")
	require.NoError(t, err)
	require.Len(t, paths.Weights, 2)
	for name, want := range tiny.Files {
		got, err := os.ReadFile(filepath.Join(paths.Dir, name))
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	assert.Equal(t, filepath.Join(paths.Dir, "config.json"), paths.Config)
	assert.Equal(t, filepath.Join(paths.Dir, "tokenizer.json"), paths.Tokenizer)
	assert.True(t, c.IsCached("tiny"))
	assert.Equal(t, len(tiny.Files), h.TotalHits())
	assert.Equal(t, 1, obs.started)
	require.Len(t, obs.finished, 1)
	assert.NoError(t, obs.finished[0])

	// No temp files remain next to the published ones.
	entries, err := os.ReadDir(paths.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, len(tiny.Files))
}

func TestEnsureAvailable_CachedDoesNoIO(t *testing.T) {
	c, h, obs, _ := newFixture(t, "tiny")
	_, err := c.EnsureAvailable(context.Background(), "tiny")
	require.NoError(t, err)
	before := h.TotalHits()

	for i := 0; i < 3; i++ {
		_, err := c.EnsureAvailable(context.Background(), "tiny")
		require.NoError(t, err)
	}
	assert.Equal(t, before, h.TotalHits())
	assert.Equal(t, 1, obs.started)
}

func TestEnsureAvailable_SingleFlight(t *testing.T) {
	c, h, obs, tiny := newFixture(t, "tiny")
	release := h.Block()

	const n = 16
	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.EnsureAvailable(context.Background(), "tiny"); err == nil {
				ok.Add(1)
			}
		}()
	}
	// Let every caller attach to the in-flight download before it can finish.
	time.Sleep(100 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, int32(n), ok.Load())
	assert.Equal(t, 1, obs.started)
	for name := range tiny.Files {
		assert.Equal(t, 1, h.Hits(repo, name), name)
	}
}

func TestEnsureAvailable_FailureReachesAllWaitersThenRetries(t *testing.T) {
	c, h, obs, _ := newFixture(t, "tiny")
	h.FailFile(repo, "tokenizer.json", http.StatusInternalServerError)

	_, err := c.EnsureAvailable(context.Background(), "tiny")
	require.Error(t, err)
	var de *DownloadError
	require.True(t, errors.As(err, &de), "got %T", err)
	assert.Equal(t, "tiny", de.ModelID)
	assert.False(t, c.IsCached("tiny"))
	// The failed file must not be visible under its final name.
	d, _ := c.catalog.Get("tiny")
	_, statErr := os.Stat(d.Path("tokenizer.json"))
	assert.True(t, os.IsNotExist(statErr))

	h.ClearFailures()
	_, err = c.EnsureAvailable(context.Background(), "tiny")
	require.NoError(t, err)
	assert.Equal(t, 2, obs.started)
	require.Len(t, obs.finished, 2)
	assert.Error(t, obs.finished[0])
	assert.NoError(t, obs.finished[1])
}

func TestEnsureAvailable_RemoteNotFound(t *testing.T) {
	c, h, _, _ := newFixture(t, "tiny")
	h.FailFile(repo, "config.json", http.StatusNotFound)
	_, err := c.EnsureAvailable(context.Background(), "tiny")
	require.Error(t, err)
	assert.True(t, errors.Is(err, hub.ErrNotFound), "got %v", err)
}

func TestEnsureAvailable_UnknownModel(t *testing.T) {
	c, _, _, _ := newFixture(t, "tiny")
	_, err := c.EnsureAvailable(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrUnknownModel))
}

func TestEnsureAvailable_WaiterCancelDoesNotAbortDownload(t *testing.T) {
	c, h, _, _ := newFixture(t, "tiny")
	release := h.Block()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.EnsureAvailable(ctx, "tiny")
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	release()
	_, err := c.EnsureAvailable(context.Background(), "tiny")
	require.NoError(t, err)
	assert.True(t, c.IsCached("tiny"))
}

func TestEnsureAvailable_DifferentModelsIndependent(t *testing.T) {
	c, h, obs, _ := newFixture(t, "tiny", "other")
	h.FailFile(repo, "config.json", http.StatusInternalServerError)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"tiny", "other"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.EnsureAvailable(context.Background(), id)
		}()
	}
	wg.Wait()
	assert.Error(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 2, obs.started)
}

type countingProgress struct {
	mu    sync.Mutex
	bytes map[string]int64
	done  map[string]error
}

func (p *countingProgress) Track(_, file string, _ int64, r io.Reader) (io.Reader, func(error)) {
	add := func(n int) {
		p.mu.Lock()
		p.bytes[file] += int64(n)
		p.mu.Unlock()
	}
	done := func(err error) {
		p.mu.Lock()
		p.done[file] = err
		p.mu.Unlock()
	}
	return &countingReader{r: r, add: add}, done
}

type countingReader struct {
	r   io.Reader
	add func(int)
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.add(n)
	return n, err
}

func TestEnsureAvailable_ReportsProgress(t *testing.T) {
	c, _, _, tiny := newFixture(t, "tiny")
	p := &countingProgress{bytes: map[string]int64{}, done: map[string]error{}}
	c.progress = p
	_, err := c.EnsureAvailable(context.Background(), "tiny")
	require.NoError(t, err)
	for name, b := range tiny.Files {
		assert.Equal(t, int64(len(b)), p.bytes[name], name)
		e, seen := p.done[name]
		assert.True(t, seen, name)
		assert.NoError(t, e, name)
	}
}

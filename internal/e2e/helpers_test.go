package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"coderd/internal/cache"
	"coderd/internal/config"
	"coderd/internal/device"
	"coderd/internal/httpapi"
	"coderd/internal/hub"
	"coderd/internal/manager"
	"coderd/internal/registry"
	"coderd/internal/testutil"
)

const tinyRepo = "acme/tiny-coder"

type stack struct {
	srv *httptest.Server
	hub *testutil.Hub
	mgr *manager.Manager
}

// newStack serves the tiny model from a fake hub through the full
// cache, manager and HTTP layers.
func newStack(t *testing.T, tweak func(*manager.Config)) *stack {
	t.Helper()
	h := testutil.NewHub(t)
	tiny := testutil.NewTinyModel(testutil.TinyOptions{Seed: 3, Shards: 2})
	h.AddRepo(tinyRepo, tiny.Files)

	cfg := config.Default()
	cfg.ModelsCacheDir = t.TempDir()
	cfg.Models = map[string]config.ModelConfig{"tiny": tiny.ModelConfig(tinyRepo)}
	cat, err := registry.FromConfig(cfg)
	require.NoError(t, err)

	coord := cache.New(cat, cache.Options{
		Source: hub.New(hub.Options{Endpoint: h.URL, Logger: zerolog.Nop()}),
		Logger: zerolog.Nop(),
	})
	mc := manager.Config{
		Catalog:      cat,
		Fetcher:      coord,
		Selector:     device.NewSelector(zerolog.Nop(), 1),
		CacheDir:     cfg.ModelsCacheDir,
		Workers:      2,
		MaxWait:      2 * time.Second,
		MaxN:         4,
		StreamBuffer: 8,
		SendTimeout:  2 * time.Second,
		Defaults:     cfg.Chat.Defaults,
		Logger:       zerolog.Nop(),
	}
	if tweak != nil {
		tweak(&mc)
	}
	m, err := manager.NewWithConfig(mc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	srv := httptest.NewServer(httpapi.NewMux(m))
	t.Cleanup(srv.Close)
	return &stack{srv: srv, hub: h, mgr: m}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

// sseEvents returns the data payloads of an event stream, including [DONE].
func sseEvents(t *testing.T, body []byte) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			out = append(out, data)
		}
	}
	require.NoError(t, sc.Err())
	return out
}

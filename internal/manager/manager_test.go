package manager

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"coderd/internal/config"
	"coderd/internal/registry"
)

func TestNewWithConfig_RequiresCatalogAndFetcher(t *testing.T) {
	if _, err := NewWithConfig(Config{}); err == nil {
		t.Fatalf("expected error without catalog")
	}
	cat, err := registry.New(nil)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	if _, err := NewWithConfig(Config{Catalog: cat}); err == nil {
		t.Fatalf("expected error without fetcher")
	}
}

func TestNewWithConfig_Defaults(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.MaxN = 0
		c.Defaults = config.ChatDefaults{}
		c.Logger = zerolog.Nop()
	})
	if env.m.maxN != defaultMaxN || env.m.bufferSize != defaultStreamBuffer || env.m.sendWait != defaultSendTimeout {
		t.Fatalf("defaults not applied: maxN=%d buffer=%d send=%v", env.m.maxN, env.m.bufferSize, env.m.sendWait)
	}
	if env.m.ChatDefaults() != config.Default().Chat.Defaults {
		t.Fatalf("chat defaults = %+v", env.m.ChatDefaults())
	}
}

func TestModels_ReflectLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ms, ok := env.m.Model("tiny")
	if !ok {
		t.Fatalf("tiny missing")
	}
	if ms.IsCached || ms.IsReady || ms.State != string(StateNotCached) || ms.HubID != tinyRepo {
		t.Fatalf("before load: %+v", ms)
	}
	if _, ok := env.m.Model("nope"); ok {
		t.Fatalf("unknown model reported")
	}

	if _, err := env.m.GetOrLoad(testCtx(t), "tiny"); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	list := env.m.Models()
	if len(list) != 1 {
		t.Fatalf("models = %+v", list)
	}
	ms = list[0]
	if !ms.IsCached || !ms.IsReady || ms.State != string(StateReady) || ms.Device == "" {
		t.Fatalf("after load: %+v", ms)
	}
}

func TestReport_AndClose(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.m.GetOrLoad(testCtx(t), "tiny"); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if !env.m.Ready() {
		t.Fatalf("not ready with a writable cache")
	}
	r := env.m.Report()
	if r.State != "ready" || r.Workers != 2 || r.LoadsTotal != 1 || r.DownloadsTotal != 1 || len(r.Models) != 1 {
		t.Fatalf("report = %+v", r)
	}
	if r.ServerTimeUnix == 0 {
		t.Fatalf("server time unset")
	}

	if err := env.m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if env.m.Ready() {
		t.Fatalf("ready after Close")
	}
	if got := env.m.Report().State; got != "draining" {
		t.Fatalf("state after Close = %q", got)
	}
}

func TestStartDownload(t *testing.T) {
	env := newTestEnv(t)
	op, err := env.m.StartDownload(context.Background(), "tiny")
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	if !strings.HasPrefix(op, "op-") {
		t.Fatalf("op id = %q", op)
	}
	waitFor(t, "ready", func() bool { return env.m.IsAvailable("tiny") })
	if st, _ := env.m.Status("tiny"); st.State != StateReady {
		t.Fatalf("state = %q, want ready", st.State)
	}

	if _, err := env.m.StartDownload(context.Background(), "nope"); !IsModelNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.m.StartDownload(ctx, "tiny"); !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}
}

func TestSanityCheck(t *testing.T) {
	env := newTestEnv(t)
	r := env.m.SanityCheck()
	if !r.CacheWritable || r.Error != "" {
		t.Fatalf("report = %+v", r)
	}
	if r.Device == "" || r.Workers != 2 {
		t.Fatalf("device/workers missing: %+v", r)
	}
	if len(r.Models) != 1 || r.Models[0].ID != "tiny" || r.Models[0].Cached {
		t.Fatalf("models = %+v", r.Models)
	}
	if env.hub.TotalHits() != 0 {
		t.Fatalf("sanity check reached the hub")
	}
}

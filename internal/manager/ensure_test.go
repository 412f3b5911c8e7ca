package manager

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"

	"coderd/internal/llm"
)

func TestGetOrLoad_DownloadsAndLoads(t *testing.T) {
	env := newTestEnv(t)
	if st, _ := env.m.Status("tiny"); st.State != StateNotCached {
		t.Fatalf("initial state = %q, want not_cached", st.State)
	}
	if env.m.IsAvailable("tiny") {
		t.Fatalf("available before load")
	}

	lm, err := env.m.GetOrLoad(testCtx(t), "tiny")
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if lm.ID != "tiny" || lm.Net == nil || lm.Tok == nil {
		t.Fatalf("incomplete loaded model: %+v", lm)
	}
	if len(lm.EOS) == 0 {
		t.Fatalf("no EOS ids")
	}
	if st, _ := env.m.Status("tiny"); st.State != StateReady {
		t.Fatalf("state = %q, want ready", st.State)
	}
	if !env.m.IsAvailable("tiny") {
		t.Fatalf("not available after load")
	}
	want := []string{EventDownloadStart, EventDownloadDone, EventLoadStart, EventLoadReady}
	if got := env.events.Names("tiny"); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestGetOrLoad_SharedByConcurrentCallers(t *testing.T) {
	env := newTestEnv(t)
	env.backend.gate = make(chan struct{})

	const callers = 16
	var wg sync.WaitGroup
	models := make([]any, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm, err := env.m.GetOrLoad(testCtx(t), "tiny")
			models[i], errs[i] = lm, err
		}()
	}
	waitFor(t, "load to start", func() bool { return env.backend.calls.Load() == 1 })
	close(env.backend.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
		if models[i] != models[0] {
			t.Fatalf("caller %d got a different model instance", i)
		}
	}
	if n := env.backend.calls.Load(); n != 1 {
		t.Fatalf("backend loads = %d, want 1", n)
	}
	for _, f := range env.tiny.Manifest.Weights {
		if n := env.hub.Hits(tinyRepo, f); n != 1 {
			t.Fatalf("%s fetched %d times, want 1", f, n)
		}
	}
}

func TestGetOrLoad_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.m.GetOrLoad(testCtx(t), "tiny")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	hits := env.hub.TotalHits()
	b, err := env.m.GetOrLoad(testCtx(t), "tiny")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if a != b {
		t.Fatalf("second call returned a new instance")
	}
	if env.hub.TotalHits() != hits || env.backend.calls.Load() != 1 {
		t.Fatalf("second call did work: hits %d->%d loads %d", hits, env.hub.TotalHits(), env.backend.calls.Load())
	}
}

func TestGetOrLoad_UnknownModel(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.m.GetOrLoad(testCtx(t), "nope")
	if !IsModelNotFound(err) {
		t.Fatalf("want model not found, got %v", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.StatusCode() != http.StatusNotFound {
		t.Fatalf("want 404 *Error, got %#v", err)
	}
	if env.hub.TotalHits() != 0 {
		t.Fatalf("unknown model reached the hub")
	}
}

func TestGetOrLoad_DownloadFailureThenRetry(t *testing.T) {
	env := newTestEnv(t)
	env.hub.FailFile(tinyRepo, env.tiny.Manifest.Config, http.StatusInternalServerError)

	_, err := env.m.GetOrLoad(testCtx(t), "tiny")
	if k, _ := KindOf(err); k != KindDownload {
		t.Fatalf("kind = %q (%v), want download", k, err)
	}
	st, _ := env.m.Status("tiny")
	if st.State != StateFailed || st.Reason == "" {
		t.Fatalf("status = %+v, want failed with reason", st)
	}
	if !slices.Contains(env.events.Names("tiny"), EventDownloadFailed) {
		t.Fatalf("no download_failed event: %v", env.events.Names("tiny"))
	}

	env.hub.ClearFailures()
	if _, err := env.m.GetOrLoad(testCtx(t), "tiny"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st, _ := env.m.Status("tiny"); st.State != StateReady {
		t.Fatalf("state after retry = %q", st.State)
	}
}

func TestGetOrLoad_LoadFailureThenRetry(t *testing.T) {
	env := newTestEnv(t)
	env.backend.fail(errors.New("corrupt weights"))

	_, err := env.m.GetOrLoad(testCtx(t), "tiny")
	if k, _ := KindOf(err); k != KindLoad {
		t.Fatalf("kind = %q (%v), want load", k, err)
	}
	var le *llm.LoadError
	if !errors.As(err, &le) {
		t.Fatalf("want wrapped *llm.LoadError, got %v", err)
	}
	if st, _ := env.m.Status("tiny"); st.State != StateFailed {
		t.Fatalf("state = %q, want failed", st.State)
	}
	if env.m.IsAvailable("tiny") {
		t.Fatalf("failed load left a model behind")
	}

	env.backend.succeed()
	hits := env.hub.TotalHits()
	if _, err := env.m.GetOrLoad(testCtx(t), "tiny"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if env.hub.TotalHits() != hits {
		t.Fatalf("retry downloaded cached files again")
	}
	if st, _ := env.m.Status("tiny"); st.State != StateReady {
		t.Fatalf("state after retry = %q, want ready", st.State)
	}
	if n := env.backend.calls.Load(); n != 2 {
		t.Fatalf("backend loads = %d, want 2", n)
	}
}

func TestGetOrLoad_WaiterCancelDoesNotStopLoad(t *testing.T) {
	env := newTestEnv(t)
	release := env.hub.Block()
	t.Cleanup(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.m.GetOrLoad(ctx, "tiny")
		done <- err
	}()
	waitFor(t, "download to start", func() bool {
		st, _ := env.m.Status("tiny")
		return st.State == StateDownloading
	})
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled waiter got %v", err)
	}

	release()
	waitFor(t, "background load", func() bool { return env.m.IsAvailable("tiny") })
	if _, err := env.m.GetOrLoad(testCtx(t), "tiny"); err != nil {
		t.Fatalf("after release: %v", err)
	}
	if n := env.backend.calls.Load(); n != 1 {
		t.Fatalf("backend loads = %d, want 1", n)
	}
}

func TestScan_SeesExistingCache(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.m.GetOrLoad(testCtx(t), "tiny"); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	hits := env.hub.TotalHits()

	// A second manager over the same cache starts out Cached.
	env2 := newTestEnvFrom(t, env.hub, env.tiny, env.cat, env.cacheDir)
	if st, _ := env2.m.Status("tiny"); st.State != StateCached {
		t.Fatalf("state = %q, want cached", st.State)
	}
	if _, err := env2.m.GetOrLoad(testCtx(t), "tiny"); err != nil {
		t.Fatalf("second manager load: %v", err)
	}
	if env.hub.TotalHits() != hits {
		t.Fatalf("cached model was downloaded again")
	}
	if slices.Contains(env2.events.Names("tiny"), EventDownloadStart) {
		t.Fatalf("unexpected download event")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateNotCached, StateDownloading, true},
		{StateDownloading, StateCached, true},
		{StateCached, StateLoading, true},
		{StateLoading, StateReady, true},
		{StateCached, StateReady, true},
		{StateLoading, StateCached, false},
		{StateCached, StateDownloading, false},
		{StateLoading, StateFailed, true},
		{StateDownloading, StateFailed, true},
		{StateFailed, StateDownloading, true},
		{StateFailed, StateLoading, true},
		{StateFailed, StateFailed, true},
		{StateReady, StateFailed, false},
		{StateReady, StateLoading, false},
		{StateCached, StateCached, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

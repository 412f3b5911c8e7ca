package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Hub is a fake model hub serving {repo}/resolve/{revision}/{file}.
type Hub struct {
	*httptest.Server

	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
	fail  map[string]int
	gate  chan struct{}
}

// NewHub starts a fake hub that is closed with the test.
func NewHub(t testing.TB) *Hub {
	h := &Hub{files: map[string][]byte{}, hits: map[string]int{}, fail: map[string]int{}}
	h.Server = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.Close)
	return h
}

// AddRepo publishes files under repo.
func (h *Hub) AddRepo(repo string, files map[string][]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, b := range files {
		h.files[repo+"/"+name] = b
	}
}

// FailFile makes requests for repo/file answer with status.
func (h *Hub) FailFile(repo, file string, status int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail[repo+"/"+file] = status
}

// ClearFailures removes every FailFile rule.
func (h *Hub) ClearFailures() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail = map[string]int{}
}

// Block holds every request until the returned func is called.
func (h *Hub) Block() (release func()) {
	g := make(chan struct{})
	h.mu.Lock()
	h.gate = g
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			h.gate = nil
			h.mu.Unlock()
			close(g)
		})
	}
}

// Hits returns how many times repo/file was requested.
func (h *Hub) Hits(repo, file string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[repo+"/"+file]
}

// TotalHits returns the number of requests served.
func (h *Hub) TotalHits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, v := range h.hits {
		n += v
	}
	return n
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	repo, rest, ok := strings.Cut(path, "/resolve/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, file, ok := strings.Cut(rest, "/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	key := repo + "/" + file

	h.mu.Lock()
	h.hits[key]++
	gate := h.gate
	status := h.fail[key]
	body, found := h.files[key]
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(body)
}

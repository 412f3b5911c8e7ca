package hub

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileURL(t *testing.T) {
	c := New(Options{Endpoint: "http://hub.local/"})
	assert.Equal(t, "http://hub.local/acme/tiny/resolve/main/model.safetensors", c.FileURL("acme/tiny", "", "model.safetensors"))
	assert.Equal(t, "http://hub.local/acme/tiny/resolve/v1/sub/a%20b.json", c.FileURL("acme/tiny", "v1", "sub/a b.json"))
}

func TestOpen_StreamsBodyWithBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer hf_secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/acme/tiny/resolve/main/config.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Options{Endpoint: srv.URL, Token: "hf_secret"})
	body, size, err := c.Open(context.Background(), "acme/tiny", "main", "config.json")
	require.NoError(t, err)
	defer body.Close()
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(b))
	assert.Equal(t, int64(len(b)), size)
}

func TestOpen_StatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/acme/tiny/resolve/main/missing.json":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	c := New(Options{Endpoint: srv.URL})
	_, _, err := c.Open(context.Background(), "acme/tiny", "main", "missing.json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	_, _, err = c.Open(context.Background(), "acme/tiny", "main", "gated.json")
	var se *StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusForbidden, se.Status)
}

func TestOpen_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(Options{Endpoint: srv.URL})
	_, _, err := c.Open(ctx, "acme/tiny", "main", "config.json")
	require.Error(t, err)
}

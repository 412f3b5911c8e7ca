package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"coderd/internal/cache"
	"coderd/internal/engine"
	"coderd/internal/hub"
	"coderd/internal/llm"
	"coderd/internal/stream"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   Kind
		status int
	}{
		{"unknown model", fmt.Errorf("%w: x", cache.ErrUnknownModel), KindValidation, http.StatusNotFound},
		{"download", &cache.DownloadError{ModelID: "m", File: "f", Err: errors.New("eof")}, KindDownload, http.StatusBadGateway},
		{"hub 404", fmt.Errorf("open: %w", hub.ErrNotFound), KindDownload, http.StatusBadGateway},
		{"load", &llm.LoadError{Path: "p", Err: errors.New("bad")}, KindLoad, http.StatusInternalServerError},
		{"unsupported", fmt.Errorf("%w: moe", llm.ErrUnsupported), KindLoad, http.StatusInternalServerError},
		{"buffer full", stream.ErrBufferFull, KindStream, http.StatusServiceUnavailable},
		{"temperature", engine.ErrInvalidTemperature, KindValidation, http.StatusBadRequest},
		{"top_p", engine.ErrInvalidTopP, KindValidation, http.StatusBadRequest},
		{"degenerate", engine.ErrDegenerateDistribution, KindGeneration, http.StatusInternalServerError},
		{"other", errors.New("boom"), KindGeneration, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("m", tt.err)
			var e *Error
			if !errors.As(err, &e) {
				t.Fatalf("classify returned %T", err)
			}
			if e.Kind != tt.kind || e.StatusCode() != tt.status {
				t.Fatalf("got %s/%d, want %s/%d", e.Kind, e.StatusCode(), tt.kind, tt.status)
			}
			if e.ModelID != "m" {
				t.Fatalf("model id = %q", e.ModelID)
			}
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	if classify("m", nil) != nil {
		t.Fatalf("nil should stay nil")
	}
	if err := classify("m", context.Canceled); err != context.Canceled {
		t.Fatalf("context.Canceled wrapped: %v", err)
	}
	orig := &Error{Kind: KindTooBusy, Err: errors.New("full")}
	if err := classify("m", fmt.Errorf("ctx: %w", orig)); !IsTooBusy(err) {
		t.Fatalf("existing *Error lost: %v", err)
	}
}

func TestError_Message(t *testing.T) {
	e := &Error{Kind: KindLoad, ModelID: "tiny", Err: errors.New("bad header")}
	if got, want := e.Error(), "load: tiny: bad header"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	e.ModelID = ""
	if got, want := e.Error(), "load: bad header"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatalf("KindOf matched a plain error")
	}
}

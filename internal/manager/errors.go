package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"coderd/internal/cache"
	"coderd/internal/engine"
	"coderd/internal/hub"
	"coderd/internal/llm"
	"coderd/internal/stream"
)

// Kind classifies errors returned by the manager.
type Kind string

const (
	KindValidation Kind = "validation"
	KindDownload   Kind = "download"
	KindLoad       Kind = "load"
	KindStream     Kind = "stream"
	KindGeneration Kind = "generation"
	KindTooBusy    Kind = "too_busy"
)

// ErrModelNotFound marks requests for ids missing from the catalog.
var ErrModelNotFound = errors.New("model not found")

// Error is the single error type surfaced by Manager methods, apart from
// context cancellation.
type Error struct {
	Kind    Kind
	ModelID string
	Err     error
}

func (e *Error) Error() string {
	if e.ModelID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.ModelID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the error to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		if errors.Is(e.Err, ErrModelNotFound) {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case KindDownload:
		return http.StatusBadGateway
	case KindStream:
		return http.StatusServiceUnavailable
	case KindTooBusy:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func validationError(modelID, format string, args ...any) error {
	return &Error{Kind: KindValidation, ModelID: modelID, Err: fmt.Errorf(format, args...)}
}

func notFound(modelID string) error {
	return &Error{Kind: KindValidation, ModelID: modelID, Err: fmt.Errorf("%w: %s", ErrModelNotFound, modelID)}
}

// KindOf returns the Kind of err if it is or wraps an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool { return errors.Is(err, ErrModelNotFound) }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool { return isKind(err, KindTooBusy) }

// IsValidation reports whether err is a bad request.
func IsValidation(err error) bool { return isKind(err, KindValidation) }

func IsDownload(err error) bool   { return isKind(err, KindDownload) }
func IsLoad(err error) bool       { return isKind(err, KindLoad) }
func IsStream(err error) bool     { return isKind(err, KindStream) }
func IsGeneration(err error) bool { return isKind(err, KindGeneration) }

func isKind(err error, want Kind) bool {
	k, ok := KindOf(err)
	return ok && k == want
}

// classify wraps err in an *Error. Context errors pass through so callers
// can tell a client that went away from a failure.
func classify(modelID string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var de *cache.DownloadError
	var le *llm.LoadError
	switch {
	case errors.Is(err, cache.ErrUnknownModel):
		return notFound(modelID)
	case errors.As(err, &de), errors.Is(err, hub.ErrNotFound):
		return &Error{Kind: KindDownload, ModelID: modelID, Err: err}
	case errors.As(err, &le), errors.Is(err, llm.ErrUnsupported):
		return &Error{Kind: KindLoad, ModelID: modelID, Err: err}
	case errors.Is(err, stream.ErrBufferFull), errors.Is(err, stream.ErrNotInitialized):
		return &Error{Kind: KindStream, ModelID: modelID, Err: err}
	case errors.Is(err, engine.ErrInvalidTemperature), errors.Is(err, engine.ErrInvalidTopP):
		return &Error{Kind: KindValidation, ModelID: modelID, Err: err}
	default:
		// Encoding failures, degenerate distributions and forward errors.
		return &Error{Kind: KindGeneration, ModelID: modelID, Err: err}
	}
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"coderd/internal/manager"
	"coderd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, typ, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody(status, typ, msg))
}

func errorBody(status int, typ, msg string) types.ErrorResponse {
	return types.ErrorResponse{Error: types.ErrorBody{Message: msg, Type: typ, Code: status}}
}

// statusOf maps err to an HTTP status and error type.
func statusOf(err error) (int, string) {
	status, typ := http.StatusInternalServerError, "internal"
	var he HTTPError
	if errors.As(err, &he) {
		status = he.StatusCode()
	}
	if k, ok := manager.KindOf(err); ok {
		typ = string(k)
	}
	if manager.IsModelNotFound(err) {
		typ = "not_found"
	}
	return status, typ
}

// writeError maps err to a status code and writes it.
func writeError(w http.ResponseWriter, err error) int {
	status, typ := statusOf(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(typ)
		w.Header().Set("Retry-After", "1")
	}
	writeJSONError(w, status, typ, err.Error())
	return status
}

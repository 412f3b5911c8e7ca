package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// sseWriter writes server-sent events, flushing after each one.
type sseWriter struct {
	w     io.Writer
	rc    *http.ResponseController
	err   error
	count int
}

func newSSEWriter(w http.ResponseWriter, tee io.Writer) *sseWriter {
	sw := &sseWriter{w: w, rc: http.NewResponseController(w)}
	if tee != nil {
		sw.w = io.MultiWriter(w, tee)
	}
	return sw
}

// data writes one "data:" event of the given kind (chunk or error). After
// the first write error every call is a no-op returning that error.
func (s *sseWriter) data(kind string, v any) error {
	if s.err != nil {
		return s.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		s.err = err
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		s.err = err
		return err
	}
	s.count++
	sseEventsTotal.WithLabelValues(kind).Inc()
	// Flushing is best effort: recorders in tests do not support it.
	_ = s.rc.Flush()
	return nil
}

func (s *sseWriter) done() error {
	if s.err != nil {
		return s.err
	}
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		s.err = err
		return err
	}
	sseEventsTotal.WithLabelValues("done").Inc()
	_ = s.rc.Flush()
	return nil
}

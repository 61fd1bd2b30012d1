package rpc

import (
	"encoding/json"
	"net/http"
)

// jsonStream writes newline-delimited JSON objects over a single response,
// flushing after each one so the client sees partial fields (like the
// prefetched sign data) before the handler finishes.
type jsonStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newJSONStream(w http.ResponseWriter) *jsonStream {
	flusher, _ := w.(http.Flusher)
	return &jsonStream{w: w, flusher: flusher}
}

func (s *jsonStream) wrote() bool { return s.started }

// WriteField emits one {"name": value} object and flushes.
func (s *jsonStream) WriteField(name string, value any) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.started = true
	}
	if err := json.NewEncoder(s.w).Encode(map[string]any{name: value}); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// WriteFinal emits the closing envelope. When nothing was streamed the
// response degrades to a plain JSON body.
func (s *jsonStream) WriteFinal(v any) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "application/json")
	}
	if err := json.NewEncoder(s.w).Encode(v); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

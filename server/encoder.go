package server

import (
	"encoding/json"
	"net/http"
)

// lineEncoder writes NDJSON lines and flushes after each one so tokens reach
// the client as they are generated.
type lineEncoder struct {
	w       http.ResponseWriter
	enc     *json.Encoder
	flusher http.Flusher
}

func newLineEncoder(w http.ResponseWriter) *lineEncoder {
	le := &lineEncoder{w: w, enc: json.NewEncoder(w)}
	if f, ok := w.(http.Flusher); ok {
		le.flusher = f
	}
	return le
}

func (le *lineEncoder) write(v any) error {
	if err := le.enc.Encode(v); err != nil {
		return err
	}
	if le.flusher != nil {
		le.flusher.Flush()
	}
	return nil
}

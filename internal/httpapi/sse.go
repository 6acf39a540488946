package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/claude-session-broker/broker/internal/stream"
)

// sseWriter frames stream.SSERecord values as `data: <json>\n\n` lines
// and flushes after each one, per spec.md's streaming wire format.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	wrote   bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, flusher: flusher}, nil
}

// writeRecord writes one SSE frame. Write errors are ignored — per the
// disconnect-tolerant streaming rule, the server keeps driving the turn
// to completion even once the client has stopped reading.
func (sw *sseWriter) writeRecord(rec stream.SSERecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	sw.wrote = true
	_, _ = fmt.Fprintf(sw.w, "data: %s\n\n", data)
	sw.flusher.Flush()
}

func (sw *sseWriter) wroteAny() bool { return sw.wrote }

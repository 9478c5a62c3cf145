package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/livemd/livemd/internal/protocol"
)

// handleEvents streams session events as server-sent events: one named event
// per ServerEvent variant with a JSON payload, plus synthetic heartbeats so
// idle connections stay alive. The stream ends when the client disconnects
// or the session's terminal SessionEnd has been delivered.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	doc := r.URL.Query().Get("doc")

	id, events, ok := s.pipeline.Store().Subscribe(doc)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "preview session not found")
		return
	}
	defer s.pipeline.Store().Unsubscribe(doc, id)

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := writeSSE(w, protocol.Heartbeat{Doc: doc}); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-events:
			if !open {
				// Hub closed after the terminal event drained.
				return
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE emits one wire-level SSE frame for the event.
func writeSSE(w http.ResponseWriter, event protocol.ServerEvent) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventName(), protocol.Encode(event))
	return err
}

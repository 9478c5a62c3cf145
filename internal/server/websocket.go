package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/livemd/livemd/internal/protocol"
)

// writeWait bounds a single WebSocket write to a slow peer.
const writeWait = 10 * time.Second

// handleWebSocket streams the same ServerEvents as /events over a WebSocket
// for viewers that prefer a bidirectional transport. The connection is
// write-only from the server's perspective; reads are drained just to detect
// the close handshake.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	doc := r.URL.Query().Get("doc")

	id, events, ok := s.pipeline.Store().Subscribe(doc)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "preview session not found")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.pipeline.Store().Unsubscribe(doc, id)
		s.logger.Warn(r.Context(), err, "websocket upgrade failed", "doc", doc)
		return
	}
	defer s.pipeline.Store().Unsubscribe(doc, id)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// CloseRead pumps incoming frames away and cancels the context when the
	// peer goes away.
	ctx := conn.CloseRead(r.Context())

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := writeWS(ctx, conn, protocol.Heartbeat{Doc: doc}); err != nil {
				return
			}
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeWS(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func writeWS(ctx context.Context, conn *websocket.Conn, event protocol.ServerEvent) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, protocol.Encode(event))
}

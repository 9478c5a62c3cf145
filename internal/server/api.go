package server

import (
	"encoding/json"
	"net/http"

	"github.com/livemd/livemd/internal/protocol"
)

// The control API is the push boundary for editor integrations: plugins POST
// document snapshots and lifecycle commands here. Absence of a session is a
// result, not an error: lifecycle endpoints answer 200 with a boolean.

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/update", s.handleUpdate)
	mux.HandleFunc("POST /api/rerender", s.handleRerender)
	mux.HandleFunc("POST /api/cursor", s.handleCursor)
	mux.HandleFunc("POST /api/pause", s.handlePause)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("POST /api/stop", s.handleStop)
}

type docRequest struct {
	Doc string `json:"doc"`
}

type cursorRequest struct {
	Doc  string `json:"doc"`
	Line int    `json:"line"`
	Col  int    `json:"col"`
}

type stopRequest struct {
	Doc    string `json:"doc"`
	Reason string `json:"reason"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var snapshot protocol.DocumentSnapshot
	if !decodeBody(w, r, &snapshot) {
		return
	}
	if snapshot.Doc == "" {
		writeJSONError(w, http.StatusBadRequest, "doc is required")
		return
	}

	result := s.pipeline.Start(snapshot)
	if s.watcher != nil && snapshot.SourcePath != "" {
		if err := s.watcher.Watch(snapshot.Doc, snapshot.SourcePath); err != nil {
			s.logger.Warn(r.Context(), err, "watch source file",
				"doc", snapshot.Doc, "path", snapshot.SourcePath)
		}
	}

	writeJSON(w, http.StatusOK, struct {
		Replaced bool     `json:"replaced"`
		Evicted  []string `json:"evicted,omitempty"`
		URL      string   `json:"url"`
	}{result.Replaced, result.Evicted, s.URL()})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var snapshot protocol.DocumentSnapshot
	if !decodeBody(w, r, &snapshot) {
		return
	}
	writeUpdated(w, s.pipeline.ContentChanged(snapshot))
}

func (s *Server) handleRerender(w http.ResponseWriter, r *http.Request) {
	var snapshot protocol.DocumentSnapshot
	if !decodeBody(w, r, &snapshot) {
		return
	}
	writeUpdated(w, s.pipeline.Rerender(snapshot))
}

func (s *Server) handleCursor(w http.ResponseWriter, r *http.Request) {
	var req cursorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeUpdated(w, s.pipeline.CursorMoved(req.Doc, req.Line, req.Col))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req docRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.pipeline.Pause(req.Doc)
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
	}{true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req docRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.pipeline.Resume(req.Doc)
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
	}{true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if !decodeBody(w, r, &req) {
		return
	}

	stopped := s.pipeline.Stop(req.Doc, parseEndReason(req.Reason))
	if stopped && s.watcher != nil {
		s.watcher.Unwatch(req.Doc)
	}
	writeJSON(w, http.StatusOK, struct {
		Stopped bool `json:"stopped"`
	}{stopped})
}

func parseEndReason(reason string) protocol.EndReason {
	switch protocol.EndReason(reason) {
	case protocol.EndReasonBufferClosed:
		return protocol.EndReasonBufferClosed
	case protocol.EndReasonError:
		return protocol.EndReasonError
	default:
		return protocol.EndReasonStopped
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeUpdated(w http.ResponseWriter, updated bool) {
	writeJSON(w, http.StatusOK, struct {
		Updated bool `json:"updated"`
	}{updated})
}

// Package protocol defines the event and snapshot types exchanged between the
// session store and connected preview clients, together with their JSON wire
// encoding. ServerEvent is a closed sum: every variant is enumerated here and
// the transport encoder matches exhaustively, so adding a variant forces the
// encoding boundary to be updated.
package protocol

import "encoding/json"

// EndReason explains why a preview session terminated.
type EndReason string

const (
	EndReasonStopped      EndReason = "stopped"
	EndReasonBufferClosed EndReason = "buffer_closed"
	EndReasonError        EndReason = "error"
)

// ServerEvent is one update delivered to preview subscribers.
type ServerEvent interface {
	// EventName is the wire-level event name (SSE event field, WebSocket
	// envelope type).
	EventName() string

	// Document is the id of the document the event belongs to.
	Document() string

	isServerEvent()
}

// RenderFull carries a complete re-render of a document.
type RenderFull struct {
	Doc        string `json:"doc"`
	HTML       string `json:"html"`
	CursorLine int    `json:"cursor_line"`
}

// CursorMove reports a cursor position change without a re-render.
type CursorMove struct {
	Doc  string `json:"doc"`
	Line int    `json:"line"`
	Col  int    `json:"col"`
}

// SessionEnd is the terminal event for a session; it is always the last
// event a subscriber observes for a document.
type SessionEnd struct {
	Doc    string    `json:"doc"`
	Reason EndReason `json:"reason"`
}

// Heartbeat keeps idle connections alive and lets clients detect liveness.
// It is injected by the transport, not published through the hub.
type Heartbeat struct {
	Doc string `json:"doc"`
}

func (RenderFull) EventName() string { return "render_full" }
func (CursorMove) EventName() string { return "cursor_move" }
func (SessionEnd) EventName() string { return "session_end" }
func (Heartbeat) EventName() string  { return "heartbeat" }

func (e RenderFull) Document() string { return e.Doc }
func (e CursorMove) Document() string { return e.Doc }
func (e SessionEnd) Document() string { return e.Doc }
func (e Heartbeat) Document() string  { return e.Doc }

func (RenderFull) isServerEvent() {}
func (CursorMove) isServerEvent() {}
func (SessionEnd) isServerEvent() {}
func (Heartbeat) isServerEvent()  {}

// errorPayload is substituted when an event fails to serialize so the stream
// is never left malformed.
const errorPayload = `{"type":"error","message":"serialization_error"}`

// Encode renders an event as a JSON object tagged with its type. Encoding
// never fails from the caller's perspective: a marshalling error yields a
// minimal well-formed error payload instead.
func Encode(event ServerEvent) []byte {
	var tagged any
	switch ev := event.(type) {
	case RenderFull:
		tagged = struct {
			Type string `json:"type"`
			RenderFull
		}{ev.EventName(), ev}
	case CursorMove:
		tagged = struct {
			Type string `json:"type"`
			CursorMove
		}{ev.EventName(), ev}
	case SessionEnd:
		tagged = struct {
			Type string `json:"type"`
			SessionEnd
		}{ev.EventName(), ev}
	case Heartbeat:
		tagged = struct {
			Type string `json:"type"`
			Heartbeat
		}{ev.EventName(), ev}
	default:
		return []byte(errorPayload)
	}

	data, err := json.Marshal(tagged)
	if err != nil {
		return []byte(errorPayload)
	}
	return data
}

// SnapshotResponse is the point-in-time view of a session returned to
// clients that poll instead of stream.
type SnapshotResponse struct {
	Doc        string `json:"doc"`
	HTML       string `json:"html"`
	CursorLine int    `json:"cursor_line"`
	CursorCol  int    `json:"cursor_col"`
	Filename   string `json:"filename"`
}

// DocumentSnapshot is the immutable input unit pushed in by the editor
// integration on every observed change. ChangeSeq is opaque: it is compared
// only for equality and is never trusted on its own (see the content
// fingerprint in the session store).
type DocumentSnapshot struct {
	Doc        string `json:"doc"`
	ChangeSeq  uint64 `json:"change_seq"`
	Markdown   string `json:"markdown"`
	CursorLine int    `json:"cursor_line"`
	CursorCol  int    `json:"cursor_col"`
	SourcePath string `json:"source_path,omitempty"`
}

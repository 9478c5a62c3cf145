// Package session implements the authoritative registry of live preview
// sessions. The Store is the single source of truth for per-document render
// state and mediates all content and cursor mutation; every session owns a
// broadcast hub fanning events out to its subscribers.
//
// Concurrency: a single RWMutex guards the session map and all session
// fields. Mutations for the same document are linearizable; rendering (the
// CPU-bound part) happens outside the lock so slow renders never serialize
// unrelated documents.
package session

import (
	"context"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livemd/livemd/internal/assets"
	"github.com/livemd/livemd/internal/logging"
	"github.com/livemd/livemd/internal/protocol"
)

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopped
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Renderer converts markdown to preview HTML. It must be pure and safe for
// concurrent use.
type Renderer interface {
	Render(markdown string) string
}

// session is the live-preview state for one document. Only the Store touches
// it, always under the Store's lock; the hub has its own synchronization.
type session struct {
	doc         string
	changeSeq   uint64
	fingerprint uint64
	cursorLine  int
	cursorCol   int
	html        string
	sourcePath  string
	state       State
	startedAt   time.Time
	hub         *hub
}

// StartResult reports what Start did.
type StartResult struct {
	// Replaced is true when a session for the document already existed.
	Replaced bool

	// Evicted lists documents force-stopped to satisfy the concurrency cap.
	Evicted []string
}

// Store holds all live sessions.
type Store struct {
	renderer Renderer
	logger   logging.Logger

	// maxConcurrent caps live sessions; 0 means unbounded. A cap of 1
	// yields single-active-session semantics: starting a document stops
	// every other session first.
	maxConcurrent int

	mu        sync.RWMutex
	sessions  map[string]*session
	activeDoc string

	now func() time.Time
}

// NewStore creates a session store. maxConcurrent of 0 allows unbounded
// concurrent sessions.
func NewStore(renderer Renderer, logger logging.Logger, maxConcurrent int) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{
		renderer:      renderer,
		logger:        logger.WithComponent("session"),
		maxConcurrent: maxConcurrent,
		sessions:      make(map[string]*session),
		now:           time.Now,
	}
}

// Start creates or replaces the session for the snapshot's document,
// unconditionally renders, marks the session running, publishes a RenderFull,
// and makes the document the active preview target.
func (s *Store) Start(snapshot protocol.DocumentSnapshot) StartResult {
	html := s.renderer.Render(snapshot.Markdown)
	fingerprint := contentFingerprint(snapshot.Markdown)

	s.mu.Lock()
	defer s.mu.Unlock()

	var result StartResult

	sess, exists := s.sessions[snapshot.Doc]
	if !exists && s.maxConcurrent > 0 {
		result.Evicted = s.evictForCapacityLocked()
	}
	if exists {
		result.Replaced = true
	} else {
		sess = &session{
			doc:       snapshot.Doc,
			hub:       newHub(),
			startedAt: s.now(),
		}
		s.sessions[snapshot.Doc] = sess
	}

	sess.state = StateRunning
	sess.changeSeq = snapshot.ChangeSeq
	sess.fingerprint = fingerprint
	sess.cursorLine = snapshot.CursorLine
	sess.cursorCol = snapshot.CursorCol
	sess.html = html
	sess.sourcePath = cleanSourcePath(snapshot.SourcePath)

	sess.hub.publish(protocol.RenderFull{
		Doc:        snapshot.Doc,
		HTML:       html,
		CursorLine: snapshot.CursorLine,
	})
	s.activeDoc = snapshot.Doc

	s.logger.Info(context.Background(), "session started",
		"doc", snapshot.Doc, "replaced", result.Replaced, "evicted", len(result.Evicted))
	return result
}

// evictForCapacityLocked stops the least recently started sessions until one
// slot is free. Caller holds the write lock.
func (s *Store) evictForCapacityLocked() []string {
	var evicted []string
	for len(s.sessions) >= s.maxConcurrent {
		oldest := ""
		var oldestAt time.Time
		for doc, sess := range s.sessions {
			if oldest == "" || sess.startedAt.Before(oldestAt) {
				oldest = doc
				oldestAt = sess.startedAt
			}
		}
		if oldest == "" {
			break
		}
		s.stopLocked(oldest, protocol.EndReasonStopped)
		evicted = append(evicted, oldest)
	}
	return evicted
}

// UpdateContent re-renders and publishes if the snapshot differs from the
// recorded state. It returns false without rendering when no session exists
// or when both the change sequence and the content fingerprint already match
// (idempotence under replayed or duplicated deliveries).
//
// The no-op check runs first under the read lock so provably-unchanged
// content skips the render entirely, then is re-validated under the write
// lock to close the race with a concurrent update for the same document.
func (s *Store) UpdateContent(snapshot protocol.DocumentSnapshot) bool {
	fingerprint := contentFingerprint(snapshot.Markdown)

	s.mu.RLock()
	sess, ok := s.sessions[snapshot.Doc]
	unchanged := ok && sess.changeSeq == snapshot.ChangeSeq && sess.fingerprint == fingerprint
	s.mu.RUnlock()
	if !ok || unchanged {
		return false
	}

	html := s.renderer.Render(snapshot.Markdown)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok = s.sessions[snapshot.Doc]
	if !ok {
		return false
	}
	if sess.changeSeq == snapshot.ChangeSeq && sess.fingerprint == fingerprint {
		return false
	}

	s.applyContentLocked(sess, snapshot, fingerprint, html)
	return true
}

// RerenderContent unconditionally re-renders and publishes. Used when an
// external trigger (a file save observed on disk) guarantees staleness the
// in-memory fingerprint cannot detect, and as the compensating path for
// edits dropped by the fixed-window debounce.
func (s *Store) RerenderContent(snapshot protocol.DocumentSnapshot) bool {
	html := s.renderer.Render(snapshot.Markdown)
	fingerprint := contentFingerprint(snapshot.Markdown)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[snapshot.Doc]
	if !ok {
		return false
	}

	s.applyContentLocked(sess, snapshot, fingerprint, html)
	return true
}

// applyContentLocked records the rendered snapshot and publishes RenderFull.
// Caller holds the write lock.
func (s *Store) applyContentLocked(sess *session, snapshot protocol.DocumentSnapshot, fingerprint uint64, html string) {
	sess.changeSeq = snapshot.ChangeSeq
	sess.fingerprint = fingerprint
	sess.cursorLine = snapshot.CursorLine
	sess.cursorCol = snapshot.CursorCol
	sess.html = html
	if path := cleanSourcePath(snapshot.SourcePath); path != "" {
		sess.sourcePath = path
	}

	sess.hub.publish(protocol.RenderFull{
		Doc:        snapshot.Doc,
		HTML:       html,
		CursorLine: snapshot.CursorLine,
	})
}

// UpdateCursor records a cursor move and publishes CursorMove. Identical
// positions are a silent no-op.
func (s *Store) UpdateCursor(doc string, line, col int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[doc]
	if !ok {
		return false
	}
	if sess.cursorLine == line && sess.cursorCol == col {
		return false
	}

	sess.cursorLine = line
	sess.cursorCol = col
	sess.hub.publish(protocol.CursorMove{Doc: doc, Line: line, Col: col})
	return true
}

// Pause marks the session as background; rendering keeps updating state
// while paused, the document just stops being the foreground target.
func (s *Store) Pause(doc string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[doc]; ok && sess.state == StateRunning {
		sess.state = StatePaused
	}
}

// Resume returns a paused session to the foreground and makes it active.
func (s *Store) Resume(doc string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[doc]
	if !ok {
		return
	}
	if sess.state == StatePaused {
		sess.state = StateRunning
	}
	s.activeDoc = doc
}

// Stop removes the session, publishing a terminal SessionEnd to in-flight
// subscribers before the session becomes unreachable. Returns false when no
// session exists.
func (s *Store) Stop(doc string, reason protocol.EndReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[doc]; !ok {
		return false
	}
	s.stopLocked(doc, reason)
	s.logger.Info(context.Background(), "session stopped", "doc", doc, "reason", string(reason))
	return true
}

// StopAll stops every session; used at shutdown.
func (s *Store) StopAll(reason protocol.EndReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for doc := range s.sessions {
		s.stopLocked(doc, reason)
	}
}

// stopLocked performs the terminal transition: remove from the map, publish
// SessionEnd, close the hub so subscriber streams end after draining.
// Caller holds the write lock.
func (s *Store) stopLocked(doc string, reason protocol.EndReason) {
	sess := s.sessions[doc]
	delete(s.sessions, doc)

	sess.state = StateStopped
	sess.hub.publish(protocol.SessionEnd{Doc: doc, Reason: reason})
	sess.hub.close()

	if s.activeDoc == doc {
		s.activeDoc = ""
	}
}

// Snapshot returns a point-in-time consistent view of the session.
func (s *Store) Snapshot(doc string) (protocol.SnapshotResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[doc]
	if !ok || sess.state == StateStopped {
		return protocol.SnapshotResponse{}, false
	}

	filename := "untitled"
	if sess.sourcePath != "" {
		filename = filepath.Base(sess.sourcePath)
	}
	return protocol.SnapshotResponse{
		Doc:        sess.doc,
		HTML:       sess.html,
		CursorLine: sess.cursorLine,
		CursorCol:  sess.cursorCol,
		Filename:   filename,
	}, true
}

// HasSession reports whether a session exists for doc.
func (s *Store) HasSession(doc string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[doc]
	return ok
}

// ActiveDocument returns the foreground document, if any.
func (s *Store) ActiveDocument() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeDoc, s.activeDoc != ""
}

// SessionCount returns the number of live sessions.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// State returns the lifecycle state of a session.
func (s *Store) State(doc string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[doc]; ok {
		return sess.state, true
	}
	return StateIdle, false
}

// ChangeSeq returns the last recorded change sequence for a session.
func (s *Store) ChangeSeq(doc string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[doc]; ok {
		return sess.changeSeq, true
	}
	return 0, false
}

// SourcePath returns the on-disk path backing a session, when known.
func (s *Store) SourcePath(doc string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[doc]; ok && sess.sourcePath != "" {
		return sess.sourcePath, true
	}
	return "", false
}

// DocumentForSource finds the session previewing the given source file.
func (s *Store) DocumentForSource(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for doc, sess := range s.sessions {
		if sess.sourcePath == path {
			return doc, true
		}
	}
	return "", false
}

// Subscribe attaches a new subscriber to the session's hub and returns the
// subscriber id and its event stream. The stream ends (channel closes) when
// the caller unsubscribes or the session stops.
func (s *Store) Subscribe(doc string) (uuid.UUID, <-chan protocol.ServerEvent, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[doc]
	s.mu.RUnlock()
	if !ok {
		return uuid.Nil, nil, false
	}
	// Stopped sessions have left the map and closed their hub, so the
	// subscribe below rejects them without reading session fields.
	return sess.hub.subscribe()
}

// Unsubscribe detaches a subscriber. Safe to call after the session stopped.
func (s *Store) Unsubscribe(doc string, id uuid.UUID) {
	s.mu.RLock()
	sess, ok := s.sessions[doc]
	s.mu.RUnlock()
	if ok {
		sess.hub.unsubscribe(id)
	}
}

// SubscriberCount reports the subscribers attached to a session's hub.
func (s *Store) SubscriberCount(doc string) int {
	s.mu.RLock()
	sess, ok := s.sessions[doc]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return sess.hub.subscriberCount()
}

// ResolveLocalAsset validates an asset reference against the session's
// source directory. The filesystem work runs outside the store lock so slow
// disks never block session mutation.
func (s *Store) ResolveLocalAsset(doc, raw string) (string, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[doc]
	var sourcePath string
	if ok && sess.state != StateStopped {
		sourcePath = sess.sourcePath
	}
	s.mu.RUnlock()

	if sourcePath == "" {
		return "", false
	}
	return assets.Resolve(sourcePath, raw)
}

// contentFingerprint hashes document text for idempotence checks independent
// of the editor-supplied change sequence.
func contentFingerprint(markdown string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(markdown))
	return h.Sum64()
}

func cleanSourcePath(path string) string {
	return strings.TrimSpace(path)
}

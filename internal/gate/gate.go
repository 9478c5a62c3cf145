// Package gate implements the per-document rate limiter that decides whether
// an editor event is worth propagating to the render/broadcast pipeline.
//
// Content emissions use a fixed-window debounce: the first event in a window
// passes and resets the window start, everything else in the window is
// rejected. Intermediate edits may be dropped; the unconditional
// rerender-on-save path guarantees eventual consistency. Cursor emissions are
// additionally suppressed when the line did not change, independent of time.
package gate

import (
	"sync"
	"time"
)

const (
	// DefaultContentWindow bounds how often a document re-render is allowed.
	DefaultContentWindow = 100 * time.Millisecond

	// DefaultCursorWindow bounds how often cursor moves are propagated.
	DefaultCursorWindow = 24 * time.Millisecond
)

// Gate tracks per-document emission windows. All methods are safe for
// concurrent use; the critical sections are O(1) map operations.
type Gate struct {
	contentWindow time.Duration
	cursorWindow  time.Duration

	mu              sync.Mutex
	lastContentEmit map[string]time.Time
	lastCursorEmit  map[string]time.Time
	lastCursorLine  map[string]int

	now func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source, used by tests to step windows
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a Gate with the given emission windows. Non-positive windows
// fall back to the defaults.
func New(contentWindow, cursorWindow time.Duration, opts ...Option) *Gate {
	if contentWindow <= 0 {
		contentWindow = DefaultContentWindow
	}
	if cursorWindow <= 0 {
		cursorWindow = DefaultCursorWindow
	}

	g := &Gate{
		contentWindow:   contentWindow,
		cursorWindow:    cursorWindow,
		lastContentEmit: make(map[string]time.Time),
		lastCursorEmit:  make(map[string]time.Time),
		lastCursorLine:  make(map[string]int),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AllowContent reports whether a content change for doc may proceed to
// rendering. Allowing resets the window start for that document.
func (g *Gate) AllowContent(doc string) bool {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastContentEmit[doc]; ok && now.Sub(last) < g.contentWindow {
		return false
	}
	g.lastContentEmit[doc] = now
	return true
}

// AllowCursor reports whether a cursor move to line may be propagated.
// A move to the line last allowed for doc is rejected regardless of time;
// column-only changes are intentionally not event-worthy.
func (g *Gate) AllowCursor(doc string, line int) bool {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastCursorLine[doc]; ok && last == line {
		return false
	}
	if last, ok := g.lastCursorEmit[doc]; ok && now.Sub(last) < g.cursorWindow {
		return false
	}

	g.lastCursorEmit[doc] = now
	g.lastCursorLine[doc] = line
	return true
}

// Clear drops all window state for doc. Idempotent; called when a preview
// stops so a restarted session begins with a fresh window.
func (g *Gate) Clear(doc string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.lastContentEmit, doc)
	delete(g.lastCursorEmit, doc)
	delete(g.lastCursorLine, doc)
}

// Package preview ties the gate, renderer, and session store into one
// explicitly constructed pipeline. Entry points (CLI, control API, watcher)
// receive a *Pipeline instead of reaching for process-global state, so the
// lifecycle is an ordinary object lifetime: construct on setup, shut down on
// exit.
package preview

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/livemd/livemd/internal/config"
	"github.com/livemd/livemd/internal/gate"
	"github.com/livemd/livemd/internal/logging"
	"github.com/livemd/livemd/internal/protocol"
	"github.com/livemd/livemd/internal/renderer"
	"github.com/livemd/livemd/internal/session"
)

// Pipeline is the editor-facing surface of the live preview: editor events
// come in, pass the gate, and mutate the session store, which broadcasts to
// viewers.
type Pipeline struct {
	gate   *gate.Gate
	store  *session.Store
	logger logging.Logger
}

// New constructs a pipeline from configuration.
func New(cfg *config.Config, logger logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NewNop()
	}
	g := gate.New(
		time.Duration(cfg.Gate.ContentWindowMs)*time.Millisecond,
		time.Duration(cfg.Gate.CursorWindowMs)*time.Millisecond,
	)
	store := session.NewStore(renderer.New(), logger, cfg.Sessions.MaxConcurrent)
	return &Pipeline{
		gate:   g,
		store:  store,
		logger: logger.WithComponent("preview"),
	}
}

// Store exposes the session store for transport-layer reads and
// subscriptions.
func (p *Pipeline) Store() *session.Store {
	return p.store
}

// Start begins (or restarts) previewing the snapshot's document. Start is
// never gated: an explicit start always renders and broadcasts.
func (p *Pipeline) Start(snapshot protocol.DocumentSnapshot) session.StartResult {
	return p.store.Start(snapshot)
}

// ContentChanged feeds an editor change event through the debounce gate.
// Returns true when the event passed the gate and actually changed state.
func (p *Pipeline) ContentChanged(snapshot protocol.DocumentSnapshot) bool {
	if !p.gate.AllowContent(snapshot.Doc) {
		return false
	}
	return p.store.UpdateContent(snapshot)
}

// Rerender bypasses both the gate and the idempotence check; used when the
// trigger guarantees staleness the fingerprint cannot see.
func (p *Pipeline) Rerender(snapshot protocol.DocumentSnapshot) bool {
	return p.store.RerenderContent(snapshot)
}

// RerenderFromDisk reloads the session's source file and force-renders it.
// This is the compensating path for edits dropped by the fixed-window
// debounce: the file on disk is the final state after a save.
func (p *Pipeline) RerenderFromDisk(doc string) bool {
	path, ok := p.store.SourcePath(doc)
	if !ok {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		p.logger.Warn(context.Background(), err, "reread source file", "doc", doc, "path", path)
		return false
	}

	snap, ok := p.store.Snapshot(doc)
	if !ok {
		return false
	}
	seq, _ := p.store.ChangeSeq(doc)
	return p.store.RerenderContent(protocol.DocumentSnapshot{
		Doc:        doc,
		ChangeSeq:  seq,
		Markdown:   string(data),
		CursorLine: snap.CursorLine,
		CursorCol:  snap.CursorCol,
		SourcePath: path,
	})
}

// CursorMoved feeds a cursor event through the throttle gate.
func (p *Pipeline) CursorMoved(doc string, line, col int) bool {
	if !p.gate.AllowCursor(doc, line) {
		return false
	}
	return p.store.UpdateCursor(doc, line, col)
}

// Pause backgrounds a session (editor focus left the document).
func (p *Pipeline) Pause(doc string) {
	p.store.Pause(doc)
}

// Resume foregrounds a session and makes it the active target.
func (p *Pipeline) Resume(doc string) {
	p.store.Resume(doc)
}

// Stop ends a session and clears its gate state.
func (p *Pipeline) Stop(doc string, reason protocol.EndReason) bool {
	stopped := p.store.Stop(doc, reason)
	p.gate.Clear(doc)
	return stopped
}

// Shutdown stops every session; each open subscription observes a terminal
// SessionEnd before its stream closes.
func (p *Pipeline) Shutdown(reason protocol.EndReason) {
	p.store.StopAll(reason)
}

// StartFile is a convenience for the CLI: it reads a markdown file and
// starts a preview session for it, keyed by the cleaned absolute path.
func (p *Pipeline) StartFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	doc := path
	p.Start(protocol.DocumentSnapshot{
		Doc:        doc,
		ChangeSeq:  1,
		Markdown:   string(data),
		CursorLine: 1,
		CursorCol:  0,
		SourcePath: path,
	})
	return doc, nil
}

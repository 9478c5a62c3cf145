// Package server exposes the live preview over HTTP: the embedded viewer
// shell, point-in-time snapshot reads, the SSE and WebSocket event streams,
// sandboxed local image assets, and the control API the editor integration
// pushes document snapshots into.
package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/livemd/livemd/internal/assets"
	"github.com/livemd/livemd/internal/config"
	"github.com/livemd/livemd/internal/logging"
	"github.com/livemd/livemd/internal/preview"
)

// portFallbackAttempts is how many consecutive ports are tried when the
// configured one is taken; local editors often run several previews.
const portFallbackAttempts = 12

//go:embed assets/preview.html
var previewShell string

// previewCSP locks the viewer down to inline assets plus same-origin
// connections and images.
const previewCSP = "default-src 'none'; script-src 'unsafe-inline'; style-src 'unsafe-inline'; " +
	"connect-src 'self'; img-src 'self' https: http: data:;"

// SourceWatcher is the optional file-watch hookup for sessions backed by a
// file on disk.
type SourceWatcher interface {
	Watch(doc, path string) error
	Unwatch(doc string)
}

// Server serves the preview transport endpoints.
type Server struct {
	cfg      *config.Config
	pipeline *preview.Pipeline
	watcher  SourceWatcher
	logger   logging.Logger

	heartbeat time.Duration
	listener  net.Listener
}

// New creates a Server. watcher may be nil when file watching is disabled.
func New(cfg *config.Config, pipeline *preview.Pipeline, watcher SourceWatcher, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		cfg:       cfg,
		pipeline:  pipeline,
		watcher:   watcher,
		logger:    logger.WithComponent("server"),
		heartbeat: time.Duration(cfg.Server.HeartbeatSeconds) * time.Second,
	}
}

// Listen binds the first free port starting at the configured one.
func (s *Server) Listen() (string, error) {
	var lastErr error
	for port := s.cfg.Server.Port; port < s.cfg.Server.Port+portFallbackAttempts; port++ {
		addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(port))
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		s.listener = listener
		return s.URL(), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no ports attempted")
	}
	return "", fmt.Errorf("bind preview server: %w", lastErr)
}

// URL returns the base URL of the bound server, or "" before Listen.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String() + "/"
}

// Serve runs the HTTP server until the context is canceled, then shuts down
// gracefully so in-flight streams deliver their terminal events.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleShell)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /active", s.handleActive)
	mux.HandleFunc("GET /asset", s.handleAsset)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.registerAPIRoutes(mux)
	return mux
}

// handleShell serves the embedded viewer with scroll settings substituted.
func (s *Server) handleShell(w http.ResponseWriter, r *http.Request) {
	html := strings.NewReplacer(
		"__AUTO_SCROLL__", strconv.FormatBool(s.cfg.Preview.AutoScroll),
		"__SCROLL_TOP__", fmt.Sprintf("%.2f", s.cfg.Preview.ScrollComfortTop),
		"__SCROLL_BOTTOM__", fmt.Sprintf("%.2f", s.cfg.Preview.ScrollComfortBottom),
	).Replace(previewShell)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", previewCSP)
	_, _ = w.Write([]byte(html))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	doc := r.URL.Query().Get("doc")
	snapshot, ok := s.pipeline.Store().Snapshot(doc)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "preview session not found")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.pipeline.Store().ActiveDocument()
	resp := struct {
		Doc *string `json:"doc"`
	}{}
	if ok {
		resp.Doc = &doc
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	doc := query.Get("doc")
	raw := query.Get("path")

	resolved, ok := s.pipeline.Store().ResolveLocalAsset(doc, raw)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", assets.ContentType(resolved))
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, resolved)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{message})
}

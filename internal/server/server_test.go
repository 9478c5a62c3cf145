package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livemd/livemd/internal/config"
	"github.com/livemd/livemd/internal/preview"
	"github.com/livemd/livemd/internal/protocol"
)

type testEnv struct {
	server   *Server
	pipeline *preview.Pipeline
	http     *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Gate.ContentWindowMs = 1
	cfg.Gate.CursorWindowMs = 1
	if mutate != nil {
		mutate(cfg)
	}

	pipeline := preview.New(cfg, nil)
	t.Cleanup(func() { pipeline.Shutdown(protocol.EndReasonStopped) })

	srv := New(cfg, pipeline, nil, nil)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, pipeline: pipeline, http: ts}
}

func (env *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(env.http.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, body
}

func (env *testEnv) post(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(env.http.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, body
}

// waitForSubscriber blocks until the session has an attached stream, so
// events published afterwards are guaranteed to reach it.
func waitForSubscriber(t *testing.T, env *testEnv, doc string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for env.pipeline.Store().SubscriberCount(doc) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no subscriber attached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShellServesViewer(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, previewCSP, resp.Header.Get("Content-Security-Policy"))

	html := string(body)
	assert.True(t, strings.HasPrefix(html, "<!DOCTYPE html>"))
	assert.Contains(t, html, "EventSource")
	assert.NotContains(t, html, "__AUTO_SCROLL__", "placeholders are substituted")
	assert.NotContains(t, html, "__SCROLL_TOP__")
	assert.NotContains(t, html, "__SCROLL_BOTTOM__")
}

func TestUnknownPathIs404(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSnapshotEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.get(t, "/snapshot?doc=missing.md")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.pipeline.Start(protocol.DocumentSnapshot{Doc: "a.md", ChangeSeq: 1, Markdown: "# Hi"})

	resp, body := env.get(t, "/snapshot?doc=a.md")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot protocol.SnapshotResponse
	require.NoError(t, json.Unmarshal(body, &snapshot))
	assert.Equal(t, "a.md", snapshot.Doc)
	assert.Contains(t, snapshot.HTML, "Hi")
	assert.Equal(t, "untitled", snapshot.Filename)
}

func TestActiveEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	_, body := env.get(t, "/active")
	assert.JSONEq(t, `{"doc":null}`, string(body))

	env.pipeline.Start(protocol.DocumentSnapshot{Doc: "a.md", ChangeSeq: 1, Markdown: "x"})

	_, body = env.get(t, "/active")
	assert.JSONEq(t, `{"doc":"a.md"}`, string(body))
}

func TestControlAPILifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.post(t, "/api/start", protocol.DocumentSnapshot{
		Doc: "a.md", ChangeSeq: 1, Markdown: "# One",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var startResp struct {
		Replaced bool   `json:"replaced"`
		URL      string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(body, &startResp))
	assert.False(t, startResp.Replaced)

	resp, body = env.post(t, "/api/update", protocol.DocumentSnapshot{
		Doc: "a.md", ChangeSeq: 2, Markdown: "# Two",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"updated":true}`, string(body))

	_, body = env.post(t, "/api/cursor", map[string]any{"doc": "a.md", "line": 3, "col": 1})
	assert.JSONEq(t, `{"updated":true}`, string(body))

	_, body = env.post(t, "/api/pause", map[string]any{"doc": "a.md"})
	assert.JSONEq(t, `{"ok":true}`, string(body))

	_, body = env.post(t, "/api/resume", map[string]any{"doc": "a.md"})
	assert.JSONEq(t, `{"ok":true}`, string(body))

	_, body = env.post(t, "/api/stop", map[string]any{"doc": "a.md", "reason": "buffer_closed"})
	assert.JSONEq(t, `{"stopped":true}`, string(body))

	_, body = env.post(t, "/api/stop", map[string]any{"doc": "a.md"})
	assert.JSONEq(t, `{"stopped":false}`, string(body))
}

func TestControlAPIRejectsBadBodies(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.post(t, "/api/start", protocol.DocumentSnapshot{Markdown: "no doc"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "doc is required")

	resp, err := http.Post(env.http.URL+"/api/cursor", "application/json",
		strings.NewReader(`{"doc":"a.md","bogus_field":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields rejected")

	resp, err = http.Post(env.http.URL+"/api/update", "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

// readSSE parses events off the stream until it ends or maxEvents arrive.
func readSSE(t *testing.T, body io.Reader, maxEvents int) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.name != "" {
				events = append(events, current)
				current = sseEvent{}
				if len(events) >= maxEvents {
					return events
				}
			}
		}
	}
	return events
}

func TestSSEStreamDeliversEventsAndTerminates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pipeline.Start(protocol.DocumentSnapshot{Doc: "a.md", ChangeSeq: 1, Markdown: "# One"})

	resp, err := http.Get(env.http.URL + "/events?doc=a.md")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	waitForSubscriber(t, env, "a.md")

	require.True(t, env.pipeline.Rerender(protocol.DocumentSnapshot{
		Doc: "a.md", ChangeSeq: 2, Markdown: "# Two", CursorLine: 1,
	}))
	require.True(t, env.pipeline.CursorMoved("a.md", 9, 0))
	require.True(t, env.pipeline.Stop("a.md", protocol.EndReasonBufferClosed))

	// The stream must end on its own after the terminal event, so reading
	// everything terminates without a deadline.
	events := readSSE(t, resp.Body, 100)
	require.Len(t, events, 3)

	assert.Equal(t, "render_full", events[0].name)
	var render struct {
		Type string `json:"type"`
		Doc  string `json:"doc"`
		HTML string `json:"html"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &render))
	assert.Equal(t, "render_full", render.Type)
	assert.Contains(t, render.HTML, "Two")

	assert.Equal(t, "cursor_move", events[1].name)

	assert.Equal(t, "session_end", events[2].name)
	var end struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[2].data), &end))
	assert.Equal(t, "buffer_closed", end.Reason)
}

func TestSSEUnknownDocumentIs404(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.get(t, "/events?doc=missing.md")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSEInjectsHeartbeats(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.HeartbeatSeconds = 1
	})
	env.pipeline.Start(protocol.DocumentSnapshot{Doc: "a.md", ChangeSeq: 1, Markdown: "x"})

	resp, err := http.Get(env.http.URL + "/events?doc=a.md")
	require.NoError(t, err)
	defer resp.Body.Close()

	done := make(chan []sseEvent, 1)
	go func() { done <- readSSE(t, resp.Body, 1) }()

	select {
	case events := <-done:
		require.Len(t, events, 1)
		assert.Equal(t, "heartbeat", events[0].name)
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat within the interval")
	}
}

func TestAssetEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	dir := t.TempDir()
	source := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(source, []byte("![p](pic.png)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pic.png"), []byte("png-bytes"), 0o644))

	doc, err := env.pipeline.StartFile(source)
	require.NoError(t, err)

	query := url.Values{"doc": {doc}, "path": {"pic.png"}}
	resp, body := env.get(t, "/asset?"+query.Encode())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "png-bytes", string(body))

	for _, bad := range []string{"../escape.png", "notes.md", "missing.png", "https://example.com/x.png"} {
		query.Set("path", bad)
		resp, _ := env.get(t, "/asset?"+query.Encode())
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, bad)
	}
}

func TestListenFallsBackWhenPortTaken(t *testing.T) {
	// Occupy an ephemeral port, then ask the server to start exactly there.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	cfg := config.Default()
	cfg.Server.Port = port

	pipeline := preview.New(cfg, nil)
	defer pipeline.Shutdown(protocol.EndReasonStopped)

	srv := New(cfg, pipeline, nil, nil)
	baseURL, err := srv.Listen()
	require.NoError(t, err)
	defer srv.listener.Close()

	assert.NotEmpty(t, baseURL)
	assert.NotContains(t, baseURL, occupied.Addr().String(), "bound a different port")
	assert.Equal(t, baseURL, srv.URL())
}

func TestParseEndReason(t *testing.T) {
	assert.Equal(t, protocol.EndReasonBufferClosed, parseEndReason("buffer_closed"))
	assert.Equal(t, protocol.EndReasonError, parseEndReason("error"))
	assert.Equal(t, protocol.EndReasonStopped, parseEndReason("stopped"))
	assert.Equal(t, protocol.EndReasonStopped, parseEndReason(""))
	assert.Equal(t, protocol.EndReasonStopped, parseEndReason("anything-else"))
}

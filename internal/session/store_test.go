package session

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livemd/livemd/internal/logging"
	"github.com/livemd/livemd/internal/protocol"
)

// stubRenderer wraps input so tests can tell renders apart without pulling in
// the real markdown pipeline.
type stubRenderer struct{}

func (stubRenderer) Render(markdown string) string {
	return "<p>" + markdown + "</p>"
}

// newTestStore installs a stepping clock so start-order ties cannot happen
// and eviction order is deterministic.
func newTestStore(maxConcurrent int) *Store {
	s := NewStore(stubRenderer{}, logging.NewNop(), maxConcurrent)
	var mu sync.Mutex
	var step time.Duration
	base := time.Unix(1000, 0)
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		step += time.Millisecond
		return base.Add(step)
	}
	return s
}

func snap(doc string, seq uint64, markdown string) protocol.DocumentSnapshot {
	return protocol.DocumentSnapshot{Doc: doc, ChangeSeq: seq, Markdown: markdown}
}

// recv reads one event with a timeout so a broken publish path fails the test
// instead of hanging it.
func recv(t *testing.T, ch <-chan protocol.ServerEvent) protocol.ServerEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream ended unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestStartCreatesRunningSession(t *testing.T) {
	s := newTestStore(0)

	result := s.Start(snap("a.md", 1, "# Hello"))
	assert.False(t, result.Replaced)
	assert.Empty(t, result.Evicted)

	assert.True(t, s.HasSession("a.md"))
	assert.Equal(t, 1, s.SessionCount())

	state, ok := s.State("a.md")
	require.True(t, ok)
	assert.Equal(t, StateRunning, state)

	active, ok := s.ActiveDocument()
	require.True(t, ok)
	assert.Equal(t, "a.md", active)

	view, ok := s.Snapshot("a.md")
	require.True(t, ok)
	assert.Equal(t, "a.md", view.Doc)
	assert.Equal(t, "<p># Hello</p>", view.HTML)
	assert.Equal(t, "untitled", view.Filename)
}

func TestStartAgainReplacesSession(t *testing.T) {
	s := newTestStore(0)

	s.Start(snap("a.md", 1, "one"))
	result := s.Start(snap("a.md", 2, "two"))

	assert.True(t, result.Replaced)
	assert.Equal(t, 1, s.SessionCount())

	view, ok := s.Snapshot("a.md")
	require.True(t, ok)
	assert.Equal(t, "<p>two</p>", view.HTML)
}

func TestSnapshotUsesSourceFilename(t *testing.T) {
	s := newTestStore(0)
	s.Start(protocol.DocumentSnapshot{
		Doc: "a.md", ChangeSeq: 1, Markdown: "x",
		SourcePath: "/home/user/notes/readme.md",
	})

	view, ok := s.Snapshot("a.md")
	require.True(t, ok)
	assert.Equal(t, "readme.md", view.Filename)

	path, ok := s.SourcePath("a.md")
	require.True(t, ok)
	assert.Equal(t, "/home/user/notes/readme.md", path)

	doc, ok := s.DocumentForSource("/home/user/notes/readme.md")
	require.True(t, ok)
	assert.Equal(t, "a.md", doc)
}

func TestUpdateContentPublishesRenderFull(t *testing.T) {
	s := newTestStore(0)
	s.Start(snap("a.md", 1, "one"))

	_, events, ok := s.Subscribe("a.md")
	require.True(t, ok)

	assert.True(t, s.UpdateContent(snap("a.md", 2, "two")))

	ev := recv(t, events)
	render, ok := ev.(protocol.RenderFull)
	require.True(t, ok, "expected RenderFull, got %T", ev)
	assert.Equal(t, "a.md", render.Doc)
	assert.Equal(t, "<p>two</p>", render.HTML)
}

func TestUpdateContentIsIdempotent(t *testing.T) {
	s := newTestStore(0)
	s.Start(snap("a.md", 1, "one"))

	_, events, ok := s.Subscribe("a.md")
	require.True(t, ok)

	// Same sequence and same content: replayed delivery, no event.
	assert.False(t, s.UpdateContent(snap("a.md", 1, "one")))
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after no-op update: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// Same content under a new sequence still counts as a change.
	assert.True(t, s.UpdateContent(snap("a.md", 2, "one")))
	recv(t, events)
}

func TestUpdateContentUnknownDocument(t *testing.T) {
	s := newTestStore(0)
	assert.False(t, s.UpdateContent(snap("missing.md", 1, "x")))
}

func TestRerenderContentIsUnconditional(t *testing.T) {
	s := newTestStore(0)
	s.Start(snap("a.md", 1, "one"))

	_, events, ok := s.Subscribe("a.md")
	require.True(t, ok)

	// Identical snapshot would be a no-op for UpdateContent.
	assert.True(t, s.RerenderContent(snap("a.md", 1, "one")))
	ev := recv(t, events)
	_, isRender := ev.(protocol.RenderFull)
	assert.True(t, isRender)

	assert.False(t, s.RerenderContent(snap("missing.md", 1, "x")))
}

func TestUpdateCursor(t *testing.T) {
	s := newTestStore(0)
	s.Start(snap("a.md", 1, "one"))

	_, events, ok := s.Subscribe("a.md")
	require.True(t, ok)

	assert.True(t, s.UpdateCursor("a.md", 10, 4))

	ev := recv(t, events)
	move, isMove := ev.(protocol.CursorMove)
	require.True(t, isMove, "expected CursorMove, got %T", ev)
	assert.Equal(t, 10, move.Line)
	assert.Equal(t, 4, move.Col)

	// Identical position is silent.
	assert.False(t, s.UpdateCursor("a.md", 10, 4))

	// Column-only change is still a change at the store level.
	assert.True(t, s.UpdateCursor("a.md", 10, 5))

	assert.False(t, s.UpdateCursor("missing.md", 1, 1))
}

func TestPauseAndResume(t *testing.T) {
	s := newTestStore(0)
	s.Start(snap("a.md", 1, "one"))
	s.Start(snap("b.md", 1, "two"))

	s.Pause("a.md")
	state, _ := s.State("a.md")
	assert.Equal(t, StatePaused, state)

	// Paused sessions still accept content.
	assert.True(t, s.UpdateContent(snap("a.md", 2, "changed")))

	s.Resume("a.md")
	state, _ = s.State("a.md")
	assert.Equal(t, StateRunning, state)

	active, ok := s.ActiveDocument()
	require.True(t, ok)
	assert.Equal(t, "a.md", active, "resume brings the document to the foreground")
}

func TestStopDeliversSingleSessionEnd(t *testing.T) {
	s := newTestStore(0)
	s.Start(snap("a.md", 1, "one"))

	_, events, ok := s.Subscribe("a.md")
	require.True(t, ok)

	assert.True(t, s.Stop("a.md", protocol.EndReasonBufferClosed))

	ev := recv(t, events)
	end, isEnd := ev.(protocol.SessionEnd)
	require.True(t, isEnd, "expected SessionEnd, got %T", ev)
	assert.Equal(t, protocol.EndReasonBufferClosed, end.Reason)

	// The stream ends after the terminal event; nothing else arrives.
	_, open := <-events
	assert.False(t, open)

	assert.False(t, s.HasSession("a.md"))
	_, _, ok = s.Subscribe("a.md")
	assert.False(t, ok, "stopped session rejects new subscribers")
	assert.False(t, s.Stop("a.md", protocol.EndReasonStopped), "second stop is a no-op")

	_, active := s.ActiveDocument()
	assert.False(t, active)
}

func TestStopAll(t *testing.T) {
	s := newTestStore(0)
	s.Start(snap("a.md", 1, "one"))
	s.Start(snap("b.md", 1, "two"))

	_, eventsA, _ := s.Subscribe("a.md")
	_, eventsB, _ := s.Subscribe("b.md")

	s.StopAll(protocol.EndReasonError)

	for _, events := range []<-chan protocol.ServerEvent{eventsA, eventsB} {
		ev := recv(t, events)
		end, isEnd := ev.(protocol.SessionEnd)
		require.True(t, isEnd)
		assert.Equal(t, protocol.EndReasonError, end.Reason)
	}
	assert.Equal(t, 0, s.SessionCount())
}

func TestMaxConcurrentEvictsOldest(t *testing.T) {
	s := newTestStore(2)

	s.Start(snap("a.md", 1, "a"))
	s.Start(snap("b.md", 1, "b"))
	result := s.Start(snap("c.md", 1, "c"))

	assert.Equal(t, []string{"a.md"}, result.Evicted)
	assert.False(t, s.HasSession("a.md"))
	assert.True(t, s.HasSession("b.md"))
	assert.True(t, s.HasSession("c.md"))
}

func TestSingleActiveSessionCap(t *testing.T) {
	s := newTestStore(1)

	s.Start(snap("a.md", 1, "a"))
	_, events, ok := s.Subscribe("a.md")
	require.True(t, ok)

	result := s.Start(snap("b.md", 1, "b"))
	assert.Equal(t, []string{"a.md"}, result.Evicted)

	ev := recv(t, events)
	_, isEnd := ev.(protocol.SessionEnd)
	assert.True(t, isEnd, "evicted session's subscribers see a terminal event")
}

func TestRestartingSameDocumentDoesNotEvict(t *testing.T) {
	s := newTestStore(1)

	s.Start(snap("a.md", 1, "a"))
	result := s.Start(snap("a.md", 2, "a2"))

	assert.True(t, result.Replaced)
	assert.Empty(t, result.Evicted)
}

func TestSubscriberFIFOOrder(t *testing.T) {
	s := newTestStore(0)
	s.Start(snap("a.md", 1, "one"))

	_, events, ok := s.Subscribe("a.md")
	require.True(t, ok)

	const moves = 50
	for i := 1; i <= moves; i++ {
		require.True(t, s.UpdateCursor("a.md", i, 0))
	}

	for i := 1; i <= moves; i++ {
		ev := recv(t, events)
		move, isMove := ev.(protocol.CursorMove)
		require.True(t, isMove)
		assert.Equal(t, i, move.Line)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	s := newTestStore(0)
	s.Start(snap("a.md", 1, "one"))

	_, events, ok := s.Subscribe("a.md")
	require.True(t, ok)

	// Nobody reads; publish well past the queue capacity. This must return
	// promptly instead of wedging the store.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= subscriberQueueSize+100; i++ {
			s.UpdateCursor("a.md", i, 0)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a full subscriber queue")
	}

	// The queue holds exactly its capacity; the overflow was dropped.
	s.Stop("a.md", protocol.EndReasonStopped)
	received := 0
	for range events {
		received++
	}
	assert.Equal(t, subscriberQueueSize, received)
}

func TestUnsubscribeIsolation(t *testing.T) {
	s := newTestStore(0)
	s.Start(snap("a.md", 1, "one"))

	idA, eventsA, ok := s.Subscribe("a.md")
	require.True(t, ok)
	_, eventsB, ok := s.Subscribe("a.md")
	require.True(t, ok)
	assert.Equal(t, 2, s.SubscriberCount("a.md"))

	s.Unsubscribe("a.md", idA)
	assert.Equal(t, 1, s.SubscriberCount("a.md"))

	_, open := <-eventsA
	assert.False(t, open, "unsubscribed stream is closed")

	require.True(t, s.UpdateCursor("a.md", 3, 0))
	ev := recv(t, eventsB)
	_, isMove := ev.(protocol.CursorMove)
	assert.True(t, isMove, "remaining subscriber keeps receiving")

	// Unsubscribing twice, or after stop, is harmless.
	s.Unsubscribe("a.md", idA)
	s.Stop("a.md", protocol.EndReasonStopped)
	s.Unsubscribe("a.md", idA)
}

func TestConcurrentUpdatesAcrossDocuments(t *testing.T) {
	s := newTestStore(0)

	const docs = 4
	for i := 0; i < docs; i++ {
		s.Start(snap(fmt.Sprintf("doc%d.md", i), 1, "initial"))
	}

	var wg sync.WaitGroup
	for i := 0; i < docs; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			doc := fmt.Sprintf("doc%d.md", n)
			for j := 2; j < 50; j++ {
				s.UpdateContent(snap(doc, uint64(j), fmt.Sprintf("content %d", j)))
				s.UpdateCursor(doc, j, 0)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < docs; i++ {
		doc := fmt.Sprintf("doc%d.md", i)
		seq, ok := s.ChangeSeq(doc)
		require.True(t, ok)
		assert.Equal(t, uint64(49), seq)
	}
}

func TestSubscribeDuringLifecycleChanges(t *testing.T) {
	s := newTestStore(0)
	s.Start(snap("a.md", 1, "x"))

	// Lifecycle writes and subscriber churn on the same session must be
	// safe together (run with -race).
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Pause("a.md")
				s.Resume("a.md")
			}
		}
	}()

	for i := 0; i < 500; i++ {
		id, _, ok := s.Subscribe("a.md")
		require.True(t, ok)
		s.Unsubscribe("a.md", id)
	}
	close(stop)
	wg.Wait()
}

func TestSubscribeRacingStopNeverPanics(t *testing.T) {
	s := newTestStore(0)
	s.Start(snap("a.md", 1, "x"))

	// A subscriber arriving around the stop either gets a stream that ends
	// with the terminal event or a clean rejection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, _, ok := s.Subscribe("a.md")
			if !ok {
				return
			}
		}
	}()

	s.Stop("a.md", protocol.EndReasonStopped)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscribers kept being accepted after stop")
	}

	_, _, ok := s.Subscribe("a.md")
	assert.False(t, ok)
}

// blockingRenderer stalls renders of marked content until released, so tests
// can hold one document mid-render and observe what else still proceeds.
type blockingRenderer struct {
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
}

func newBlockingRenderer() *blockingRenderer {
	return &blockingRenderer{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (r *blockingRenderer) Render(markdown string) string {
	if strings.HasPrefix(markdown, "block:") {
		r.startOnce.Do(func() { close(r.started) })
		<-r.release
	}
	return "<p>" + markdown + "</p>"
}

func TestSlowRenderDoesNotSerializeOtherDocuments(t *testing.T) {
	r := newBlockingRenderer()
	s := NewStore(r, logging.NewNop(), 0)

	s.Start(snap("a.md", 1, "a"))
	s.Start(snap("b.md", 1, "b"))

	slowDone := make(chan bool, 1)
	go func() { slowDone <- s.UpdateContent(snap("a.md", 2, "block:slow")) }()

	// A's render is now parked outside the store lock.
	select {
	case <-r.started:
	case <-time.After(5 * time.Second):
		t.Fatal("slow render never started")
	}

	fastDone := make(chan bool, 1)
	go func() { fastDone <- s.UpdateContent(snap("b.md", 2, "quick")) }()

	select {
	case updated := <-fastDone:
		assert.True(t, updated, "unrelated document updated while the other rendered")
	case <-time.After(5 * time.Second):
		t.Fatal("update for another document blocked behind a slow render")
	}

	view, ok := s.Snapshot("b.md")
	require.True(t, ok)
	assert.Equal(t, "<p>quick</p>", view.HTML)

	close(r.release)
	assert.True(t, <-slowDone)
	view, ok = s.Snapshot("a.md")
	require.True(t, ok)
	assert.Equal(t, "<p>block:slow</p>", view.HTML)
}

func TestResolveLocalAssetRequiresSourcePath(t *testing.T) {
	s := newTestStore(0)
	s.Start(snap("a.md", 1, "x"))

	_, ok := s.ResolveLocalAsset("a.md", "./image.png")
	assert.False(t, ok, "session without a source path cannot serve assets")

	_, ok = s.ResolveLocalAsset("missing.md", "./image.png")
	assert.False(t, ok)
}

package httpapi

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/streaming"
)

func newTestServer(t *testing.T) (*streaming.Manager, *httptest.Server) {
	t.Helper()
	mgr := streaming.NewManager(nil, zap.NewNop())
	mux := http.NewServeMux()
	NewStreamingHandler(mgr, zap.NewNop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return mgr, srv
}

func TestSSERequiresRunID(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/stream/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEReplaysBacklog(t *testing.T) {
	mgr, srv := newTestServer(t)
	mgr.Publish("run-1", streaming.Event{Type: "stage_transition", Message: "PLAN"})
	mgr.Publish("run-1", streaming.Event{Type: "task_started", TaskID: "t1"})

	resp, err := http.Get(srv.URL + "/stream/sse?run_id=run-1&last_event_id=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	deadline := time.After(2 * time.Second)
	for len(lines) < 6 {
		select {
		case <-deadline:
			t.Fatalf("timed out reading SSE stream, got %d lines", len(lines))
		default:
		}
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if s := strings.TrimSpace(line); s != "" && !strings.HasPrefix(s, ":") {
			lines = append(lines, s)
		}
	}

	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "id: 1")
	assert.Contains(t, joined, "event: stage_transition")
	assert.Contains(t, joined, "id: 2")
	assert.Contains(t, joined, `"task_id":"t1"`)
}

func TestSSEFiltersEventTypes(t *testing.T) {
	mgr, srv := newTestServer(t)
	mgr.Publish("run-1", streaming.Event{Type: "stage_transition", Message: "PLAN"})
	mgr.Publish("run-1", streaming.Event{Type: "task_started", TaskID: "t1"})

	resp, err := http.Get(srv.URL + "/stream/sse?run_id=run-1&last_event_id=0&types=task_started")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var seen []string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		s := strings.TrimSpace(line)
		if strings.HasPrefix(s, "event: ") {
			seen = append(seen, strings.TrimPrefix(s, "event: "))
		}
		if strings.Contains(s, `"task_id":"t1"`) {
			break
		}
	}
	assert.Equal(t, []string{"task_started"}, seen)
}

func TestWebSocketReplaysBacklogFromZero(t *testing.T) {
	mgr, srv := newTestServer(t)
	mgr.Publish("run-1", streaming.Event{Type: "stage_transition", Message: "PLAN"})
	mgr.Publish("run-1", streaming.Event{Type: "task_started", TaskID: "t1"})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?run_id=run-1&last_event_id=0"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second streaming.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "stage_transition", first.Type)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, "t1", second.TaskID)
}

func TestWebSocketStreamsEvents(t *testing.T) {
	mgr, srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?run_id=run-1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the handler time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	mgr.Publish("run-1", streaming.Event{Type: "task_completed", TaskID: "t1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev streaming.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "task_completed", ev.Type)
	assert.Equal(t, "t1", ev.TaskID)
	assert.Equal(t, uint64(1), ev.Seq)
}

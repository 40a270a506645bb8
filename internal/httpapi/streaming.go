// Package httpapi serves live run progress over SSE and WebSocket.
package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/streaming"
)

// StreamingHandler serves streaming endpoints for run events.
type StreamingHandler struct {
	mgr    *streaming.Manager
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers streaming routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// parseTypeFilter reads the optional comma-separated types query param.
func parseTypeFilter(r *http.Request) map[string]struct{} {
	filter := map[string]struct{}{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				filter[t] = struct{}{}
			}
		}
	}
	return filter
}

// handleSSE streams a run's events via Server-Sent Events.
// GET /stream/sse?run_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, `{"error":"run_id required"}`, http.StatusBadRequest)
		return
	}
	typeFilter := parseTypeFilter(r)

	// Last-Event-ID header or query param to replay from. A supplied id of 0
	// means "replay everything", so presence gates the replay, not the value.
	var lastID uint64
	var replay bool
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
			replay = true
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && !replay {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
			replay = true
		}
	}

	// CORS (dev-friendly)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.mgr.Subscribe(runID, 256)
	defer h.mgr.Unsubscribe(runID, ch)

	fmt.Fprintf(w, ": connected to run %s\n\n", runID)
	flusher.Flush()

	// Replay backlog since lastID (best-effort, within ring capacity)
	if replay {
		for _, ev := range h.mgr.ReplaySince(runID, lastID) {
			if len(typeFilter) > 0 {
				if _, ok := typeFilter[ev.Type]; !ok {
					continue
				}
			}
			writeSSE(w, ev)
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("run_id", runID))
			return
		case evt := <-ch:
			if len(typeFilter) > 0 {
				if _, ok := typeFilter[evt.Type]; !ok {
					continue
				}
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-hb.C:
			// Heartbeat to keep connections alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}

package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// handleSSE streams session events via Server-Sent Events.
// GET /stream/sse?session_id=<id>
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	typeFilter := parseTypeFilter(r.URL.Query().Get("types"))

	// Last-Event-ID header or query param to replay from.
	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

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

	ch := s.stream.Subscribe(sid, 256)
	defer s.stream.Unsubscribe(sid, ch)

	fmt.Fprintf(w, ": connected to session %s\n\n", sid)
	flusher.Flush()

	// Replay backlog since lastID (best-effort).
	if lastID > 0 {
		for _, ev := range s.stream.ReplaySince(sid, lastID) {
			if skipType(typeFilter, ev.Type) {
				continue
			}
			writeSSE(w, ev.Seq, ev.Type, ev.Marshal())
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected", zap.String("session_id", sid))
			return
		case evt := <-ch:
			if skipType(typeFilter, evt.Type) {
				continue
			}
			writeSSE(w, evt.Seq, evt.Type, evt.Marshal())
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, seq uint64, evType string, data []byte) {
	if seq > 0 {
		fmt.Fprintf(w, "id: %d\n", seq)
	}
	if evType != "" {
		fmt.Fprintf(w, "event: %s\n", evType)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(data))
}

func parseTypeFilter(raw string) map[string]struct{} {
	filter := map[string]struct{}{}
	if raw == "" {
		return filter
	}
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			filter[t] = struct{}{}
		}
	}
	return filter
}

func skipType(filter map[string]struct{}, evType string) bool {
	if len(filter) == 0 {
		return false
	}
	_, ok := filter[evType]
	return !ok
}

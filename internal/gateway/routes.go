package gateway

import (
	"encoding/json"
	"io"
	"net/http"
)

// routes registers every HTTP route named in spec.md §4.6/§6, plus the
// ambient diagnostic endpoints.
func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /{$}", s.handleEnumerate)
	s.mux.HandleFunc("GET /_internal/events", s.handleEvents)

	for _, method := range []string{"GET", "POST"} {
		s.mux.HandleFunc(method+" /{projectId}/{region}/{triggerName}", s.handleInvoke)
		s.mux.HandleFunc(method+" /{projectId}/{region}/{triggerName}/{rest...}", s.handleInvoke)
		s.mux.HandleFunc(method+" /functions/projects/{projectId}/triggers/{triggerName}", s.handleInvoke)
		s.mux.HandleFunc(method+" /functions/projects/{projectId}/triggers/{triggerName}/{rest...}", s.handleInvoke)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEnumerate handles GET /: a fresh diagnostic run followed by a
// JSON enumeration of the trigger table. Diagnostic and need not be
// performant, per spec.md §4.6.
func (s *Server) handleEnumerate(w http.ResponseWriter, r *http.Request) {
	if err := s.loader.Load(r.Context()); err != nil {
		s.log.Warn("enumerate: reload failed, serving previous table", "error", err)
	}
	writeJSON(w, http.StatusOK, s.GetTriggers())
}

// handleEvents handles GET /_internal/events: a Server-Sent-Events stream
// of the gateway's own operational events, grounded on the teacher's
// handleSSE/writeSSEEvent (internal/server/sse.go).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var fromSeq uint64
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if seq, err := parseUint(lastID); err == nil {
			fromSeq = seq
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.opLog.Subscribe(r.Context(), fromSeq)
	for event := range ch {
		if err := writeSSEEvent(w, flusher, event); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// drainBody buffers the complete request body into memory before
// dispatch, matching spec.md §4.6's buffering requirement.
func drainBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

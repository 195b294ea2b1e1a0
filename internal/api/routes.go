package api

import "net/http"

// RegisterRoutes registers all service API routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, h *Handlers, metricsHandler http.Handler) {
	mux.HandleFunc("GET /api/health", h.HandleHealth)

	mux.HandleFunc("POST /api/sessions", h.HandleStartSession)
	mux.HandleFunc("GET /api/sessions", h.HandleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.HandleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/pause", h.HandlePauseSession)
	mux.HandleFunc("POST /api/sessions/{id}/resume", h.HandleResumeSession)
	mux.HandleFunc("POST /api/sessions/{id}/stop", h.HandleStopSession)

	mux.HandleFunc("POST /api/sessions/{id}/chunks", h.HandleSubmitChunk)
	mux.HandleFunc("GET /api/sessions/{id}/progress", h.HandleProgress)
	mux.HandleFunc("GET /api/sessions/{id}/transcript", h.HandleTranscript)
	mux.HandleFunc("GET /api/sessions/{id}/summary", h.HandleSummary)
	mux.HandleFunc("GET /api/sessions/{id}/events", h.HandleEvents)

	mux.HandleFunc("GET /api/queue/stats", h.HandleQueueStats)
	mux.HandleFunc("POST /api/queue/retry", h.HandleRetryDead)

	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
}

// CORSMiddleware wraps a handler with CORS headers. If allowedOrigins
// is empty, no CORS header is set (same-origin only). Otherwise, the
// request Origin is checked against the allowed list.
func CORSMiddleware(next http.Handler, allowedOrigins ...string) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if len(allowedOrigins) > 0 && origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-Id, X-Chunk-Seq, X-Chunk-Duration")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

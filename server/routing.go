package server

import (
	"net/http"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	s.mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))

	// Peer sync
	s.mux.HandleFunc("/ws/sync", s.corsMiddleware(s.HandleSyncWebSocket))
	s.mux.HandleFunc("/api/sync", s.corsMiddleware(s.HandleSync))
	s.mux.HandleFunc("/api/sync/cloud", s.corsMiddleware(s.HandleSyncCloud))
	s.mux.HandleFunc("/api/sync/status", s.corsMiddleware(s.HandleSyncStatus))

	// Shared profiles
	s.mux.HandleFunc("/api/profiles/import", s.corsMiddleware(s.HandleProfileImport))
	s.mux.HandleFunc("/api/profiles/{id}/state", s.corsMiddleware(s.HandleProfileState))
	s.mux.HandleFunc("/api/profiles/{id}/export", s.corsMiddleware(s.HandleProfileExport))
}

// corsMiddleware adds CORS headers to HTTP responses using configured allowed origins
// Uses the same origin validation as WebSocket connections (server.allowed_origins config)
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// HandleHealth reports liveness and the lifecycle state.
// GET /health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	state := s.getState()
	status := http.StatusOK
	if state != ServerStateRunning && s.httpServerSet() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status": stateString(state),
		"device": s.opts.Name,
	})
}

func (s *Server) httpServerSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpServer != nil
}

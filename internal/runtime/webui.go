package runtime

import (
	"encoding/json"
	"net/http"
	"strings"

	configpkg "github.com/fly-cli/flybridge/internal/runtime/config"
)

// registerDebugAPI mounts the JSON debug endpoints when the debug surface is
// enabled: per-operation stats under /api/operations and the aggregate health
// view under /api/diagnostics.
func (s *Server) registerDebugAPI() {
	if !s.Conf.DebugEnabled {
		return
	}

	port := s.Conf.DebugPort
	if port == 0 {
		port = configpkg.DefaultDebugPort
	}

	s.RegisterHTTPHandler(port, "/api/operations", s.debugHandler(s.handleGetOperations))
	s.RegisterHTTPHandler(port, "/api/diagnostics", s.debugHandler(s.handleGetDiagnostics))
}

// debugHandler wraps an endpoint with the shared CORS and preflight handling.
func (s *Server) debugHandler(fn func(w http.ResponseWriter, r *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if len(s.Conf.DebugCORSAllowedOrigins) > 0 {
			if allowed := s.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		fn(w, r)
	})
}

func (s *Server) handleGetOperations(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()

	if err := json.NewEncoder(w).Encode(stats.Snapshot()); err != nil {
		s.Logger.Error("Failed to encode operation stats", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) handleGetDiagnostics(w http.ResponseWriter, r *http.Request) {
	if err := json.NewEncoder(w).Encode(s.Diagnostics()); err != nil {
		s.Logger.Error("Failed to encode diagnostics", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// allowedCORSOrigin checks if the request origin is allowed and returns the
// appropriate Access-Control-Allow-Origin value.
func (s *Server) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.DebugCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

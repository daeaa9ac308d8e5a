package server

import (
	"net/http"
	"slices"
)

func anyOrigin(allowed []string) bool {
	return len(allowed) == 0 || slices.Contains(allowed, "*")
}

// OriginChecker gates WebSocket upgrades against allowed ("*" or empty
// allows all). Non-browser clients send no Origin and are always accepted.
func OriginChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || anyOrigin(allowed) || slices.Contains(allowed, origin)
	}
}

func (s *Server) cors(next http.Handler) http.Handler {
	allowed := s.cfg.AllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case anyOrigin(allowed):
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(allowed, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

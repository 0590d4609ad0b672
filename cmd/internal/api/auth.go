package api

import (
	"net/http"
	"strings"
)

// APIKeyHeader carries the admin API key. "Authorization: Bearer <key>" works too.
const APIKeyHeader = "X-API-Key"

const (
	routeDeleteSession = "DELETE /api/session"
	routeListSessions  = "GET /api/sessions"
	routeAttempt       = "GET /api/attempts/{id}"
)

// AdminRoutes lists the routes that need an API key. Without keys configured
// they answer 401.
func AdminRoutes() []string {
	return []string{routeDeleteSession, routeListSessions, routeAttempt}
}

func (h *Handler) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.keys.Enabled() {
			writeError(w, http.StatusUnauthorized, "unauthorized", "admin API disabled", "Configure PAIRGATE_API_KEYS to enable this route.")
			return
		}
		if !h.keys.Verify(presentedKey(r)) {
			h.log.Warn("api.auth.denied", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func presentedKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get(APIKeyHeader)); k != "" {
		return k
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

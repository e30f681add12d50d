package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireParticipant resolves the caller's bearer token to a participant id.
func (s *Server) requireParticipant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		participantID, err := s.identity.VerifyToken(r.Context(), extractToken(r))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withParticipant(r.Context(), participantID)))
	})
}

func (s *Server) requireManagementKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.managementKey != "" {
			key := r.Header.Get("X-Api-Key")
			if key == "" {
				key = extractToken(r)
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.managementKey)) != 1 {
				respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid api key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return ""
}

package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/classline/messenger/internal/logger"
	"github.com/classline/messenger/internal/storage"
)

// BearerAuth resolves the Authorization: Bearer token against the session
// store and puts the user id into the request context. A WebSocket handshake
// from a browser cannot set headers, so /ws additionally accepts the token
// in the access_token query parameter.
func BearerAuth(sessions storage.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" && strings.HasSuffix(r.URL.Path, "/ws") {
				token = r.URL.Query().Get("access_token")
			}
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, 4010, "unauthorized")
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			userID, err := sessions.UserIDByToken(ctx, token)
			cancel()
			if err != nil {
				logger.Errorf("auth: resolve token %s: %v", MaskToken(token), err)
				writeAuthError(w, http.StatusInternalServerError, 5000, "internal error")
				return
			}
			if userID == "" {
				writeAuthError(w, http.StatusUnauthorized, 4010, "unauthorized")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserIDKey, userID)))
		})
	}
}

// writeAuthError answers in the same envelope shape the API handlers emit.
func writeAuthError(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message": msg, "code": code, "httpStatus": status,
	})
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

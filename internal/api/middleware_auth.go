// ABOUTME: RequireTriggerToken middleware: Bearer token auth for the job
// ABOUTME: trigger and operator endpoints, constant-time compared.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireTriggerToken returns a middleware that requires
// "Authorization: Bearer <token>" matching the server-held trigger secret.
// Rejections happen before any job side effects.
func (srv *Server) RequireTriggerToken() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(srv.cfg.TriggerToken)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package daemon

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"feedloom/internal/logging"
)

// requireToken wraps next so that every request must present the configured
// API token as "Authorization: Bearer <token>". An empty token disables the
// check.
func (s *apiServer) requireToken(token string, next http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	if token == "" {
		return next
	}
	expected := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if ok && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), expected) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		s.logger.Debug("api request rejected",
			logging.String("path", r.URL.Path),
			logging.String("remote", r.RemoteAddr),
			logging.Bool("token_presented", ok),
		)
		w.Header().Set("WWW-Authenticate", `Bearer realm="feedloom"`)
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

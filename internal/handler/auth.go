package handler

import (
	"crypto/subtle"
	"net/http"

	"go.uber.org/zap"

	"gp-session-sync/internal/util"
)

// PasswordVerifier checks a password against an encoded hash.
type PasswordVerifier interface {
	Verify(password, encoded string) (bool, error)
}

// BasicAuth guards routes with HTTP basic auth against user and an argon2id PHC hash. An
// empty user disables the check.
func BasicAuth(user, passwordHash string, verifier PasswordVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if user == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUser, gotPassword, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(gotUser), []byte(user)) != 1 {
				unauthorized(w)
				return
			}
			valid, err := verifier.Verify(gotPassword, passwordHash)
			if err != nil {
				logger.Error("API password hash cannot be verified", util.ErrorField(err))
			}
			if !valid {
				logger.Warn("Rejected API credentials",
					util.String("remote_addr", r.RemoteAddr),
					util.String("path", r.URL.Path))
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="gp-session-sync", charset="UTF-8"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"success":false,"error":"unauthorized"}`))
}

// ABOUTME: HTTP middleware that gates the operational API behind bearer tokens
// ABOUTME: A nil verifier disables the gate for open deployments

package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

// subjectKey carries the verified token subject through the request context.
const subjectKey contextKey = "auth.subject"

// SubjectFromContext returns the verified caller identity, if any.
func SubjectFromContext(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(subjectKey).(string)
	return sub, ok
}

// Middleware returns an http middleware that requires a valid bearer token.
// When verifier is nil the middleware passes everything through unchanged;
// the caller is expected to have logged a warning at startup.
func Middleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected api token", "error", err, "remote", r.RemoteAddr)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

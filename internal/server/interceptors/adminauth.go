package interceptors

import (
	"log/slog"
	"net/http"

	"fidc-session-auth/backend/internal/logging"
	"fidc-session-auth/backend/internal/security"
	"fidc-session-auth/backend/internal/server/respond"
)

// RequireAdmin rejects requests without a valid session-admin Bearer token signed with secret:
// 401 when the token is missing or invalid, 403 when it lacks the role. An empty secret
// rejects every request. The token subject is stored in the request context.
func RequireAdmin(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logging.OrDiscard(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := security.ValidateAdminToken(r.Header.Get("Authorization"), secret)
			if err != nil {
				logger.WarnContext(r.Context(), "admin request rejected", "path", r.URL.Path, "error", err)
				respond.Error(w, r, logger, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAdminSubject(r.Context(), claims.Subject)))
		})
	}
}

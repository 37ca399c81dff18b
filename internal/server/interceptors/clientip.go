package interceptors

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"fidc-session-auth/backend/internal/logging"
	"fidc-session-auth/backend/internal/platform/apperror"
	"fidc-session-auth/backend/internal/server/respond"
)

// ErrClientIPUnresolved is returned when no usable client address is found on the request.
var ErrClientIPUnresolved = apperror.Forbidden("unable to determine the client IP address")

// clientIPHeaders are consulted in order; X-Forwarded-For contributes its first hop.
var clientIPHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"X-Client-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Cluster-Client-IP",
}

// ResolveClientIP returns the caller address from proxy headers or RemoteAddr.
// Loopback addresses are accepted only when allowLocalhost is set.
func ResolveClientIP(r *http.Request, allowLocalhost bool) (string, error) {
	for _, h := range clientIPHeaders {
		v := r.Header.Get(h)
		if h == "X-Forwarded-For" {
			if i := strings.Index(v, ","); i >= 0 {
				v = v[:i]
			}
		}
		if ip, ok := validIP(v, allowLocalhost); ok {
			return ip, nil
		}
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip, ok := validIP(host, allowLocalhost); ok {
		return ip, nil
	}
	return "", ErrClientIPUnresolved
}

func validIP(v string, allowLocalhost bool) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "unknown") {
		return "", false
	}
	ip := net.ParseIP(v)
	if ip == nil {
		return "", false
	}
	if ip.IsLoopback() && !allowLocalhost {
		return "", false
	}
	return ip.String(), true
}

// ClientIP resolves the caller address into the request context and rejects requests without one.
func ClientIP(allowLocalhost bool, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logging.OrDiscard(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, err := ResolveClientIP(r, allowLocalhost)
			if err != nil {
				respond.Error(w, r, logger, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

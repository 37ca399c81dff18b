// Package ratelimit bounds request volume per client IP and per user-agent over a tumbling window.
package ratelimit

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"fidc-session-auth/backend/internal/logging"
	"fidc-session-auth/backend/internal/platform/apperror"
)

var (
	// ErrRateLimitExceeded is returned when either the IP or the user-agent counter is over its limit.
	ErrRateLimitExceeded = apperror.RateLimited("rate limit exceeded")
	// ErrBackendUnavailable is wrapped by Counter implementations when the counting backend fails.
	ErrBackendUnavailable = errors.New("ratelimit: backend unavailable")
)

// Config holds per-window limits.
type Config struct {
	IPLimit int64
	UALimit int64
	Window  time.Duration
}

// DefaultConfig returns 20 requests per IP and 40 per user-agent per minute.
func DefaultConfig() Config {
	return Config{IPLimit: 20, UALimit: 40, Window: time.Minute}
}

// Limiter checks both counters for a request.
type Limiter struct {
	counter Counter
	cfg     Config
	logger  *slog.Logger
}

// New returns a Limiter. Zero fields in cfg take DefaultConfig values.
func New(counter Counter, cfg Config, logger *slog.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.IPLimit <= 0 {
		cfg.IPLimit = def.IPLimit
	}
	if cfg.UALimit <= 0 {
		cfg.UALimit = def.UALimit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &Limiter{counter: counter, cfg: cfg, logger: logging.OrDiscard(logger)}
}

func ipKey(ip string) string { return "rate_limit:ip:" + ip }

func uaKey(userAgent string) string {
	sum := blake2b.Sum256([]byte(userAgent))
	return "rate_limit:ua:" + hex.EncodeToString(sum[:16])
}

// Check increments the IP counter and then the user-agent counter. It returns
// ErrRateLimitExceeded when either is over its limit. Backend failures are logged and
// the request is allowed.
func (l *Limiter) Check(ctx context.Context, ip, userAgent string) error {
	count, err := l.counter.Incr(ctx, ipKey(ip), l.cfg.Window)
	if err != nil {
		l.logger.Warn("ratelimit: check failed, allowing request", "ip", ip, "error", err)
		return nil
	}
	if count > l.cfg.IPLimit {
		l.logger.Warn("ratelimit: limit exceeded for ip", "ip", ip, "count", count, "limit", l.cfg.IPLimit)
		return ErrRateLimitExceeded
	}

	count, err = l.counter.Incr(ctx, uaKey(userAgent), l.cfg.Window)
	if err != nil {
		l.logger.Warn("ratelimit: check failed, allowing request", "ip", ip, "error", err)
		return nil
	}
	if count > l.cfg.UALimit {
		l.logger.Warn("ratelimit: limit exceeded for user-agent", "ip", ip, "count", count, "limit", l.cfg.UALimit)
		return ErrRateLimitExceeded
	}
	return nil
}

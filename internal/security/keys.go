package security

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"fidc-session-auth/backend/internal/logging"
	"fidc-session-auth/backend/internal/platform/apperror"
)

// ErrNoSigningKey is returned when no source answered and no fallback is configured.
var ErrNoSigningKey = apperror.Infrastructure(apperror.ComponentSecretStore, "signing key unavailable", errors.New("no signing key source answered"))

// KeySource is one tier of the signing key chain.
type KeySource interface {
	Name() string
	SigningKey(ctx context.Context) (string, error)
}

const signingKeyCacheKey = "identity-assertion"

// SigningKeyResolver resolves the identity-assertion signing key by asking each source in
// order. The first non-empty key wins and is cached for the configured TTL. Source failures
// are logged and skipped; the static fallback ends the chain and is never cached.
type SigningKeyResolver struct {
	sources  []KeySource
	fallback string
	cache    *expirable.LRU[string, string]
	logger   *slog.Logger
}

// NewSigningKeyResolver returns a resolver over sources with the given fallback key.
// cacheTTL <= 0 disables caching.
func NewSigningKeyResolver(sources []KeySource, fallback string, cacheTTL time.Duration, logger *slog.Logger) *SigningKeyResolver {
	r := &SigningKeyResolver{
		sources:  sources,
		fallback: fallback,
		logger:   logging.OrDiscard(logger),
	}
	if cacheTTL > 0 {
		r.cache = expirable.NewLRU[string, string](1, nil, cacheTTL)
	}
	return r
}

// Resolve returns the current signing key.
func (r *SigningKeyResolver) Resolve(ctx context.Context) (string, error) {
	if r.cache != nil {
		if k, ok := r.cache.Get(signingKeyCacheKey); ok {
			return k, nil
		}
	}
	for _, src := range r.sources {
		k, err := src.SigningKey(ctx)
		if err != nil {
			r.logger.Warn("security: signing key source failed", "source", src.Name(), "error", err)
			continue
		}
		if k == "" {
			r.logger.Warn("security: signing key source returned empty key", "source", src.Name())
			continue
		}
		if r.cache != nil {
			r.cache.Add(signingKeyCacheKey, k)
		}
		return k, nil
	}
	if r.fallback == "" {
		return "", ErrNoSigningKey
	}
	r.logger.Debug("security: using fallback signing key")
	return r.fallback, nil
}

// Invalidate drops the cached key so the next Resolve walks the chain again.
func (r *SigningKeyResolver) Invalidate() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

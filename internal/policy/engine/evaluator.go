package engine

import (
	"context"

	"fidc-session-auth/backend/internal/session/domain"
)

// Evaluator decides whether a relationship may be selected within a session.
type Evaluator interface {
	// CanSelect reports whether relationship is eligible for selection under partner's policies.
	CanSelect(ctx context.Context, partner string, relationship domain.Relationship) (bool, error)
}

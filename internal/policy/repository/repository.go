package repository

import (
	"context"

	"fidc-session-auth/backend/internal/policy/domain"
)

// Repository defines persistence for relationship policies.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Policy, error)
	ListByPartner(ctx context.Context, partner string) ([]*domain.Policy, error)
	GetEnabledPoliciesByPartner(ctx context.Context, partner string) ([]*domain.Policy, error)
	Create(ctx context.Context, p *domain.Policy) error
	Update(ctx context.Context, p *domain.Policy) error
}

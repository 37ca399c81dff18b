package repository

import (
	"context"

	"fidc-session-auth/backend/internal/session/domain"
)

// ControlRepository persists UserSessionControl rows. Find methods return (nil, nil) when
// no row matches.
type ControlRepository interface {
	FindByCpfAndPartner(ctx context.Context, cpf, partner string) (*domain.UserSessionControl, error)
	FindByCurrentSessionID(ctx context.Context, sessionID string) (*domain.UserSessionControl, error)
	// Save upserts on (cpf, partner) and sets c.ID. FirstAccessAt is never overwritten once set.
	Save(ctx context.Context, c *domain.UserSessionControl) error
	ExistsByCpfAndPartner(ctx context.Context, cpf, partner string) (bool, error)
	ListActive(ctx context.Context, filter domain.ControlFilter, page domain.PageRequest) (domain.Page[*domain.UserSessionControl], error)
}

// HistoryRepository appends SessionAccessHistory rows.
type HistoryRepository interface {
	Append(ctx context.Context, h *domain.SessionAccessHistory) error
	ListBySessionID(ctx context.Context, sessionID string) ([]*domain.SessionAccessHistory, error)
}

// Repository is the session ledger: control rows plus their access history.
type Repository interface {
	ControlRepository
	HistoryRepository
	// RecordSessionStart saves c and appends h linked to it in one transaction.
	RecordSessionStart(ctx context.Context, c *domain.UserSessionControl, h *domain.SessionAccessHistory) error
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"fidc-session-auth/backend/internal/policy/domain"
)

const policyColumns = `id, partner, rules, enabled, created_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a policy repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the policy for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM relationship_policy WHERE id = $1`, id)
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// ListByPartner returns all policies for partner, oldest first.
func (r *PostgresRepository) ListByPartner(ctx context.Context, partner string) ([]*domain.Policy, error) {
	return r.list(ctx, `SELECT `+policyColumns+` FROM relationship_policy WHERE partner = $1 ORDER BY created_at`, partner)
}

// GetEnabledPoliciesByPartner returns only the enabled policies for partner.
func (r *PostgresRepository) GetEnabledPoliciesByPartner(ctx context.Context, partner string) ([]*domain.Policy, error) {
	return r.list(ctx, `SELECT `+policyColumns+` FROM relationship_policy WHERE partner = $1 AND enabled ORDER BY created_at`, partner)
}

// Create persists the policy to the database. The policy must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, p *domain.Policy) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO relationship_policy (id, partner, rules, enabled, created_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, strings.ToLower(p.Partner), p.Rules, p.Enabled, p.CreatedAt)
	return err
}

// Update replaces the rules and enabled flag of an existing policy.
func (r *PostgresRepository) Update(ctx context.Context, p *domain.Policy) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE relationship_policy SET rules = $2, enabled = $3 WHERE id = $1`,
		p.ID, p.Rules, p.Enabled)
	return err
}

func (r *PostgresRepository) list(ctx context.Context, query, partner string) ([]*domain.Policy, error) {
	rows, err := r.db.QueryContext(ctx, query, strings.ToLower(partner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(s scanner) (*domain.Policy, error) {
	var p domain.Policy
	if err := s.Scan(&p.ID, &p.Partner, &p.Rules, &p.Enabled, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

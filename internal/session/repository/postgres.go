package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fidc-session-auth/backend/internal/platform/apperror"
	"fidc-session-auth/backend/internal/session/domain"
)

const controlColumns = `id, external_id::text, cpf, partner, current_session_id::text, active,
	first_access_at, previous_access_at, last_access_at, created_at, updated_at`

const historyColumns = `id, external_id::text, user_session_control_id, session_id::text, accessed_at,
	COALESCE(host(ip_address), ''), user_agent, latitude, longitude, location_accuracy, location_timestamp`

const upsertControl = `
INSERT INTO user_session_control (
	external_id, cpf, partner, current_session_id, active,
	first_access_at, previous_access_at, last_access_at, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (cpf, partner) DO UPDATE SET
	current_session_id = EXCLUDED.current_session_id,
	active             = EXCLUDED.active,
	first_access_at    = COALESCE(user_session_control.first_access_at, EXCLUDED.first_access_at),
	previous_access_at = EXCLUDED.previous_access_at,
	last_access_at     = EXCLUDED.last_access_at,
	updated_at         = EXCLUDED.updated_at
RETURNING id, external_id::text, first_access_at, created_at`

const insertHistory = `
INSERT INTO session_access_history (
	external_id, user_session_control_id, session_id, accessed_at, ip_address, user_agent,
	latitude, longitude, location_accuracy, location_timestamp
) VALUES ($1, $2, $3, $4, NULLIF($5, '')::inet, $6, $7, $8, $9, $10)
RETURNING id`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresRepository is the Postgres session ledger. Partners are stored lowercased so the
// (cpf, partner) natural key is case-insensitive.
type PostgresRepository struct {
	db      *sql.DB
	timeout time.Duration
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository returns a ledger over db. Each statement is bounded by timeout.
func NewPostgresRepository(db *sql.DB, timeout time.Duration) *PostgresRepository {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresRepository{db: db, timeout: timeout}
}

// FindByCpfAndPartner returns the control row for (cpf, partner), or nil if not found.
func (r *PostgresRepository) FindByCpfAndPartner(ctx context.Context, cpf, partner string) (*domain.UserSessionControl, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	row := r.db.QueryRowContext(ctx, `SELECT `+controlColumns+` FROM user_session_control WHERE cpf = $1 AND partner = $2`,
		cpf, normalizePartner(partner))
	return r.oneControl(row, "find by cpf and partner")
}

// FindByCurrentSessionID returns the control row whose current session is sessionID, or nil.
func (r *PostgresRepository) FindByCurrentSessionID(ctx context.Context, sessionID string) (*domain.UserSessionControl, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	row := r.db.QueryRowContext(ctx, `SELECT `+controlColumns+` FROM user_session_control
		WHERE current_session_id = $1 ORDER BY updated_at DESC LIMIT 1`, sessionID)
	return r.oneControl(row, "find by current session id")
}

// Save upserts c on (cpf, partner).
func (r *PostgresRepository) Save(ctx context.Context, c *domain.UserSessionControl) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := saveControl(ctx, r.db, c); err != nil {
		return unavailable("save control", err)
	}
	return nil
}

// ExistsByCpfAndPartner reports whether a control row exists for (cpf, partner).
func (r *PostgresRepository) ExistsByCpfAndPartner(ctx context.Context, cpf, partner string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_session_control WHERE cpf = $1 AND partner = $2)`,
		cpf, normalizePartner(partner)).Scan(&exists)
	if err != nil {
		return false, unavailable("exists by cpf and partner", err)
	}
	return exists, nil
}

// ListActive pages through control rows, newest access first. Rows are active-only unless
// filter.Active says otherwise.
func (r *PostgresRepository) ListActive(ctx context.Context, filter domain.ControlFilter, page domain.PageRequest) (domain.Page[*domain.UserSessionControl], error) {
	page = page.Normalize()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	where, args := controlWhere(filter)
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM user_session_control`+where, args...).Scan(&total); err != nil {
		return domain.Page[*domain.UserSessionControl]{}, unavailable("count active", err)
	}

	args = append(args, page.Size, page.Offset())
	query := fmt.Sprintf(`SELECT %s FROM user_session_control%s ORDER BY last_access_at DESC, id LIMIT $%d OFFSET $%d`,
		controlColumns, where, len(args)-1, len(args))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.Page[*domain.UserSessionControl]{}, unavailable("list active", err)
	}
	defer rows.Close()
	var out []*domain.UserSessionControl
	for rows.Next() {
		c, err := scanControl(rows)
		if err != nil {
			return domain.Page[*domain.UserSessionControl]{}, unavailable("scan control", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return domain.Page[*domain.UserSessionControl]{}, unavailable("list active", err)
	}
	return domain.NewPage(out, total, page), nil
}

// Append inserts h. h.UserSessionControlID must reference an existing row.
func (r *PostgresRepository) Append(ctx context.Context, h *domain.SessionAccessHistory) error {
	if h.UserSessionControlID <= 0 {
		return apperror.Validation("user session control id must be greater than zero")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := appendHistory(ctx, r.db, h); err != nil {
		return unavailable("append history", err)
	}
	return nil
}

// ListBySessionID returns the history rows for sessionID, oldest first.
func (r *PostgresRepository) ListBySessionID(ctx context.Context, sessionID string) ([]*domain.SessionAccessHistory, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT `+historyColumns+` FROM session_access_history
		WHERE session_id = $1 ORDER BY accessed_at, id`, sessionID)
	if err != nil {
		return nil, unavailable("list history", err)
	}
	defer rows.Close()
	var out []*domain.SessionAccessHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, unavailable("scan history", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list history", err)
	}
	return out, nil
}

// RecordSessionStart upserts c and appends h in one transaction.
func (r *PostgresRepository) RecordSessionStart(ctx context.Context, c *domain.UserSessionControl, h *domain.SessionAccessHistory) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := saveControl(ctx, tx, c); err != nil {
		return unavailable("save control", err)
	}
	if err := h.AttachTo(c.ID); err != nil {
		return err
	}
	if err := appendHistory(ctx, tx, h); err != nil {
		return unavailable("append history", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (r *PostgresRepository) oneControl(row *sql.Row, op string) (*domain.UserSessionControl, error) {
	c, err := scanControl(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable(op, err)
	}
	return c, nil
}

func saveControl(ctx context.Context, q querier, c *domain.UserSessionControl) error {
	var (
		firstAccess sql.NullTime
		createdAt   time.Time
	)
	err := q.QueryRowContext(ctx, upsertControl,
		c.ExternalID, c.CPF, normalizePartner(c.Partner), c.CurrentSessionID, c.Active,
		c.FirstAccessAt, c.PreviousAccessAt, c.LastAccessAt, c.CreatedAt, c.UpdatedAt,
	).Scan(&c.ID, &c.ExternalID, &firstAccess, &createdAt)
	if err != nil {
		return err
	}
	c.Partner = normalizePartner(c.Partner)
	c.FirstAccessAt = timePtr(firstAccess)
	c.CreatedAt = createdAt
	return nil
}

func appendHistory(ctx context.Context, q querier, h *domain.SessionAccessHistory) error {
	loc := h.Location
	return q.QueryRowContext(ctx, insertHistory,
		h.ExternalID, h.UserSessionControlID, h.SessionID, h.AccessedAt, h.IPAddress, h.UserAgent,
		loc.Latitude, loc.Longitude, loc.Accuracy, loc.Timestamp,
	).Scan(&h.ID)
}

func controlWhere(f domain.ControlFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	active := true
	if f.Active != nil {
		active = *f.Active
	}
	add("active = $%d", active)
	if f.CPF != "" {
		add("cpf = $%d", f.CPF)
	}
	if f.Partner != "" {
		add("partner = $%d", normalizePartner(f.Partner))
	}
	if f.FirstAccessFrom != nil {
		add("first_access_at >= $%d", *f.FirstAccessFrom)
	}
	if f.FirstAccessTo != nil {
		add("first_access_at <= $%d", *f.FirstAccessTo)
	}
	if f.LastAccessFrom != nil {
		add("last_access_at >= $%d", *f.LastAccessFrom)
	}
	if f.LastAccessTo != nil {
		add("last_access_at <= $%d", *f.LastAccessTo)
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanControl(s scanner) (*domain.UserSessionControl, error) {
	var (
		c           domain.UserSessionControl
		current     sql.NullString
		first, prev sql.NullTime
	)
	err := s.Scan(&c.ID, &c.ExternalID, &c.CPF, &c.Partner, &current, &c.Active,
		&first, &prev, &c.LastAccessAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if current.Valid {
		id := current.String
		c.CurrentSessionID = &id
	}
	c.FirstAccessAt = timePtr(first)
	c.PreviousAccessAt = timePtr(prev)
	return &c, nil
}

func scanHistory(s scanner) (*domain.SessionAccessHistory, error) {
	var (
		h        domain.SessionAccessHistory
		lat, lon sql.NullFloat64
		acc      sql.NullInt32
		ts       sql.NullTime
	)
	err := s.Scan(&h.ID, &h.ExternalID, &h.UserSessionControlID, &h.SessionID, &h.AccessedAt,
		&h.IPAddress, &h.UserAgent, &lat, &lon, &acc, &ts)
	if err != nil {
		return nil, err
	}
	if lat.Valid {
		v := lat.Float64
		h.Location.Latitude = &v
	}
	if lon.Valid {
		v := lon.Float64
		h.Location.Longitude = &v
	}
	if acc.Valid {
		v := int(acc.Int32)
		h.Location.Accuracy = &v
	}
	h.Location.Timestamp = timePtr(ts)
	return &h, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func normalizePartner(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

func unavailable(op string, err error) error {
	return apperror.Infrastructure(apperror.ComponentPostgres, "session ledger unavailable", fmt.Errorf("session ledger: %s: %w", op, err))
}

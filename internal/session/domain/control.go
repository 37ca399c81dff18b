package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"fidc-session-auth/backend/internal/platform/apperror"
)

// ErrSessionAlreadyInactive is returned by DeactivateSession on an inactive row.
var ErrSessionAlreadyInactive = apperror.Validation("session is already inactive")

var cpfPattern = regexp.MustCompile(`^\d{11}$`)

// UserSessionControl is the durable record of the current session per (cpf, partner).
// ID is zero until the row is persisted.
type UserSessionControl struct {
	ID               int64
	ExternalID       string
	CPF              string
	Partner          string
	CurrentSessionID *string
	Active           bool
	FirstAccessAt    *time.Time
	PreviousAccessAt *time.Time
	LastAccessAt     time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ValidateCPF reports whether cpf is exactly 11 digits.
func ValidateCPF(cpf string) error {
	cpf = strings.TrimSpace(cpf)
	if cpf == "" {
		return apperror.Validation("cpf must not be blank")
	}
	if !cpfPattern.MatchString(cpf) {
		return apperror.Validation("cpf must have exactly 11 digits")
	}
	return nil
}

// NewUserSessionControl returns an inactive, unpersisted control row for (cpf, partner).
func NewUserSessionControl(cpf, partner string, now time.Time) (*UserSessionControl, error) {
	if err := ValidateCPF(cpf); err != nil {
		return nil, err
	}
	if err := validateText("partner", partner, MaxPartnerLength); err != nil {
		return nil, err
	}
	return &UserSessionControl{
		ExternalID:   uuid.New().String(),
		CPF:          strings.TrimSpace(cpf),
		Partner:      strings.TrimSpace(partner),
		LastAccessAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// StartNewSession makes sessionID current and active. The first call sets FirstAccessAt;
// later calls roll LastAccessAt into PreviousAccessAt.
func (c *UserSessionControl) StartNewSession(sessionID string, now time.Time) {
	if c.FirstAccessAt == nil {
		t := now
		c.FirstAccessAt = &t
	} else {
		prev := c.LastAccessAt
		c.PreviousAccessAt = &prev
	}
	id := sessionID
	c.CurrentSessionID = &id
	c.Active = true
	c.LastAccessAt = now
	c.UpdatedAt = now
}

// DeactivateSession marks the row inactive. It is not idempotent.
func (c *UserSessionControl) DeactivateSession(now time.Time) error {
	if !c.Active {
		return ErrSessionAlreadyInactive
	}
	c.Active = false
	c.UpdatedAt = now
	return nil
}

// UpdateCurrentSessionID replaces the current session id without touching access timestamps.
func (c *UserSessionControl) UpdateCurrentSessionID(sessionID string, now time.Time) {
	id := sessionID
	c.CurrentSessionID = &id
	c.UpdatedAt = now
}

// IsCurrent reports whether sessionID is the row's current session.
func (c *UserSessionControl) IsCurrent(sessionID string) bool {
	return c.CurrentSessionID != nil && *c.CurrentSessionID == sessionID
}

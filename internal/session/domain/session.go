package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"fidc-session-auth/backend/internal/platform/apperror"
)

const (
	MaxPartnerLength     = 100
	MaxUserAgentLength   = 2000
	MaxFingerprintLength = 255
	CPFLength            = 11

	// DefaultTTLMinutes applies when no TTL is configured.
	DefaultTTLMinutes = 30
)

// ErrRelationshipNotInSession is returned by SelectRelationship when the id is not in the session's list.
var ErrRelationshipNotInSession = apperror.Validation("relationship does not belong to the session")

// Channel identifies the client surface a session was opened from.
type Channel string

const (
	ChannelWeb    Channel = "WEB"
	ChannelMobile Channel = "MOBILE"
)

var channelCodes = map[Channel]string{
	ChannelWeb:    "W",
	ChannelMobile: "M",
}

// Code returns the single-letter persisted code (W, M).
func (c Channel) Code() string { return channelCodes[c] }

// ParseChannel accepts a channel name or code, case-insensitively.
func ParseChannel(v string) (Channel, error) {
	v = strings.TrimSpace(v)
	for ch, code := range channelCodes {
		if strings.EqualFold(v, string(ch)) || strings.EqualFold(v, code) {
			return ch, nil
		}
	}
	return "", apperror.Validation(fmt.Sprintf("invalid channel %q: accepted values are WEB (W), MOBILE (M)", v))
}

// UserInfo is the profile snapshot taken at session creation.
type UserInfo struct {
	CPF         string `json:"cpf"`
	FullName    string `json:"fullName"`
	Email       string `json:"email"`
	BirthDate   string `json:"birthDate"` // yyyy-mm-dd
	PhoneNumber string `json:"phoneNumber"`
}

// Fund is the fund the user belongs to for the partner.
type Fund struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Relationship is a contractual link the user can select to scope permissions.
type Relationship struct {
	ID             string  `json:"id"`
	Type           *string `json:"type,omitempty"`
	Name           string  `json:"name"`
	Status         string  `json:"status"`
	ContractNumber string  `json:"contractNumber"`
}

// Session is the live, cache-resident session record.
type Session struct {
	ID                   string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	Partner              string
	UserAgent            string
	Channel              Channel
	Fingerprint          string
	Secret               string
	UserInfo             UserInfo
	Fund                 Fund
	Relationships        []Relationship
	SelectedRelationship *Relationship
	Permissions          []string
	TTLMinutes           int
}

// NewSessionParams carries the inputs for NewSession.
type NewSessionParams struct {
	ID            string
	Partner       string
	UserAgent     string
	Channel       Channel
	Fingerprint   string
	Secret        string
	UserInfo      UserInfo
	Fund          Fund
	Relationships []Relationship
	Permissions   []string
	TTLMinutes    int
	Now           time.Time
}

// NewSession validates p and returns a session with no selected relationship.
func NewSession(p NewSessionParams) (*Session, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, apperror.Validation("session id is required")
	}
	if err := ValidatePartner(p.Partner); err != nil {
		return nil, err
	}
	if err := validateText("user-agent", p.UserAgent, MaxUserAgentLength); err != nil {
		return nil, err
	}
	if err := validateText("fingerprint", p.Fingerprint, MaxFingerprintLength); err != nil {
		return nil, err
	}
	if _, ok := channelCodes[p.Channel]; !ok {
		return nil, apperror.Validation("channel is required")
	}
	if p.Secret == "" {
		return nil, apperror.Validation("session secret is required")
	}
	ttl := p.TTLMinutes
	if ttl <= 0 {
		ttl = DefaultTTLMinutes
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return &Session{
		ID:            p.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Partner:       strings.TrimSpace(p.Partner),
		UserAgent:     strings.TrimSpace(p.UserAgent),
		Channel:       p.Channel,
		Fingerprint:   strings.TrimSpace(p.Fingerprint),
		Secret:        p.Secret,
		UserInfo:      p.UserInfo,
		Fund:          p.Fund,
		Relationships: append([]Relationship(nil), p.Relationships...),
		Permissions:   append([]string(nil), p.Permissions...),
		TTLMinutes:    ttl,
	}, nil
}

// TTL returns the session lifetime.
func (s *Session) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// FindRelationship returns the relationship with id from the session's list, or nil.
func (s *Session) FindRelationship(id string) *Relationship {
	for i := range s.Relationships {
		if s.Relationships[i].ID == id {
			r := s.Relationships[i]
			return &r
		}
	}
	return nil
}

// SelectRelationship sets the selected relationship and replaces the permission set.
// The session is left unchanged when id is not in the relationship list.
func (s *Session) SelectRelationship(id string, permissions []string, now time.Time) error {
	r := s.FindRelationship(id)
	if r == nil {
		return ErrRelationshipNotInSession
	}
	s.SelectedRelationship = r
	s.Permissions = append([]string(nil), permissions...)
	s.UpdatedAt = now
	return nil
}

// PartnerMatches compares partners case-insensitively.
func (s *Session) PartnerMatches(partner string) bool {
	return strings.EqualFold(strings.TrimSpace(s.Partner), strings.TrimSpace(partner))
}

// partnerPattern keeps partners safe inside cache keys and scan patterns.
var partnerPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidatePartner requires a non-blank partner of at most MaxPartnerLength letters, digits,
// underscores or hyphens.
func ValidatePartner(partner string) error {
	if err := validateText("partner", partner, MaxPartnerLength); err != nil {
		return err
	}
	if !partnerPattern.MatchString(strings.TrimSpace(partner)) {
		return apperror.Validation("partner may only contain letters, digits, '_' and '-'")
	}
	return nil
}

func validateText(field, v string, max int) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return apperror.Validation(field + " must not be blank")
	}
	if len(v) > max {
		return apperror.Validation(fmt.Sprintf("%s must be at most %d characters", field, max))
	}
	return nil
}

package handler

import (
	"time"

	"fidc-session-auth/backend/internal/session/domain"
	"fidc-session-auth/backend/internal/session/service"
)

type sessionResponse struct {
	UserInfo             domain.UserInfo       `json:"userInfo"`
	Fund                 domain.Fund           `json:"fund"`
	RelationshipList     []domain.Relationship `json:"relationshipList"`
	RelationshipSelected *domain.Relationship  `json:"relationshipSelected,omitempty"`
	Permissions          []string              `json:"permissions"`
	AccessToken          string                `json:"accessToken"`
}

func newSessionResponse(res *service.SessionResult, withSelected bool) sessionResponse {
	out := sessionResponse{
		UserInfo:         res.UserInfo.Masked(),
		Fund:             res.Fund,
		RelationshipList: res.Relationships,
		Permissions:      res.Permissions,
		AccessToken:      res.AccessToken,
	}
	if out.RelationshipList == nil {
		out.RelationshipList = []domain.Relationship{}
	}
	if out.Permissions == nil {
		out.Permissions = []string{}
	}
	if withSelected {
		out.RelationshipSelected = res.SelectedRelationship
	}
	return out
}

// sessionSummary is the listing view of a cached session. It never carries the secret.
type sessionSummary struct {
	SessionID            string    `json:"sessionId"`
	Partner              string    `json:"partner"`
	Channel              string    `json:"channel"`
	CPF                  string    `json:"cpf"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
	RelationshipSelected string    `json:"relationshipSelected,omitempty"`
}

func newSessionSummary(s *domain.Session) sessionSummary {
	out := sessionSummary{
		SessionID: s.ID,
		Partner:   s.Partner,
		Channel:   string(s.Channel),
		CPF:       domain.MaskCPF(s.UserInfo.CPF),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if s.SelectedRelationship != nil {
		out.RelationshipSelected = s.SelectedRelationship.ID
	}
	return out
}

type controlSummary struct {
	ID               string     `json:"id"`
	CPF              string     `json:"cpf"`
	Partner          string     `json:"partner"`
	Active           bool       `json:"active"`
	CurrentSessionID *string    `json:"currentSessionId,omitempty"`
	FirstAccessAt    *time.Time `json:"firstAccessAt,omitempty"`
	LastAccessAt     time.Time  `json:"lastAccessAt"`
}

func newControlSummary(c *domain.UserSessionControl) controlSummary {
	return controlSummary{
		ID:               c.ExternalID,
		CPF:              domain.MaskCPF(c.CPF),
		Partner:          c.Partner,
		Active:           c.Active,
		CurrentSessionID: c.CurrentSessionID,
		FirstAccessAt:    c.FirstAccessAt,
		LastAccessAt:     c.LastAccessAt,
	}
}

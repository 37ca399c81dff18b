package domain

import "time"

// Session lifecycle event types.
const (
	EventSessionCreated       = "session_created"
	EventRelationshipSwitched = "relationship_switched"
	EventSessionEnded         = "session_ended"
	EventSessionReconciled    = "session_reconciled"
)

// SessionEvent is one session lifecycle event. CPF is always masked.
type SessionEvent struct {
	ID             string            `json:"id"`
	EventType      string            `json:"eventType"`
	Source         string            `json:"source"`
	SessionID      string            `json:"sessionId,omitempty"`
	Partner        string            `json:"partner,omitempty"`
	CPF            string            `json:"cpf,omitempty"`
	Channel        string            `json:"channel,omitempty"`
	RelationshipID string            `json:"relationshipId,omitempty"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

package domain

import "time"

// Policy is a partner-scoped Rego module deciding relationship eligibility.
// Rules must declare package fidc.relationship and define allow.
type Policy struct {
	ID        string
	Partner   string
	Rules     string
	Enabled   bool
	CreatedAt time.Time
}

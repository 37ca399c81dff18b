// Package security issues and validates the session bearer tokens and validates the
// identity assertion presented at login.
//
// Bearer tokens are HS256-signed with the per-session secret, so a token only ever
// verifies against the session it was minted for. The identity assertion is signed with a
// system-wide key resolved through SigningKeyResolver.
package security

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fidc-session-auth/backend/internal/platform/apperror"
)

// ErrInvalidCredential is returned for any failure validating an identity assertion.
var ErrInvalidCredential = apperror.Unauthorized("invalid credential")

// IdentityClaims are the claims read from a valid identity assertion.
type IdentityClaims struct {
	CPF    string
	Claims jwt.MapClaims
}

// CredentialIssuer validates identity assertions and issues session-bound bearer tokens.
type CredentialIssuer struct {
	keys *SigningKeyResolver
}

// NewCredentialIssuer returns an issuer that validates assertions against keys.
func NewCredentialIssuer(keys *SigningKeyResolver) *CredentialIssuer {
	return &CredentialIssuer{keys: keys}
}

// ResolveSigningKey returns the identity-assertion signing key.
func (c *CredentialIssuer) ResolveSigningKey(ctx context.Context) (string, error) {
	return c.keys.Resolve(ctx)
}

// ValidateIdentityAssertion verifies token (HS256) against the resolved signing key and
// requires a non-empty cpf claim.
func (c *CredentialIssuer) ValidateIdentityAssertion(ctx context.Context, token string) (*IdentityClaims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, apperror.Validation("signedData is required")
	}
	key, err := c.keys.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(StripBearer(token), claims, func(*jwt.Token) (interface{}, error) {
		return []byte(key), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, apperror.Wrap(ErrInvalidCredential, err)
	}
	cpf, _ := claims["cpf"].(string)
	if strings.TrimSpace(cpf) == "" {
		return nil, apperror.Wrap(ErrInvalidCredential, errors.New("cpf claim missing"))
	}
	return &IdentityClaims{CPF: strings.TrimSpace(cpf), Claims: claims}, nil
}

// IssueSessionToken mints a bearer token bound to sessionID and signed with sessionSecret.
func (c *CredentialIssuer) IssueSessionToken(sessionID, sessionSecret string, ttl time.Duration) (string, error) {
	return IssueSessionToken(sessionID, sessionSecret, ttl)
}

// ValidateSessionToken verifies token against sessionSecret.
func (c *CredentialIssuer) ValidateSessionToken(token, sessionSecret string, allowExpired bool) (*SessionClaims, error) {
	return ValidateSessionToken(token, sessionSecret, allowExpired)
}

// SessionIDFromToken reads the unverified sessionId claim.
func (c *CredentialIssuer) SessionIDFromToken(token string) (string, error) {
	return SessionIDFromToken(token)
}

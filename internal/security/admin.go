package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fidc-session-auth/backend/internal/platform/apperror"
)

// RoleSessionAdmin is the role claim required on the operator API.
const RoleSessionAdmin = "session-admin"

var (
	// ErrAdminUnauthenticated is a missing, malformed, expired or foreign-signed admin token.
	ErrAdminUnauthenticated = apperror.Unauthorized("missing or invalid authorization")
	// ErrAdminForbidden is a valid admin token without the session-admin role.
	ErrAdminForbidden = apperror.Forbidden("session admin role required")
)

// AdminClaims is the operator token payload: {sub, role, iat, exp}.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueAdminToken signs an operator token for subject with role (HS256).
func IssueAdminToken(subject, role, secret string, ttl time.Duration) (string, error) {
	if subject == "" || secret == "" {
		return "", apperror.Processing("failed to issue admin token", errors.New("subject and secret are required"))
	}
	now := time.Now().UTC()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", apperror.Processing("failed to issue admin token", err)
	}
	return signed, nil
}

// ValidateAdminToken verifies token against secret and requires an exp, a subject and the
// session-admin role. An empty secret rejects every token.
func ValidateAdminToken(token, secret string) (*AdminClaims, error) {
	raw := StripBearer(token)
	if raw == "" || secret == "" {
		return nil, ErrAdminUnauthenticated
	}
	parsed, err := jwt.ParseWithClaims(raw, &AdminClaims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, apperror.Wrap(ErrAdminUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(*AdminClaims)
	if !ok || claims.Subject == "" {
		return nil, ErrAdminUnauthenticated
	}
	if claims.Role != RoleSessionAdmin {
		return nil, ErrAdminForbidden
	}
	return claims, nil
}

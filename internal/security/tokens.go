package security

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fidc-session-auth/backend/internal/platform/apperror"
)

var (
	// ErrTokenMalformed is returned when a bearer token cannot be decoded or lacks sessionId.
	ErrTokenMalformed = apperror.Validation("malformed access token")
	// ErrTokenExpired is returned when a correctly signed bearer token is past its exp.
	ErrTokenExpired = apperror.Validation("access token expired")
	// ErrTokenSignature is returned when a bearer token was not signed with the session's secret.
	ErrTokenSignature = apperror.Unauthorized("invalid access token signature")
)

// SessionClaims is the bearer token payload: {sessionId, iat, exp}.
type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sessionId"`
}

// StripBearer removes a leading "Bearer " (any case) and surrounding spaces.
func StripBearer(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}

// IssueSessionToken signs {sessionId, iat, exp} with the session's own secret (HS256).
func IssueSessionToken(sessionID, sessionSecret string, ttl time.Duration) (string, error) {
	if sessionID == "" || sessionSecret == "" {
		return "", apperror.Processing("failed to issue access token", errors.New("session id and secret are required"))
	}
	now := time.Now().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: sessionID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(sessionSecret))
	if err != nil {
		return "", apperror.Processing("failed to issue access token", err)
	}
	return signed, nil
}

// ValidateSessionToken verifies token against sessionSecret. With allowExpired, a correctly
// signed but expired token still yields its claims; the signature is always checked.
func ValidateSessionToken(token, sessionSecret string, allowExpired bool) (*SessionClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if allowExpired {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	parsed, err := jwt.ParseWithClaims(StripBearer(token), &SessionClaims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(sessionSecret), nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, apperror.Wrap(ErrTokenMalformed, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, apperror.Wrap(ErrTokenExpired, err)
		default:
			return nil, apperror.Wrap(ErrTokenSignature, err)
		}
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || claims.SessionID == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// ExtractClaims decodes the payload without verifying the signature and returns only the
// requested fields that are present. Use it for routing, never for authorization.
func ExtractClaims(token string, fields ...string) (map[string]any, error) {
	raw := StripBearer(token)
	if strings.Count(raw, ".") != 2 {
		return nil, ErrTokenMalformed
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, apperror.Wrap(ErrTokenMalformed, err)
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := claims[f]; ok && v != nil {
			out[f] = v
		}
	}
	return out, nil
}

// SessionIDFromToken returns the unverified sessionId claim.
func SessionIDFromToken(token string) (string, error) {
	claims, err := ExtractClaims(token, "sessionId")
	if err != nil {
		return "", err
	}
	id, ok := claims["sessionId"].(string)
	if !ok || id == "" {
		return "", ErrTokenMalformed
	}
	return id, nil
}

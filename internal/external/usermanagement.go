package external

import (
	"context"
	"errors"
	"log/slog"

	"fidc-session-auth/backend/internal/platform/apperror"
	"fidc-session-auth/backend/internal/session/domain"
)

// ErrUserNotFound is returned when the user-management service has no record for (partner, cpf).
var ErrUserNotFound = apperror.NotFound("user not found")

// UserProfile is the profile, fund and relationship snapshot for one (partner, cpf).
type UserProfile struct {
	UserInfo      domain.UserInfo       `json:"userInfo"`
	Fund          domain.Fund           `json:"fund"`
	Relationships []domain.Relationship `json:"relationshipList"`
}

// UserManagementClient calls GET {base}/users.
type UserManagementClient struct {
	c *httpClient
}

// NewUserManagementClient returns a client for the user-management service at baseURL.
func NewUserManagementClient(baseURL string, opts Options, logger *slog.Logger) *UserManagementClient {
	return &UserManagementClient{c: newHTTPClient("user_management", baseURL, opts, logger)}
}

// GetUser fetches the profile for (partner, cpf).
func (u *UserManagementClient) GetUser(ctx context.Context, partner, cpf string) (*UserProfile, error) {
	u.c.logger.Debug("external: get user", "partner", partner, "cpf", domain.MaskCPF(cpf))
	var out UserProfile
	err := u.c.get(ctx, "/users", map[string]string{"partner": partner, "cpf": cpf}, &out)
	if errors.Is(err, errNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, apperror.Infrastructure(apperror.ComponentUserManagement, "user management service unavailable", err)
	}
	if out.Relationships == nil {
		out.Relationships = []domain.Relationship{}
	}
	return &out, nil
}

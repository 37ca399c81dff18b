package external

import (
	"context"
	"errors"
	"log/slog"

	"fidc-session-auth/backend/internal/platform/apperror"
	"fidc-session-auth/backend/internal/session/domain"
)

// PermissionClient calls GET {base}/permissions.
type PermissionClient struct {
	c *httpClient
}

// NewPermissionClient returns a client for the permission service at baseURL.
func NewPermissionClient(baseURL string, opts Options, logger *slog.Logger) *PermissionClient {
	return &PermissionClient{c: newHTTPClient("fidc_permission", baseURL, opts, logger)}
}

// GetPermissions returns the permission set for (partner, cpf), scoped to relationshipID when
// it is non-empty. A 404 means no permissions.
func (p *PermissionClient) GetPermissions(ctx context.Context, partner, cpf, relationshipID string) ([]string, error) {
	p.c.logger.Debug("external: get permissions", "partner", partner, "cpf", domain.MaskCPF(cpf), "relationship_id", relationshipID)
	var out struct {
		Permissions []string `json:"permissions"`
	}
	headers := map[string]string{"partner": partner, "cpf": cpf, "relationshipId": relationshipID}
	err := p.c.get(ctx, "/permissions", headers, &out)
	if errors.Is(err, errNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, apperror.Infrastructure(apperror.ComponentPermission, "permission service unavailable", err)
	}
	if out.Permissions == nil {
		return []string{}, nil
	}
	return out.Permissions, nil
}

package service

import (
	"sort"
	"strings"

	"fidc-session-auth/backend/internal/platform/apperror"
	"fidc-session-auth/backend/internal/session/domain"
)

// validateCreate checks the CreateSession inputs that need no collaborator and returns the parsed channel.
func validateCreate(req CreateSessionRequest) (domain.Channel, error) {
	if err := requireHeaders(map[string]string{
		"signedData":  req.SignedData,
		"partner":     req.Partner,
		"user-agent":  req.UserAgent,
		"channel":     req.Channel,
		"fingerprint": req.Fingerprint,
	}); err != nil {
		return "", err
	}
	channel, err := domain.ParseChannel(req.Channel)
	if err != nil {
		return "", err
	}
	if err := domain.ValidatePartner(req.Partner); err != nil {
		return "", err
	}
	if err := req.Location.Validate(); err != nil {
		return "", err
	}
	return channel, nil
}

// requireHeaders fails with a validation error naming every blank value, in name order.
func requireHeaders(values map[string]string) error {
	var missing []string
	for name, v := range values {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return apperror.Validation("required values are missing: " + strings.Join(missing, ", "))
}

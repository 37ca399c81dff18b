package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretSource reads {"signingKey": "..."} from a Secrets Manager secret.
type AWSSecretSource struct {
	Client   SecretsManagerAPI
	SecretID string
}

func (s *AWSSecretSource) Name() string { return "aws_secrets_manager" }

func (s *AWSSecretSource) SigningKey(ctx context.Context) (string, error) {
	out, err := s.Client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(s.SecretID)})
	if err != nil {
		return "", fmt.Errorf("secretsmanager: get %s: %w", s.SecretID, err)
	}
	raw := aws.ToString(out.SecretString)
	if raw == "" {
		return "", errors.New("secretsmanager: secret has no string value")
	}
	var payload struct {
		SigningKey string `json:"signingKey"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", fmt.Errorf("secretsmanager: decode secret: %w", err)
	}
	return payload.SigningKey, nil
}

// CredentialServiceSource fetches the key from the sibling credential service at GET {BaseURL}/jwt-secret.
type CredentialServiceSource struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (s *CredentialServiceSource) Name() string { return "credential_service" }

func (s *CredentialServiceSource) SigningKey(ctx context.Context) (string, error) {
	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(s.BaseURL, "/")+"/jwt-secret", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("credential service: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("credential service: request failed status=%d body=%s", resp.StatusCode, string(body))
	}
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("credential service: decode response: %w", err)
	}
	return payload.Secret, nil
}

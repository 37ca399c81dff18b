package apperror

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain error", errors.New("boom"), KindUnknown},
		{"validation", Validation("partner is required"), KindValidation},
		{"wrapped not found", fmt.Errorf("cache: %w", NotFound("session not found")), KindNotFound},
		{"infrastructure", Infrastructure(ComponentRedis, "redis unavailable", cause), KindInfrastructure},
		{"processing", Processing("internal error", cause), KindProcessing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrap_KeepsSentinelIdentity(t *testing.T) {
	sentinel := Unauthorized("invalid session token signature")
	cause := errors.New("signature is invalid")

	err := Wrap(sentinel, cause)
	if !errors.Is(err, sentinel) {
		t.Fatal("errors.Is(wrapped, sentinel) = false")
	}
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is(wrapped, cause) = false")
	}
	if errors.Is(err, Unauthorized("invalid session token signature")) {
		t.Error("wrapped error should not match a different sentinel with the same message")
	}
	e, ok := As(err)
	if !ok {
		t.Fatal("As returned false")
	}
	if e.Message != sentinel.Message || e.Kind != KindUnauthorized {
		t.Errorf("As = %+v", e)
	}
	if Wrap(sentinel, nil) != sentinel {
		t.Error("Wrap with nil cause should return the sentinel")
	}
}

func TestInfrastructure_CarriesComponent(t *testing.T) {
	err := fmt.Errorf("service: %w", Infrastructure(ComponentPermission, "permission service unavailable", errors.New("timeout")))
	e, ok := As(err)
	if !ok {
		t.Fatal("As returned false")
	}
	if e.Component != ComponentPermission {
		t.Errorf("Component = %q, want %q", e.Component, ComponentPermission)
	}
	if e.Error() != "permission service unavailable: timeout" {
		t.Errorf("Error() = %q", e.Error())
	}
}

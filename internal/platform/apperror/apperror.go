// Package apperror defines the error taxonomy shared by the session service layers.
// Handlers map Kind (and Component, for infrastructure failures) to transport status codes.
package apperror

import "errors"

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindRateLimited
	KindInfrastructure
	KindProcessing
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindInfrastructure:
		return "infrastructure"
	case KindProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Component tags the dependency an infrastructure error originated from.
type Component string

const (
	ComponentRedis             Component = "redis"
	ComponentPostgres          Component = "postgres"
	ComponentSessionRepository Component = "session_repository"
	ComponentUserManagement    Component = "user_management"
	ComponentPermission        Component = "fidc_permission"
	ComponentSecretStore       Component = "secret_store"
	ComponentCredentialService Component = "credential_service"
	ComponentPolicy            Component = "policy"
)

// Error is a classified application error. Message is safe to show to callers;
// Err carries the underlying cause for logs.
type Error struct {
	Kind      Kind
	Component Component
	Message   string
	Err       error

	sentinel *Error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether e was derived from target via Wrap.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.sentinel != nil && e.sentinel == t
}

func Validation(msg string) *Error   { return &Error{Kind: KindValidation, Message: msg} }
func NotFound(msg string) *Error     { return &Error{Kind: KindNotFound, Message: msg} }
func Unauthorized(msg string) *Error { return &Error{Kind: KindUnauthorized, Message: msg} }
func Forbidden(msg string) *Error    { return &Error{Kind: KindForbidden, Message: msg} }
func RateLimited(msg string) *Error  { return &Error{Kind: KindRateLimited, Message: msg} }

// Infrastructure returns an error for a failed dependency call, tagged with its component.
func Infrastructure(component Component, msg string, err error) *Error {
	return &Error{Kind: KindInfrastructure, Component: component, Message: msg, Err: err}
}

// Processing wraps an unexpected failure. The message is generic; the cause stays in Err.
func Processing(msg string, err error) *Error {
	return &Error{Kind: KindProcessing, Message: msg, Err: err}
}

// Wrap returns a copy of sentinel carrying err as its cause, so errors.Is(result, sentinel) still holds.
func Wrap(sentinel *Error, err error) error {
	if err == nil {
		return sentinel
	}
	return &Error{
		Kind:      sentinel.Kind,
		Component: sentinel.Component,
		Message:   sentinel.Message,
		Err:       err,
		sentinel:  sentinel,
	}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindUnknown if err is not classified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// Package autherr defines the error taxonomy shared by the SSO, identity and
// RBAC packages. Every failure that crosses a handler boundary is converted to
// one of the kinds below so callers can branch on a stable value.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, user-visible error category.
type Kind string

const (
	KindConfigNotFound      Kind = "config_not_found"
	KindUnsupportedProvider Kind = "unsupported_provider"
	KindValidationFailed    Kind = "validation_failed"
	KindNetworkError        Kind = "network_error"
	KindUserResolution      Kind = "user_resolution_error"
	KindRoleCycle           Kind = "role_cycle"
)

// Sentinels usable with errors.Is.
var (
	ErrConfigNotFound      = &Error{Kind: KindConfigNotFound, Message: "provider configuration not found"}
	ErrUnsupportedProvider = &Error{Kind: KindUnsupportedProvider, Message: "unsupported provider type"}
	ErrValidationFailed    = &Error{Kind: KindValidationFailed, Message: "validation failed"}
	ErrNetwork             = &Error{Kind: KindNetworkError, Message: "identity provider unreachable"}
	ErrUserResolution      = &Error{Kind: KindUserResolution, Message: "unable to resolve user"}
	ErrRoleCycle           = &Error{Kind: KindRoleCycle, Message: "role hierarchy contains a cycle"}
)

// Error is a classified failure. Message is safe to show to end users; Err
// carries the internal cause and is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNetwork) works
// regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatus maps the kind to the status code returned to clients.
func (e *Error) HTTPStatus() int {
	return StatusFor(e.Kind)
}

// StatusFor returns the HTTP status for a kind.
func StatusFor(k Kind) int {
	switch k {
	case KindConfigNotFound:
		return http.StatusNotFound
	case KindUnsupportedProvider:
		return http.StatusBadRequest
	case KindValidationFailed:
		return http.StatusUnauthorized
	case KindNetworkError:
		return http.StatusBadGateway
	case KindUserResolution:
		return http.StatusUnprocessableEntity
	case KindRoleCycle:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func newf(k Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Err: cause}
}

// ConfigNotFound reports an unknown or disabled provider/org.
func ConfigNotFound(format string, args ...interface{}) *Error {
	return newf(KindConfigNotFound, nil, format, args...)
}

// Unsupported reports a provider type outside the closed set.
func Unsupported(format string, args ...interface{}) *Error {
	return newf(KindUnsupportedProvider, nil, format, args...)
}

// Validation reports a protocol validation failure.
func Validation(cause error, format string, args ...interface{}) *Error {
	return newf(KindValidationFailed, cause, format, args...)
}

// Network reports an unreachable or timed out provider.
func Network(cause error, format string, args ...interface{}) *Error {
	return newf(KindNetworkError, cause, format, args...)
}

// UserResolution reports an identity that cannot be mapped to a local user.
func UserResolution(cause error, format string, args ...interface{}) *Error {
	return newf(KindUserResolution, cause, format, args...)
}

// RoleCycle reports a role hierarchy that would not terminate.
func RoleCycle(path []string) *Error {
	return newf(KindRoleCycle, nil, "role hierarchy contains a cycle: %v", path)
}

// KindOf extracts the kind from err, or "" if err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As returns the classified error, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

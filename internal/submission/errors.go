package submission

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failed submission.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindRateLimited
	KindAlreadySubscribed
	KindProviderConfig
	KindProviderRejected
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindRateLimited:
		return "rate_limited"
	case KindAlreadySubscribed:
		return "already_subscribed"
	case KindProviderConfig:
		return "provider_config"
	case KindProviderRejected:
		return "provider_rejected"
	case KindTransport:
		return "transport_error"
	}
	return "unknown"
}

// Sentinels for errors.Is on a *Error.
var (
	ErrValidation        = errors.New("validation error")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrProviderConfig    = errors.New("provider configuration error")
	ErrProviderRejected  = errors.New("provider rejected submission")
	ErrTransport         = errors.New("provider unreachable")
)

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindRateLimited:
		return ErrRateLimited
	case KindAlreadySubscribed:
		return ErrAlreadySubscribed
	case KindProviderConfig:
		return ErrProviderConfig
	case KindProviderRejected:
		return ErrProviderRejected
	case KindTransport:
		return ErrTransport
	}
	return nil
}

// Error is a failed submission. Message is always safe to show the visitor;
// Err carries the underlying cause for server-side logs.
type Error struct {
	Kind    Kind
	Field   string // set for KindValidation
	Message string
	// Status is the provider's HTTP status for KindProviderRejected.
	Status     int
	RetryAfter time.Duration // set for KindRateLimited
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// SafeMessage returns the visitor-facing message.
func (e *Error) SafeMessage() string { return e.Message }

// HTTPStatus maps the kind to the response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindAlreadySubscribed:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindProviderConfig:
		return http.StatusInternalServerError
	case KindProviderRejected:
		if e.Status >= 400 && e.Status < 600 {
			return e.Status
		}
		return http.StatusBadGateway
	}
	return http.StatusBadGateway
}

func validationError(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

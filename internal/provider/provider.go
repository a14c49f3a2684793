package provider

import (
	"context"
	"fmt"

	"github.com/unclebandit/campaign-engine/internal/model"
)

// ErrorKind tags a provider failure as retryable or not. The delivery worker's
// retry decision is a pure function of this tag.
type ErrorKind string

const (
	// Permanent: invalid recipient, rejected payload. Never retried.
	Permanent ErrorKind = "permanent"
	// Transient: timeout, 5xx, provider rate limit. Retried with backoff.
	Transient ErrorKind = "transient"
)

// Error is the tagged failure returned by provider implementations.
type Error struct {
	Kind  ErrorKind
	Code  string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider error (%s/%s): %v", e.Kind, e.Code, e.Cause)
	}
	return fmt.Sprintf("provider error (%s/%s)", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

func NewPermanent(code string, cause error) *Error {
	return &Error{Kind: Permanent, Code: code, Cause: cause}
}

func NewTransient(code string, cause error) *Error {
	return &Error{Kind: Transient, Code: code, Cause: cause}
}

// Provider sends one rendered message to one recipient and returns the
// provider-side message ID. Failures must be a *Error; anything else is
// treated as transient by callers.
type Provider interface {
	Send(ctx context.Context, creds model.ProviderCredentials, to, body string) (string, error)
}

package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels). Handlers map these to wire codes with errors.Is;
// adapters wrap them with op= context.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrConcurrentLimit     = errors.New("concurrent job limit exceeded")
	ErrNoEligibleAccounts  = errors.New("no eligible accounts")
	ErrInvalidJobState     = errors.New("invalid job state")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrTransient           = errors.New("transient failure")
	ErrInternal            = errors.New("internal error")
)

// Token verification failures. Each wraps ErrUnauthenticated so a single
// errors.Is covers the HTTP mapping while callers can still tell the
// failure modes apart.
var (
	ErrTokenMalformed    = fmt.Errorf("token malformed: %w", ErrUnauthenticated)
	ErrTokenBadSignature = fmt.Errorf("token bad signature: %w", ErrUnauthenticated)
	ErrTokenExpired      = fmt.Errorf("token expired: %w", ErrUnauthenticated)
	ErrTokenWrongKind    = fmt.Errorf("token wrong kind: %w", ErrUnauthenticated)
)

// InsufficientCreditsError carries the required/available pair surfaced to
// the caller when admission rejects a submission.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string { return "insufficient credits" }

// Unwrap makes errors.Is(err, ErrInsufficientCredits) hold.
func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

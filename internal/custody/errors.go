package custody

import (
	"errors"
)

// Error kinds surfaced by the custody core. Callers test for them with errors.Is.
var (
	ErrInvalidConfiguration      = errors.New("invalid configuration")
	ErrInvalidState              = errors.New("invalid state")
	ErrUnauthorizedParticipant   = errors.New("unauthorized participant")
	ErrDuplicateContribution     = errors.New("duplicate contribution")
	ErrPrecursorMissing          = errors.New("precursor missing")
	ErrSessionExpired            = errors.New("session expired")
	ErrRequestExpired            = errors.New("request expired")
	ErrNonceReuseDetected        = errors.New("nonce reuse detected")
	ErrMalformedShare            = errors.New("malformed share")
	ErrInsufficientContributions = errors.New("insufficient contributions")
	ErrInsufficientShares        = errors.New("insufficient shares")
	ErrConcurrentUpdateConflict  = errors.New("concurrent update conflict")
	ErrNotFound                  = errors.New("not found")
)

var kinds = []struct {
	err  error
	name string
}{
	// Nonce reuse is checked first so a wrapped reuse error is never reported under a milder kind.
	{ErrNonceReuseDetected, "NonceReuseDetected"},
	{ErrInvalidConfiguration, "InvalidConfiguration"},
	{ErrInvalidState, "InvalidState"},
	{ErrUnauthorizedParticipant, "UnauthorizedParticipant"},
	{ErrDuplicateContribution, "DuplicateContribution"},
	{ErrPrecursorMissing, "PrecursorMissing"},
	{ErrSessionExpired, "SessionExpired"},
	{ErrRequestExpired, "RequestExpired"},
	{ErrMalformedShare, "MalformedShare"},
	{ErrInsufficientContributions, "InsufficientContributions"},
	{ErrInsufficientShares, "InsufficientShares"},
	{ErrConcurrentUpdateConflict, "ConcurrentUpdateConflict"},
	{ErrNotFound, "NotFound"},
}

// KindOf returns the stable name of the error kind carried by err, or "Internal".
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// IsRetryable reports whether the caller may re-read the record and try again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdateConflict)
}

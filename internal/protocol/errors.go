package protocol

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidExpiry       = errors.New("invalid expiry (must be in the future)")
	ErrAlreadyConfirmed    = errors.New("already confirmed")
	ErrCommitmentMismatch  = errors.New("commitment mismatch")
	ErrHandshakeIncomplete = errors.New("handshake incomplete")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidInput        = errors.New("invalid input")
)

// kinds pairs each sentinel with the stable code transports expose to callers.
var kinds = []struct {
	err  error
	code string
}{
	{ErrNotFound, "not_found"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidExpiry, "invalid_expiry"},
	{ErrAlreadyConfirmed, "already_confirmed"},
	{ErrCommitmentMismatch, "commitment_mismatch"},
	{ErrHandshakeIncomplete, "handshake_incomplete"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidInput, "invalid_input"},
}

// Kind returns the machine-readable code of a protocol error, or "internal"
// when err does not wrap one of the sentinels.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal"
}

// FromKind is the inverse of Kind. It returns nil for unknown codes.
func FromKind(code string) error {
	for _, k := range kinds {
		if k.code == code {
			return k.err
		}
	}
	return nil
}

// IsInputError reports whether err was caused by malformed caller input.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInvalidExpiry)
}

// IsPrecondition reports whether err is a protocol precondition violation:
// terminal for the call, but the caller may retry after the counterparty acts
// or after correcting its own state.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrAlreadyConfirmed) ||
		errors.Is(err, ErrCommitmentMismatch) ||
		errors.Is(err, ErrHandshakeIncomplete) ||
		errors.Is(err, ErrInsufficientFunds)
}

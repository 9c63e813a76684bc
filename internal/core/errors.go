// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by every codec. Operations wrap them with context,
// callers match with errors.Is.
var (
	// Wire decoding errors
	ErrMalformedInput = errors.New("nepwire: malformed input")
	ErrLengthMismatch = errors.New("nepwire: length mismatch")
	ErrFieldViolation = errors.New("nepwire: field violation")

	// Builder errors
	ErrCapacityExceeded = errors.New("nepwire: capacity exceeded")
	ErrWrongVariant     = errors.New("nepwire: field not present in message type")

	// Secure framing errors
	ErrAuthenticationFailure = errors.New("nepwire: authentication failure")

	// Field spec errors
	ErrUnknownTag = errors.New("nepwire: unknown field spec tag")

	// Session errors
	ErrSessionState = errors.New("nepwire: operation not valid in session state")

	// Configuration errors
	ErrConfigInvalid = errors.New("nepwire: invalid configuration")
)

// Reason maps err to a short label for metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrMalformedInput):
		return "malformed_input"
	case errors.Is(err, ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, ErrFieldViolation):
		return "field_violation"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrWrongVariant):
		return "wrong_variant"
	case errors.Is(err, ErrAuthenticationFailure):
		return "authentication_failure"
	case errors.Is(err, ErrUnknownTag):
		return "unknown_tag"
	case errors.Is(err, ErrSessionState):
		return "session_state"
	}
	return "other"
}

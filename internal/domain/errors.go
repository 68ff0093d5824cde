package domain

import "errors"

// Error kinds surfaced by the core. Components wrap these with context using %w,
// callers match them with errors.Is.
var (
	ErrDuplicateIdentity   = errors.New("identity already exists")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrNotFound            = errors.New("not found")
	ErrUnknownParticipant  = errors.New("unknown participant")
	ErrSchedulingConflict  = errors.New("scheduling conflict")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrInvalidInput        = errors.New("invalid input")
)

// KindOf names the error kind of err, or "internal" when err carries none of them.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateIdentity):
		return "duplicate_identity"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnknownParticipant):
		return "unknown_participant"
	case errors.Is(err, ErrSchedulingConflict):
		return "scheduling_conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrAuthorizationDenied):
		return "authorization_denied"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}

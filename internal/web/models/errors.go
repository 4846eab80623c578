package models

import "errors"

// Error taxonomy shared by the store, the composer and the HTTP layer.
// Concrete errors wrap one of these with fmt.Errorf("%w: ...").
var (
	// ErrValidation: a required field is missing or malformed, or the
	// action is not allowed in the record's current state.
	ErrValidation = errors.New("validation failed")

	// ErrPermission: the caller's role lacks the right for the action.
	ErrPermission = errors.New("permission denied")

	// ErrNotFound: the id does not exist in the caller's organization.
	ErrNotFound = errors.New("not found")

	// ErrBackend: a transient storage or network failure.
	ErrBackend = errors.New("backend unavailable")
)

// ErrorCode returns a stable machine-readable code for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrPermission):
		return "PERMISSION_DENIED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrBackend):
		return "BACKEND_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

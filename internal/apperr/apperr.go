package apperr

import "errors"

// Error categories surfaced by the ingestion and aggregation paths.
// Callers match them with errors.Is; the wrapped chain keeps the cause.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("conflict")
	ErrStorageFailure = errors.New("storage failure")
)

// Retryable reports whether the caller may retry the operation unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStorageFailure)
}

package cluster

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the sync engine. Callers match them with errors.Is.
var (
	ErrValidation     = errors.New("validation failed")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrTransport      = errors.New("transport error")
	ErrIntegrity      = errors.New("snapshot integrity check failed")
	ErrApply          = errors.New("apply failed")
	ErrNotFound       = errors.New("not found")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrWrongRole      = errors.New("operation not available in current node mode")
)

// ValidationErrorf returns an ErrValidation carrying a field-specific message.
func ValidationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// TransportError wraps a network level failure.
func TransportError(err error) error {
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// ApplyError wraps a failure in the named stage of applying a snapshot
// ("repository" or "reload").
func ApplyError(stage string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrApply, stage, err)
}

// IsRetryable reports whether a later attempt could succeed without operator action.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}

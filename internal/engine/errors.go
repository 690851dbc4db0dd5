package engine

import (
	"errors"
	"fmt"

	"github.com/prudhvinik1/ledgersync/internal/models"
)

// OperationError ties a failure to the queued operation it belongs to.
type OperationError struct {
	OperationID string
	Table       string
	Kind        models.OperationKind
	Err         error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Kind, e.Table, e.OperationID, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Classify maps err onto one of the models error classes. Errors that carry no
// class are treated as connectivity failures: retrying is safe because creates
// are idempotent on ClientRef, while rolling back would lose user data.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrAuthorization):
		return models.ErrAuthorization
	case errors.Is(err, models.ErrValidation):
		return models.ErrValidation
	case errors.Is(err, models.ErrStorageUnavailable):
		return models.ErrStorageUnavailable
	case errors.Is(err, models.ErrExhaustedRetry):
		return models.ErrExhaustedRetry
	default:
		return models.ErrConnectivity
	}
}

// IsFatal reports whether err must be rolled back instead of retried.
func IsFatal(err error) bool {
	class := Classify(err)
	return class == models.ErrAuthorization || class == models.ErrValidation
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrValidation, fmt.Sprintf(format, args...))
}

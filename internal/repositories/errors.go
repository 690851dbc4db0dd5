package repositories

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prudhvinik1/ledgersync/internal/models"
)

var (
	ErrNotFound      = fmt.Errorf("not found: %w", models.ErrValidation)
	ErrOwnerMismatch = fmt.Errorf("record belongs to another owner: %w", models.ErrAuthorization)
)

// classify wraps a database error with the class the engine retries or rolls back on.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501":
			return fmt.Errorf("%s: %w: %w", op, models.ErrAuthorization, err)
		case len(pgErr.Code) == 5 && (pgErr.Code[:2] == "22" || pgErr.Code[:2] == "23"):
			return fmt.Errorf("%s: %w: %w", op, models.ErrValidation, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrConnectivity, err)
}

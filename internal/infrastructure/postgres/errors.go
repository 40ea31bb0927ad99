package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drfirst/go-opd/internal/domain/opd"
)

// SQLSTATE codes treated as concurrent modification
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
	sqlStateForeignKeyViolation  = "23503"
	sqlStateInvalidDatetime      = "22007"
	sqlStateInvalidText          = "22P02"
)

// classify maps a driver error onto the orchestrator taxonomy. what and id
// describe the row for NotFound messages.
func classify(op, what, id string, err error) error {
	if err == nil {
		return nil
	}
	var classified *opd.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return opd.NotFound(op, what, id)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateUniqueViolation:
			return opd.Conflict(op, pgErr.Message, err)
		case sqlStateForeignKeyViolation:
			return opd.NewError(opd.KindNotFound, op, pgErr.Detail, err)
		case sqlStateInvalidDatetime, sqlStateInvalidText:
			return opd.NewError(opd.KindValidation, op, pgErr.Message, err)
		}
	}

	// connection loss, timeouts and cancellation are all retryable
	return opd.Network(op, err)
}

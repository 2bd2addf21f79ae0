package backend

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/capitalize-ai/messaging-core/internal/errs"
)

// errNotFound is returned when an update matched no row the caller may
// change.
var errNotFound = errors.New("no matching row for this user")

// classify maps a driver error onto the error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return errs.Conflict(op, err)
		case "42501", "28000", "28P01":
			return errs.Authorization(op, err)
		case "22P02", "22001", "23502", "23503", "23514":
			return errs.Validation(op, pgErr.Message)
		case "40001", "40P01", "53300", "57P01", "57014":
			return errs.Transient(op, err)
		}
		if strings.HasPrefix(pgErr.Code, "08") {
			return errs.Transient(op, err)
		}
		return &errs.Error{Op: op, Err: err}
	}

	if errors.Is(err, errNotFound) {
		return errs.Authorization(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return errs.Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.Transient(op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return errs.Transient(op, err)
	}
	return &errs.Error{Op: op, Err: err}
}

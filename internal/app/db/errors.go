package db

import (
	"errors"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the membership store reacts to.
const (
	sqlStateUniqueViolation      = "23505"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// sqlState returns the SQLSTATE carried by err, or "" when err did not come from the server.
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	return pgErr.Code
}

func hasSQLState(err error, codes ...string) bool {
	state := sqlState(err)
	return state != "" && slices.Contains(codes, state)
}

// IsUniqueViolation reports a duplicate meeting code on insert.
func IsUniqueViolation(err error) bool {
	return hasSQLState(err, sqlStateUniqueViolation)
}

// IsSerializationFailure reports a conflict with a concurrent membership update. Both codes are
// safe to retry.
func IsSerializationFailure(err error) bool {
	return hasSQLState(err, sqlStateSerializationFailure, sqlStateDeadlockDetected)
}

// IsNoRows reports a lookup of a meeting that does not exist.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// UniqueViolation is the SQLSTATE Postgres reports for a unique index hit.
const UniqueViolation = "23505"

// IsUniqueViolation reports whether err carries a unique-constraint
// violation. pgx errors are matched on their SQLSTATE; errors relayed by
// PostgREST only carry the code in their message.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == UniqueViolation
	}
	msg := err.Error()
	return strings.Contains(msg, "("+UniqueViolation+")") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

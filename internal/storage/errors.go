package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is matched by every missing-row error of the gateway.
	ErrNotFound       = errors.New("not found")
	ErrUserNotFound   = fmt.Errorf("user %w", ErrNotFound)
	ErrThreadNotFound = fmt.Errorf("thread %w", ErrNotFound)
	// ErrConflict reports a uniqueness or precondition violation.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable wraps driver and connection failures. It is retryable.
	ErrUnavailable = errors.New("storage unavailable")
	ErrInvalidRole = errors.New("invalid message role")
)

// opError keeps both the classification and the driver cause reachable via
// errors.Is / errors.As.
type opError struct {
	op    string
	kind  error
	cause error
}

func (e *opError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.op, e.kind, e.cause)
}

func (e *opError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

// classify maps a raw driver error into the gateway taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict),
		errors.Is(err, ErrUnavailable), errors.Is(err, ErrInvalidRole):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case isUniqueViolation(err):
		return &opError{op: op, kind: ErrConflict, cause: err}
	default:
		return &opError{op: op, kind: ErrUnavailable, cause: err}
	}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

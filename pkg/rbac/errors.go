package rbac

import (
	"errors"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a referenced user, role, group or permission does not exist
	ErrNotFound = errors.New("rbac: not found")

	// ErrConflict is returned on a uniqueness violation
	ErrConflict = errors.New("rbac: conflict")

	// ErrProtected is returned when renaming or deleting a built-in role
	ErrProtected = errors.New("rbac: built-in role is protected")

	// ErrInvalidInput is returned when a required field is missing or malformed
	ErrInvalidInput = errors.New("rbac: invalid input")

	// ErrNotConfigured is returned when the authorization service has no resolver
	ErrNotConfigured = errors.New("rbac: authorization service not configured")

	// ErrCheckFailed is returned when a permission check could not be evaluated
	ErrCheckFailed = errors.New("rbac: authorization check failed")
)

// PostgreSQL SQLSTATE codes
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// isUniqueViolation reports whether err is a unique or primary key violation
// from either supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// isForeignKeyViolation reports whether err is a foreign key violation, which
// happens when an endpoint of an association is deleted concurrently.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgForeignKeyViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

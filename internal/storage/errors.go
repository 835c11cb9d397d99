package storage

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound            = errors.New("storage: not found")
	ErrDuplicateIdentifier = errors.New("storage: duplicate identifier")
	ErrDuplicateTimestamp  = errors.New("storage: duplicate timestamp")
	ErrUnknownTravel       = errors.New("storage: unknown travel")
	ErrUnknownMove         = errors.New("storage: unknown move")
	ErrInvalidInterval     = errors.New("storage: invalid interval")
	ErrAlreadyEnded        = errors.New("storage: move already ended")
	ErrOverlappingMove     = errors.New("storage: overlapping move")
	ErrOutOfRange          = errors.New("storage: value out of range")
	ErrMigrationOrder      = errors.New("storage: migration order")
	ErrSchemaTooNew        = errors.New("storage: schema version newer than code")
	ErrStorageUnavailable  = errors.New("storage: unavailable")
)

// MigrationOrderError reports a migration list that cannot be applied in a
// single deterministic pass.
type MigrationOrderError struct {
	Version  int
	Previous int
	Reason   string
}

func (e *MigrationOrderError) Error() string {
	if e.Previous != 0 {
		return fmt.Sprintf("storage: migration order: v%d after v%d: %s", e.Version, e.Previous, e.Reason)
	}
	return fmt.Sprintf("storage: migration order: v%d: %s", e.Version, e.Reason)
}

func (e *MigrationOrderError) Is(target error) bool {
	return target == ErrMigrationOrder
}

// unavailable marks an engine failure while keeping the driver error in the chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/puripuri2100/overmove/internal/config"
	"github.com/puripuri2100/overmove/internal/movement"
	"github.com/puripuri2100/overmove/internal/storage"
)

const (
	ExitCodeSuccess  = 0
	ExitCodeGeneric  = 1
	ExitCodeUsage    = 2
	ExitCodeNotFound = 3
	ExitCodeIO       = 7
)

type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ExitError) ExitCode() int {
	if e == nil {
		return ExitCodeGeneric
	}
	return e.Code
}

func asExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

var usageErrors = []error{
	movement.ErrValidation,
	config.ErrInvalidConfig,
	storage.ErrDuplicateIdentifier,
	storage.ErrDuplicateTimestamp,
	storage.ErrInvalidInterval,
	storage.ErrAlreadyEnded,
	storage.ErrOverlappingMove,
	storage.ErrOutOfRange,
	storage.ErrMigrationOrder,
	storage.ErrSchemaTooNew,
}

var notFoundErrors = []error{
	storage.ErrNotFound,
	storage.ErrUnknownTravel,
	storage.ErrUnknownMove,
}

func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}

	// Storage outages can wrap engine errors that look like anything else, so
	// they are classified first.
	if errors.Is(err, storage.ErrStorageUnavailable) {
		return asExitError(ExitCodeIO, err)
	}
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return asExitError(ExitCodeNotFound, err)
		}
	}
	for _, target := range usageErrors {
		if errors.Is(err, target) {
			return asExitError(ExitCodeUsage, err)
		}
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, os.ErrNotExist) {
		return asExitError(ExitCodeIO, err)
	}
	return asExitError(ExitCodeGeneric, err)
}

func usageErrorf(format string, args ...any) error {
	return &ExitError{
		Code: ExitCodeUsage,
		Err:  fmt.Errorf(format, args...),
	}
}

package metadata

import "errors"

// StoreError represents a domain error from metadata store operations.
//
// These are business logic errors (entry not found, path occupied, stale
// version) as opposed to infrastructure errors (database unreachable, disk
// failure). The dispatcher translates StoreError codes to POSIX-style
// results for the caller.
type StoreError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path is the filesystem path related to the error (if applicable)
	Path string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Path != "" {
		return e.Message + ": " + e.Path
	}
	return e.Message
}

// ErrorCode represents the category of a metadata store error.
type ErrorCode int

const (
	// ErrNotFound indicates the requested entry doesn't exist
	ErrNotFound ErrorCode = iota

	// ErrAlreadyExists indicates an entry with the path already exists
	ErrAlreadyExists

	// ErrPermissionDenied indicates the entry's mode bits forbid the access
	ErrPermissionDenied

	// ErrNotEmpty indicates a directory is not empty (cannot be removed)
	ErrNotEmpty

	// ErrIsDirectory indicates operation expected a file but got a directory
	ErrIsDirectory

	// ErrNotDirectory indicates operation expected a directory but got a file
	ErrNotDirectory

	// ErrConflict indicates a concurrent update won the race: the entry's
	// version advanced between read and write. Callers holding stale state
	// must re-read rather than silently overwrite.
	ErrConflict

	// ErrInvalidArgument indicates invalid parameters were provided
	// Examples: empty path, relative path, invalid mode
	ErrInvalidArgument

	// ErrUnavailable indicates the metadata store is unreachable. The
	// filesystem degrades to read-only for affected paths; the condition is
	// surfaced, never swallowed.
	ErrUnavailable

	// ErrCorrupt indicates the stored record could not be decoded or an
	// internal index disagrees with the entry data. Treated as corruption
	// and surfaced, not auto-repaired.
	ErrCorrupt
)

// NewError constructs a StoreError.
func NewError(code ErrorCode, message, path string) *StoreError {
	return &StoreError{Code: code, Message: message, Path: path}
}

// CodeOf extracts the ErrorCode from an error chain. The second return is
// false when the error is not a StoreError.
func CodeOf(err error) (ErrorCode, bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// IsCode reports whether err carries the given StoreError code.
func IsCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

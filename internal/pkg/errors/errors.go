package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConflict signals a lost compare-and-set race; callers reload and retry.
	ErrConflict = errors.New("conflict")
	// ErrCorrupt signals a stored record that no longer decodes.
	ErrCorrupt = errors.New("corrupt record")
)

// Package apperr defines the sentinel errors shared across the shell.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	// ErrCancelled marks a dialog the user dismissed. It is a valid
	// outcome, not a failure: callers must leave state untouched and
	// must not surface an error message for it.
	ErrCancelled = errors.New("cancelled by user")
	// ErrTimeout marks an invoke call a window failed to answer within
	// the round-trip ceiling.
	ErrTimeout = errors.New("timed out")
)

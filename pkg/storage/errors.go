package storage

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when the addressed row does not exist or does not match the update guard.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateCode is returned when a document code collides with the unique constraint.
	ErrDuplicateCode = errors.New("duplicate document code")
	// ErrConflict is returned when the backend aborted the transaction because of a concurrent one.
	ErrConflict = errors.New("concurrent modification")
	// ErrTxDone is returned when a finished transaction is used.
	ErrTxDone = errors.New("transaction already finished")
)

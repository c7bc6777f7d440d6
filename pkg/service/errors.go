package service

import (
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/pkg/errors"
)

// Sentinels for the engine's error taxonomy. Returned errors wrap exactly one of them with a
// caller-facing message; test with errors.Is or KindOf.
var (
	ErrValidation            = errors.New("validation error")
	ErrInvalidClassification = errors.New("invalid classification")
	ErrInvalidAction         = errors.New("invalid action")
	ErrForbidden             = errors.New("forbidden")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrInternal              = errors.New("internal error")
)

type Kind string

const (
	KindValidation            Kind = "VALIDATION_ERROR"
	KindInvalidClassification Kind = "INVALID_CLASSIFICATION"
	KindInvalidAction         Kind = "INVALID_ACTION"
	KindForbidden             Kind = "FORBIDDEN"
	KindNotFound              Kind = "NOT_FOUND"
	KindConflict              Kind = "CONFLICT"
	KindInternal              Kind = "INTERNAL"
)

// KindOf classifies err. Anything outside the taxonomy is Internal.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInvalidClassification):
		return KindInvalidClassification
	case errors.Is(err, ErrInvalidAction):
		return KindInvalidAction
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// PublicMessage is the text safe to show a caller; internal details stay in the logs.
func PublicMessage(err error) string {
	if KindOf(err) == KindInternal {
		return "internal error, please contact an administrator"
	}
	return err.Error()
}

// internalError keeps the storage or transport cause for logging while matching ErrInternal.
type internalError struct {
	op    string
	cause error
}

func (e *internalError) Error() string { return e.op + ": " + e.cause.Error() }
func (e *internalError) Unwrap() error { return e.cause }
func (e *internalError) Is(target error) bool { return target == ErrInternal }

// fromStorage maps a storage failure into the taxonomy. Errors already in the taxonomy pass through.
func fromStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindInternal {
		return err
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errors.WithMessage(ErrNotFound, op)
	case errors.Is(err, storage.ErrConflict):
		return errors.WithMessage(ErrConflict, "concurrent update, reload and re-evaluate")
	}
	return &internalError{op: op, cause: err}
}

package utils

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an AppError for transport status mapping.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	// KindInvalid marks caller mistakes: bad config values, bad query parameters.
	KindInvalid
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op   string
	Msg  string
	Kind ErrorKind
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an internal AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// NewInvalidError constructs an AppError for rejected input.
func NewInvalidError(op, msg string) error {
	return &AppError{Op: op, Msg: msg, Kind: KindInvalid}
}

// IsInvalid reports whether any AppError in err's chain is KindInvalid.
func IsInvalid(err error) bool {
	var appErr *AppError
	for errors.As(err, &appErr) {
		if appErr.Kind == KindInvalid {
			return true
		}
		err = appErr.Err
	}
	return false
}

package flow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"masterflow/api/internal/store"
)

type Kind string

const (
	KindValidation       Kind = "VALIDATION_ERROR"
	KindConflict         Kind = "CONCURRENCY_CONFLICT"
	KindNotFound         Kind = "NOT_FOUND"
	KindStoreUnavailable Kind = "STORE_UNAVAILABLE"
)

// Error is returned by every controller and aggregator entry point.
// errors.Is matches on Kind, so callers can test against ErrValidation and
// friends without caring about the code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrUnavailable = &Error{Kind: KindStoreUnavailable}
)

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	code := e.Code
	if code == "" {
		code = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || t.Code == e.Code)
}

func validationError(code, message string, details map[string]any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Details: details}
}

func notFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// classify maps a store error onto the taxonomy. Errors that are already
// classified pass through unchanged.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	var flowErr *Error
	if errors.As(err, &flowErr) {
		return err
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: what + " not found", Err: err}
	case errors.Is(err, store.ErrLockTimeout):
		return &Error{Kind: KindConflict, Code: "DOCUMENT_LOCKED", Message: "document is locked by another decision, retry later", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindStoreUnavailable, Code: "STORE_TIMEOUT", Message: "store did not respond in time", Err: err}
	default:
		return &Error{Kind: KindStoreUnavailable, Code: "STORE_UNAVAILABLE", Message: "store request failed", Err: err}
	}
}

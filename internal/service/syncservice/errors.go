package syncservice

import (
	"errors"
	"fmt"
)

// Wire error codes carried in the `{ok:false, code, message}` envelope.
const (
	CodeAuthRequired   = "auth_required"
	CodeForbidden      = "forbidden"
	CodeValidation     = "validation"
	CodeConflictSchema = "conflict_schema"
	CodeNotFound       = "not_found"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
)

// Error is a sync-engine failure carrying its wire code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewError builds an Error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the wire code from an error chain, defaulting to internal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

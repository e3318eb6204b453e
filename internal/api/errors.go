package api

import "errors"

// ErrorCode classifies a sync failure. The sync engine keys its retry policy
// off the code: transient failures retry with backoff, everything else is
// terminal.
type ErrorCode string

const (
	// CodeTransient covers network failures, timeouts and server-unavailable
	// responses. Retry-eligible.
	CodeTransient ErrorCode = "TRANSIENT"
	// CodeConflict means the target entity changed server-side since the
	// action was queued. Terminal.
	CodeConflict ErrorCode = "CONFLICT"
	// CodeValidation means the server rejected the payload. Terminal.
	CodeValidation ErrorCode = "VALIDATION"
	// CodeResolution means a required id lookup failed. Terminal.
	CodeResolution ErrorCode = "RESOLUTION"
)

// Error is a classified sync failure.
type Error struct {
	Code   ErrorCode
	Msg    string
	Status int // HTTP status when the failure came from a response
}

func (e *Error) Error() string {
	return e.Msg
}

// NewTransientError builds a retry-eligible failure.
func NewTransientError(msg string) error {
	return &Error{Code: CodeTransient, Msg: msg}
}

// NewConflictError builds a terminal conflict failure.
func NewConflictError(msg string) error {
	return &Error{Code: CodeConflict, Msg: msg}
}

// NewValidationError builds a terminal payload-rejection failure.
func NewValidationError(msg string) error {
	return &Error{Code: CodeValidation, Msg: msg}
}

// NewResolutionError builds a terminal lookup failure.
func NewResolutionError(msg string) error {
	return &Error{Code: CodeResolution, Msg: msg}
}

func codeOf(err error) (ErrorCode, bool) {
	var ae *Error
	if !errors.As(err, &ae) {
		return "", false
	}
	return ae.Code, true
}

// IsTransient reports whether err is retry-eligible. Unclassified errors
// count as transient: an unknown failure mode must not silently discard user
// intent, so it gets the bounded-retry path.
func IsTransient(err error) bool {
	code, ok := codeOf(err)
	return !ok || code == CodeTransient
}

// IsConflict reports whether err is a server-side conflict.
func IsConflict(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeConflict
}

// IsValidation reports whether err is a payload rejection.
func IsValidation(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeValidation
}

// IsResolution reports whether err is a failed id lookup.
func IsResolution(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeResolution
}

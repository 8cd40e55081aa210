// Package apperr defines the domain error kinds shared across the pipeline.
// Each kind maps to exactly one HTTP status and detail code, so handlers
// never invent ad-hoc status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a domain error.
type Kind int

const (
	// KindUnknown is an unclassified internal error (HTTP 500).
	KindUnknown Kind = iota
	// KindValidation is a malformed or incomplete request.
	KindValidation
	// KindNotFound is a missing entity.
	KindNotFound
	// KindConflict covers phase gating and not-ready downloads.
	KindConflict
	// KindUnauthorized covers admin endpoints without a valid token.
	KindUnauthorized
	// KindProvider is an LLM API failure after retries.
	KindProvider
	// KindJSONGuard means the LLM output was unusable; never retried.
	KindJSONGuard
	// KindEmptyResult means the LLM returned a structurally valid but
	// semantically empty answer for a required field.
	KindEmptyResult
	// KindTimeout means a job crossed its hard time limit.
	KindTimeout
	// KindTooLarge is an upload above the size cap.
	KindTooLarge
)

// Error is a classified domain error with an optional wire code override.
type Error struct {
	Kind Kind
	// Code overrides the kind's default wire code (e.g. PHASE3_NOT_COMPLETED).
	Code    string
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.err }

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, err: err}
}

// WithCode sets an explicit wire code and returns the error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// KindOf extracts the kind from an error chain, KindUnknown if unclassified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// CodeOf returns the wire code for an error.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return defaultCode(KindOf(err))
}

// StatusOf returns the HTTP status for an error.
func StatusOf(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindProvider, KindJSONGuard, KindEmptyResult, KindTimeout:
		// Job-level failures surface through the job record, not as HTTP
		// errors; if one reaches a handler directly it is a server fault.
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func defaultCode(kind Kind) string {
	switch kind {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindProvider:
		return "PROVIDER_ERROR"
	case KindJSONGuard:
		return "JSON_GUARD_ERROR"
	case KindEmptyResult:
		return "EMPTY_RESULT"
	case KindTimeout:
		return "TIMEOUT"
	case KindTooLarge:
		return "FILE_TOO_LARGE"
	default:
		return "INTERNAL_ERROR"
	}
}

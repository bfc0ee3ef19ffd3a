package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation   Code = "VALIDATION_FAILED"
	CodeGuard        Code = "TRANSITION_REJECTED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeForbidden    Code = "FORBIDDEN"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeConflict     Code = "CONFLICT"
	CodeUpstream     Code = "UPSTREAM_FAILED"
	CodeInternal     Code = "INTERNAL"
)

// AppError is the error type every user-facing operation returns. Message is
// safe to show to the end user; Err carries the underlying cause.
type AppError struct {
	Code     Code   `json:"code"`
	Message  string `json:"message"`
	Details  any    `json:"details,omitempty"`
	Err      error  `json:"-"`
	HTTPCode int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches on Code so callers can compare against the sentinels below.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Err == nil
}

func (e *AppError) WithDetails(details any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	type alias struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
		Details any    `json:"details,omitempty"`
	}
	return json.Marshal(&alias{Code: e.Code, Message: e.Message, Details: e.Details})
}

func New(code Code, message string, httpCode int) *AppError {
	return &AppError{Code: code, Message: message, HTTPCode: httpCode}
}

func Wrap(err error, code Code, message string, httpCode int) *AppError {
	return &AppError{Code: code, Message: message, Err: err, HTTPCode: httpCode}
}

// Kind sentinels; match with errors.Is(err, apperrors.ErrGuard).
var (
	ErrValidation   = &AppError{Code: CodeValidation}
	ErrGuard        = &AppError{Code: CodeGuard}
	ErrNotFound     = &AppError{Code: CodeNotFound}
	ErrForbidden    = &AppError{Code: CodeForbidden}
	ErrUnauthorized = &AppError{Code: CodeUnauthorized}
	ErrConflict     = &AppError{Code: CodeConflict}
	ErrUpstream     = &AppError{Code: CodeUpstream}
)

func Validation(message string) *AppError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

func Guard(message string) *AppError {
	return New(CodeGuard, message, http.StatusConflict)
}

func NotFound(message string) *AppError {
	return New(CodeNotFound, message, http.StatusNotFound)
}

func Forbidden(message string) *AppError {
	return New(CodeForbidden, message, http.StatusForbidden)
}

func Unauthorized(message string) *AppError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func Conflict(message string) *AppError {
	return New(CodeConflict, message, http.StatusConflict)
}

// Upstream wraps a failure of an external collaborator (blob store, mailer,
// geocoder) so its message reaches the user.
func Upstream(err error, message string) *AppError {
	return Wrap(err, CodeUpstream, message, http.StatusBadGateway)
}

func Internal(err error, message string) *AppError {
	return Wrap(err, CodeInternal, message, http.StatusInternalServerError)
}

// From converts any error to an AppError, defaulting to an internal error.
func From(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err, "internal error")
}

// Package errors defines the marketplace error taxonomy. Every error that can
// reach a boundary caller matches one of the sentinels below via errors.Is,
// which gives it a stable machine-readable kind and an HTTP status.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrWrongPassphrase = errors.New("wrong passphrase")
	ErrRequestMismatch = errors.New("request mismatch")
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrEscrowFailure   = errors.New("escrow failure")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrTimeout         = errors.New("operation timed out")
	ErrInternal        = errors.New("internal error")
)

// Kind is the stable, machine-readable name of an error category.
type Kind string

const (
	KindWrongPassphrase Kind = "wrong_passphrase"
	KindRequestMismatch Kind = "request_mismatch"
	KindNotFound        Kind = "not_found"
	KindUnauthorized    Kind = "unauthorized"
	KindEscrowFailure   Kind = "escrow_failure"
	KindInvalidInput    Kind = "invalid_input"
	KindConflict        Kind = "conflict"
	KindRateLimited     Kind = "rate_limited"
	KindTimeout         Kind = "timeout"
	KindInternal        Kind = "internal"
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrWrongPassphrase):
		return KindWrongPassphrase
	case errors.Is(err, ErrRequestMismatch):
		return KindRequestMismatch
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrEscrowFailure):
		return KindEscrowFailure
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	default:
		return KindInternal
	}
}

// HTTPStatusCode returns the status an HTTP boundary should answer with.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}

	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindRequestMismatch, KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindWrongPassphrase:
		return http.StatusUnprocessableEntity
	case KindEscrowFailure:
		return http.StatusBadGateway
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error envelope written at HTTP boundaries.
type Body struct {
	Error  Kind   `json:"error"`
	Detail string `json:"detail"`
}

// ToBody renders err for a boundary caller. Unauthorized and internal errors
// get a fixed detail string so no internal detail leaks.
func ToBody(err error) Body {
	kind := KindOf(err)
	switch kind {
	case KindUnauthorized:
		return Body{Error: kind, Detail: "authentication failed"}
	case KindInternal:
		return Body{Error: kind, Detail: "internal error"}
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return Body{Error: kind, Detail: appErr.Message}
	}
	return Body{Error: kind, Detail: err.Error()}
}

// FromStatus maps an upstream HTTP status back onto a sentinel, for clients
// of the marketplace's own services.
func FromStatus(status int) error {
	switch status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest:
		return ErrRequestMismatch
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusConflict:
		return ErrConflict
	case http.StatusBadGateway:
		return ErrEscrowFailure
	default:
		return ErrInternal
	}
}

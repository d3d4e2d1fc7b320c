package ksef

import (
	"errors"
	"fmt"

	"github.com/information-sharing-networks/ksef-gateway/internal/crypto"
)

// ErrorCode classifies failures of the submission gateway.
type ErrorCode string

const (
	// ErrCodeValidation: malformed document or identifier, never retried.
	ErrCodeValidation ErrorCode = "validation"

	// ErrCodeTransientGateway: connection failure or 5xx that survived the client retries.
	ErrCodeTransientGateway ErrorCode = "transient_gateway"

	// ErrCodeAuthExpired: the authority answered 401/403 for the session token.
	ErrCodeAuthExpired ErrorCode = "auth_expired"

	// ErrCodeTerminalRejection: 4xx business rejection, persisted and never retried.
	ErrCodeTerminalRejection ErrorCode = "terminal_rejection"

	// ErrCodeInactiveBuyer: the buyer NIP is reported inactive by the registry.
	ErrCodeInactiveBuyer ErrorCode = "inactive_buyer"

	// ErrCodeRegistryUnavailable: the registry lookup failed. Logged, never blocks delivery.
	ErrCodeRegistryUnavailable ErrorCode = "registry_unavailable"

	// ErrCodePrecondition: status or receipt requested before the authority assigned the identifier.
	ErrCodePrecondition ErrorCode = "precondition"

	ErrCodeNotFound ErrorCode = "not_found"
	ErrCodeInternal ErrorCode = "internal"
)

// Error is the structured error returned by the gateway packages.
type Error struct {
	code    ErrorCode
	message string
	status  int
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrapped)
	}
	return e.message
}

func (e *Error) Code() ErrorCode { return e.code }
func (e *Error) Unwrap() error   { return e.wrapped }

// HTTPStatus is the authority response status behind the error (0 when there was none).
func (e *Error) HTTPStatus() int { return e.status }

// Message returns the message without the wrapped cause.
func (e *Error) Message() string { return e.message }

func NewValidationError(msg string) error {
	return &Error{code: ErrCodeValidation, message: msg}
}

func WrapValidationError(err error, msg string) error {
	return &Error{code: ErrCodeValidation, message: msg, wrapped: err}
}

func NewTransientGatewayError(status int, msg string) error {
	return &Error{code: ErrCodeTransientGateway, message: msg, status: status}
}

func NewAuthExpiredError(status int, msg string) error {
	return &Error{code: ErrCodeAuthExpired, message: msg, status: status}
}

// NewTerminalRejectionError carries the user facing message parsed from the authority payload.
func NewTerminalRejectionError(status int, msg string) error {
	return &Error{code: ErrCodeTerminalRejection, message: msg, status: status}
}

func NewInactiveBuyerError(msg string) error {
	return &Error{code: ErrCodeInactiveBuyer, message: msg}
}

func WrapRegistryUnavailableError(err error, msg string) error {
	return &Error{code: ErrCodeRegistryUnavailable, message: msg, wrapped: err}
}

func NewPreconditionError(msg string) error {
	return &Error{code: ErrCodePrecondition, message: msg}
}

func NewNotFoundError(msg string) error {
	return &Error{code: ErrCodeNotFound, message: msg}
}

func WrapInternalError(err error, msg string) error {
	return &Error{code: ErrCodeInternal, message: msg, wrapped: err}
}

// CodeOf returns the gateway error code of err.
//
// crypto validation errors (an unusable NIP) are reported as ErrCodeValidation. Other crypto
// errors and unknown errors are ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ksefErr *Error
	if errors.As(err, &ksefErr) {
		return ksefErr.Code()
	}
	var cryptoErr *crypto.CryptoError
	if errors.As(err, &cryptoErr) && cryptoErr.Code() == crypto.ErrCodeValidation {
		return ErrCodeValidation
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

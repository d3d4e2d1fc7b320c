package respond

// errors.go defines request level errors raised by the HTTP layer itself and maps every error
// the gateway packages return to a JSON error response.

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/information-sharing-networks/ksef-gateway/internal/crypto"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/logger"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// ErrorCode identifies request level failures raised before a handler runs or while it parses
// the request.
type ErrorCode string

const (
	// ErrCodeMalformedRequest is used when the body or a path parameter cannot be parsed.
	ErrCodeMalformedRequest ErrorCode = "malformed_request"

	// ErrCodeUnauthorized is used when the bearer token is missing or wrong.
	ErrCodeUnauthorized ErrorCode = "unauthorized"

	// ErrCodeRateLimitExceeded - only used in the middleware
	ErrCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"

	// ErrCodeRequestTooLarge - only used in the middleware
	ErrCodeRequestTooLarge ErrorCode = "request_too_large"

	ErrCodeInternal ErrorCode = "internal"
)

// RequestError is a structured error raised by the HTTP layer.
type RequestError struct {
	code    ErrorCode
	message string
	wrapped error
}

func (e *RequestError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrapped)
	}
	return e.message
}

func (e *RequestError) Code() ErrorCode { return e.code }
func (e *RequestError) Unwrap() error   { return e.wrapped }

func NewMalformedRequestError(msg string) error {
	return &RequestError{code: ErrCodeMalformedRequest, message: msg}
}

func WrapMalformedRequestError(err error, msg string) error {
	return &RequestError{code: ErrCodeMalformedRequest, message: msg, wrapped: err}
}

func NewUnauthorizedError(msg string) error {
	return &RequestError{code: ErrCodeUnauthorized, message: msg}
}

func NewRateLimitError(msg string) error {
	return &RequestError{code: ErrCodeRateLimitExceeded, message: msg}
}

func NewRequestTooLargeError(msg string) error {
	return &RequestError{code: ErrCodeRequestTooLarge, message: msg}
}

// ErrorResponse is the JSON body of every error answer.
type ErrorResponse struct {
	HTTPMethod string `json:"httpMethod"`
	RequestURI string `json:"requestUri"`
	StatusCode int    `json:"statusCode"`

	// A standard short description corresponding to the HTTP status code
	StatusCodeText string `json:"statusCodeText"`

	// A description of the failure category
	StatusCodeMessage string `json:"statusCodeMessage,omitempty"`

	// The chi request id, also present in the server logs
	RequestID string `json:"requestId,omitempty"`

	ErrorDateTime string          `json:"errorDateTime"`
	Errors        []DetailedError `json:"errors"`
}

type DetailedError struct {
	ErrorCode        string `json:"errorCode"`
	ErrorCodeText    string `json:"errorCodeText"`
	ErrorCodeMessage string `json:"errorCodeMessage"`
}

// MapErrorToResponse maps a RequestError, ksef.Error, crypto.CryptoError or store.ErrNotFound to
// an error response. Anything else is logged as a bug and answered with 500.
//
// Internal errors are answered with a generic message; the full error is logged server side.
func MapErrorToResponse(err error, r *http.Request) *ErrorResponse {
	requestID := middleware.GetReqID(r.Context())

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		status, text := requestErrorStatus(reqErr.Code())
		return newErrorResponse(r, requestID, status, string(reqErr.Code()), text, err.Error())
	}

	var ksefErr *ksef.Error
	if errors.As(err, &ksefErr) {
		status, text := ksefErrorStatus(ksefErr.Code())
		message := ksefErr.Error()
		if status == http.StatusInternalServerError {
			message = "An internal error occurred"
		}
		return newErrorResponse(r, requestID, status, string(ksefErr.Code()), text, message)
	}

	var cryptoErr *crypto.CryptoError
	if errors.As(err, &cryptoErr) {
		if cryptoErr.Code() == crypto.ErrCodeValidation {
			return newErrorResponse(r, requestID, http.StatusBadRequest, string(ksef.ErrCodeValidation), "Invalid request", err.Error())
		}
		// key material problems are configuration faults
		return newErrorResponse(r, requestID, http.StatusInternalServerError, "crypto", "Gateway misconfigured", "An internal error occurred")
	}

	if errors.Is(err, store.ErrNotFound) {
		return newErrorResponse(r, requestID, http.StatusNotFound, string(ksef.ErrCodeNotFound), "Not found", err.Error())
	}

	reqLogger := logger.ContextRequestLogger(r.Context())
	reqLogger.Error("BUG: unmapped error type in MapErrorToResponse",
		slog.String("error_type", fmt.Sprintf("%T", err)),
		slog.String("error", err.Error()),
		slog.String("request_id", requestID),
	)
	return newErrorResponse(r, requestID, http.StatusInternalServerError, string(ErrCodeInternal), "Internal Error", "An internal error occurred")
}

func requestErrorStatus(code ErrorCode) (int, string) {
	switch code {
	case ErrCodeMalformedRequest:
		return http.StatusBadRequest, "Malformed request"
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized, "Unauthorized"
	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests, "Rate limit exceeded"
	case ErrCodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge, "Request too large"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}

func ksefErrorStatus(code ksef.ErrorCode) (int, string) {
	switch code {
	case ksef.ErrCodeValidation:
		return http.StatusBadRequest, "Invalid invoice"
	case ksef.ErrCodeInactiveBuyer:
		return http.StatusUnprocessableEntity, "Inactive buyer NIP"
	case ksef.ErrCodeTerminalRejection:
		return http.StatusUnprocessableEntity, "Rejected by KSeF"
	case ksef.ErrCodePrecondition:
		return http.StatusConflict, "Precondition failed"
	case ksef.ErrCodeNotFound:
		return http.StatusNotFound, "Not found"
	case ksef.ErrCodeTransientGateway, ksef.ErrCodeAuthExpired:
		return http.StatusBadGateway, "KSeF unavailable"
	case ksef.ErrCodeRegistryUnavailable:
		return http.StatusServiceUnavailable, "Registry unavailable"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}

func newErrorResponse(r *http.Request, requestID string, status int, code, text, message string) *ErrorResponse {
	return &ErrorResponse{
		HTTPMethod:        r.Method,
		RequestURI:        r.RequestURI,
		StatusCode:        status,
		StatusCodeText:    http.StatusText(status),
		StatusCodeMessage: text,
		RequestID:         requestID,
		ErrorDateTime:     time.Now().UTC().Format(time.RFC3339),
		Errors: []DetailedError{
			{
				ErrorCode:        code,
				ErrorCodeText:    text,
				ErrorCodeMessage: message,
			},
		},
	}
}

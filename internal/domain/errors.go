package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Protocol and transport sentinels.
var (
	// ErrProtocolCompat means the remote service sent something this client's
	// message catalog cannot interpret. It is never retried.
	ErrProtocolCompat = fmt.Errorf("protocol compatibility failure")
	ErrTransport      = fmt.Errorf("transport failure")
	ErrNotConnected   = fmt.Errorf("transport not connected")
	ErrSessionState   = fmt.Errorf("invalid session state")
	ErrSessionClosed  = fmt.Errorf("session closed")
	ErrConfigLoad     = fmt.Errorf("failed to load configuration")
	ErrDecryption     = fmt.Errorf("decryption failed")
)

// Request failure sentinels, one per HTTP status class.
var (
	ErrBadRequest   = fmt.Errorf("bad request")
	ErrUnauthorized = fmt.Errorf("unauthorized")
	ErrForbidden    = fmt.Errorf("forbidden")
	ErrNotFound     = fmt.Errorf("not found")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrGateway      = fmt.Errorf("bad gateway")
	ErrServer       = fmt.Errorf("server error")
	ErrUnknown      = fmt.Errorf("unexpected response status")
	ErrCircuitOpen  = fmt.Errorf("circuit open")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Session.Start")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RequestError is a typed failure of a REST call.
type RequestError struct {
	Kind    error // one of the request failure sentinels
	Method  string
	Path    string
	Status  int
	Code    int    // API error code from the body, 0 if absent
	Message string // API error message from the body
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	return msg
}

func (e *RequestError) Unwrap() error { return e.Kind }

// RateLimitError is the typed failure for a 429 response.
type RateLimitError struct {
	RequestError
	RetryAfter time.Duration
	Global     bool
}

func (e *RateLimitError) Error() string {
	scope := "bucket"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("%s (%s, retry after %s)", e.RequestError.Error(), scope, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return &e.RequestError }

// StatusKind maps an HTTP status to its request failure sentinel. It
// returns nil for 2xx.
func StatusKind(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusBadRequest:
		return ErrBadRequest
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimit
	case status == http.StatusBadGateway:
		return ErrGateway
	case status >= 500 && status < 600:
		return ErrServer
	default:
		return ErrUnknown
	}
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown        ErrorCode = "UNKNOWN"
	CodeProtocolCompat ErrorCode = "PROTOCOL_COMPAT"
	CodeTransport      ErrorCode = "TRANSPORT"
	CodeNotConnected   ErrorCode = "NOT_CONNECTED"
	CodeSessionState   ErrorCode = "SESSION_STATE"
	CodeSessionClosed  ErrorCode = "SESSION_CLOSED"
	CodeConfigLoad     ErrorCode = "CONFIG_LOAD"
	CodeDecryption     ErrorCode = "DECRYPTION"
	CodeBadRequest     ErrorCode = "BAD_REQUEST"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeRateLimit      ErrorCode = "RATE_LIMIT"
	CodeGateway        ErrorCode = "GATEWAY_ERROR"
	CodeServer         ErrorCode = "SERVER_ERROR"
	CodeUnknownStatus  ErrorCode = "UNKNOWN_STATUS"
	CodeCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
)

// errorCodes maps sentinel errors to their machine-parseable codes. The
// order decides which code wins when an error wraps more than one sentinel.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrProtocolCompat, CodeProtocolCompat},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrRateLimit, CodeRateLimit},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrForbidden, CodeForbidden},
	{ErrNotFound, CodeNotFound},
	{ErrBadRequest, CodeBadRequest},
	{ErrGateway, CodeGateway},
	{ErrServer, CodeServer},
	{ErrUnknown, CodeUnknownStatus},
	{ErrSessionClosed, CodeSessionClosed},
	{ErrSessionState, CodeSessionState},
	{ErrNotConnected, CodeNotConnected},
	{ErrTransport, CodeTransport},
	{ErrDecryption, CodeDecryption},
	{ErrConfigLoad, CodeConfigLoad},
}

func sentinelCode(err error) (ErrorCode, bool) {
	for _, c := range errorCodes {
		if c.err == err {
			return c.code, true
		}
	}
	return "", false
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and typed request failures and uses errors.Is to
// match sentinel errors. Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := sentinelCode(err); ok {
		return code
	}

	var re *RequestError
	if errors.As(err, &re) {
		if code, ok := sentinelCode(re.Kind); ok {
			return code
		}
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := sentinelCode(de.Err); ok {
			return code
		}
	}

	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}

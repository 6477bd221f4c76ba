package domain

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeNotReady           Code = "NOT_READY"
	CodeValidationFailed   Code = "VALIDATION_FAILED"
	CodeQuotaExceeded      Code = "QUOTA_EXCEEDED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeJoinFailed         Code = "JOIN_FAILED"
	CodePlaybackFailed     Code = "PLAYBACK_FAILED"
	CodeProcessUnavailable Code = "PROCESS_UNAVAILABLE"
	CodeTimeout            Code = "TIMEOUT"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeInternal           Code = "INTERNAL"
)

// AppError is the unified error contract across layers.
type AppError struct {
	Code    Code
	Op      string // operation name, ex: "quota.CreateSession"
	Message string // safe message
	Err     error
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Code)
	}
}

func (e *AppError) Unwrap() error { return e.Err }

func E(code Code, op, msg string, err error) error {
	return &AppError{Code: code, Op: op, Message: msg, Err: err}
}

func IsCode(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// CodeOf returns CodeInternal for errors outside the taxonomy.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// PublicMessage prefers the safe message, falling back to the wrapped cause.
// Causes of internal errors stay out of it.
func PublicMessage(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		if ae.Message != "" {
			return ae.Message
		}
		if ae.Code == CodeInternal {
			return "internal error"
		}
		if ae.Err != nil {
			return ae.Err.Error()
		}
		return string(ae.Code)
	}
	return "internal error"
}

func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidationFailed:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeNotReady, CodeProcessUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeJoinFailed, CodePlaybackFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// QuotaExceeded is wrapped by CodeQuotaExceeded errors and carries the snapshot
// that was used to reject the request.
type QuotaExceeded struct {
	Limits Limits
}

func (q *QuotaExceeded) Error() string {
	return fmt.Sprintf("daily limit of %d connections reached, resets at %s",
		q.Limits.MaxConnectionsPerDay, q.Limits.ResetAt.UTC().Format("2006-01-02T15:04:05Z"))
}

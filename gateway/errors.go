package gateway

import (
	"errors"
	"fmt"
)

// ErrCode is a stable, machine-readable failure code. Clients branch on
// codes, never on message text.
type ErrCode string

const (
	CodeValidationFailed      ErrCode = "validation_failed"
	CodeUnsupportedLanguage   ErrCode = "unsupported_language"
	CodeRateLimited           ErrCode = "rate_limited"
	CodeRoutingFailed         ErrCode = "routing_failed"
	CodeModelUnavailable      ErrCode = "model_unavailable"
	CodeCostThresholdExceeded ErrCode = "cost_threshold_exceeded"
	CodeGenerationFailed      ErrCode = "generation_failed"
	CodeGenerationTimeout     ErrCode = "generation_timeout"
)

// Error is the gateway's failure type. Temporary distinguishes retryable
// conditions (backend hiccups, timeouts) from deterministic rejections
// (validation, cost gate).
type Error struct {
	Code      ErrCode `json:"code"`
	Message   string  `json:"message"`
	Temporary bool    `json:"temporary"`
	Err       error   `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// failf builds a permanent Error.
func failf(code ErrCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// transientf builds a retryable Error wrapping its cause.
func transientf(code ErrCode, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Temporary: true, Err: cause}
}

// CodeOf extracts the gateway code from any error chain, or "" if the error
// did not originate here.
func CodeOf(err error) ErrCode {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

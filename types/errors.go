package types

import (
	"errors"
	"fmt"
	"strings"
)

// CheckoutError is the error type surfaced to hosts.
type CheckoutError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *CheckoutError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

// NewError creates a CheckoutError with a formatted message.
func NewError(code, format string, args ...any) *CheckoutError {
	return &CheckoutError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Common error codes
const (
	ErrInvalidConfig       = "INVALID_CONFIG"
	ErrInvalidTransition   = "INVALID_TRANSITION"
	ErrValidationFailed    = "VALIDATION_FAILED"
	ErrUserRejected        = "USER_REJECTED"
	ErrSubmissionFailed    = "SUBMISSION_FAILED"
	ErrTransactionFailed   = "TRANSACTION_FAILED"
	ErrConnectionFailed    = "CONNECTION_FAILED"
	ErrProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrSoldOut             = "SOLD_OUT"
	ErrSessionClosed       = "SESSION_CLOSED"
	ErrNetworkError        = "NETWORK_ERROR"
	ErrConfigError         = "CONFIG_ERROR"
	ErrUnsupportedNetwork  = "UNSUPPORTED_NETWORK"
)

// ErrorCode extracts the code of a CheckoutError in the chain, or fallback.
func ErrorCode(err error, fallback string) string {
	var ce *CheckoutError
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	return fallback
}

// ValidationError is a field-level validation failure.
// Index is the recipient position, or -1 when the field is not per-recipient.
type ValidationError struct {
	Field   string `json:"field"`
	Index   int    `json:"index"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s[%d]: %s", e.Field, e.Index, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects field-level failures of one submission.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// Field returns the errors reported for one field.
func (v ValidationErrors) Field(name string) ValidationErrors {
	var out ValidationErrors
	for _, e := range v {
		if e.Field == name {
			out = append(out, e)
		}
	}
	return out
}

// Is lets errors.Is match any ValidationErrors value.
func (v ValidationErrors) Is(target error) bool {
	_, ok := target.(ValidationErrors)
	return ok
}

// Add appends a failure.
func (v *ValidationErrors) Add(field string, index int, message string) {
	*v = append(*v, ValidationError{Field: field, Index: index, Message: message})
}

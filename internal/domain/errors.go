package domain

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// ErrorCode represents a machine-readable error code
type ErrorCode string

const (
	// Setup Errors (SETUP_*) - terminal for the attempt, surfaced to the caller
	ErrorCodeMissingParams  ErrorCode = "SETUP_MISSING_PARAMS"
	ErrorCodePrepayRejected ErrorCode = "SETUP_PREPAY_REJECTED"
	ErrorCodeRateLimited    ErrorCode = "SETUP_RATE_LIMITED"

	// Transport Errors (TRANSPORT_*) - recovered locally by the channel
	ErrorCodeTransport        ErrorCode = "TRANSPORT_ERROR"
	ErrorCodeChannelExhausted ErrorCode = "TRANSPORT_CHANNEL_EXHAUSTED"

	// Decode Errors (DECODE_*) - treated as absent
	ErrorCodeDecode ErrorCode = "DECODE_ERROR"

	// Lifecycle Errors (ATTEMPT_*)
	ErrorCodeNoActiveAttempt ErrorCode = "ATTEMPT_NOT_ACTIVE"
	ErrorCodeClosed          ErrorCode = "ATTEMPT_CONTROLLER_CLOSED"
)

// Messages shown to the parent
const (
	MessageTooManyRequests = "too many requests, please try again later"
	MessageMissingParams   = "invalid parameters, unable to start payment"
	MessagePrepayFailed    = "failed to load payment information"
)

// DomainError represents a structured domain error with error code and context
type DomainError struct {
	Err     error
	Details map[string]interface{}
	Code    ErrorCode
	Message string
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches DomainErrors by code so sentinel values work with errors.Is
func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// WithDetail adds a detail field to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a domain error code
func WrapError(code ErrorCode, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Err:     err,
	}
}

// GetErrorCode extracts the error code from an error, returns empty string if not a DomainError
func GetErrorCode(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// IsSetupError reports whether err ends the attempt before a channel opens
func IsSetupError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeMissingParams ||
		code == ErrorCodePrepayRejected ||
		code == ErrorCodeRateLimited
}

// IsRateLimited reports whether the backend refused the call for rate reasons
func IsRateLimited(err error) bool {
	return GetErrorCode(err) == ErrorCodeRateLimited
}

// IsTransient reports whether err is recovered by channel retry policy
func IsTransient(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeTransport || code == ErrorCodeDecode
}

var rateLimitPattern = regexp.MustCompile(`(?i)(too many requests|rate limit|\b429\b|请求过于频繁)`)

// LooksRateLimited recognizes a rate-limit rejection by HTTP status or message text
func LooksRateLimited(status int, message string) bool {
	return status == http.StatusTooManyRequests || rateLimitPattern.MatchString(message)
}

// UserMessage rewrites err into the message shown to the parent
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		return MessagePrepayFailed
	}
	switch domainErr.Code {
	case ErrorCodeRateLimited:
		return MessageTooManyRequests
	case ErrorCodeMissingParams:
		return MessageMissingParams
	default:
		if domainErr.Message != "" {
			return domainErr.Message
		}
		return MessagePrepayFailed
	}
}

// Structured error instances
var (
	ErrMissingParams    = NewDomainError(ErrorCodeMissingParams, MessageMissingParams)
	ErrTooManyRequests  = NewDomainError(ErrorCodeRateLimited, MessageTooManyRequests)
	ErrNoActiveAttempt  = NewDomainError(ErrorCodeNoActiveAttempt, "no payment attempt awaiting payment")
	ErrClosed           = NewDomainError(ErrorCodeClosed, "reconciliation controller closed")
	ErrChannelExhausted = NewDomainError(ErrorCodeChannelExhausted, "realtime reconnect attempts exhausted")
)

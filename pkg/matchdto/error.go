package matchdto

import (
	"errors"
	"fmt"
)

// Code classifies a callable failure.
type Code string

const (
	CodeUnauthenticated    Code = "unauthenticated"
	CodePermissionDenied   Code = "permission-denied"
	CodeInvalidArgument    Code = "invalid-argument"
	CodeFailedPrecondition Code = "failed-precondition"
	CodeNotFound           Code = "not-found"
	CodeInternal           Code = "internal"
)

// CallError is the typed failure every callable returns.
type CallError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	if e.Code != "" {
		return string(e.Code)
	}
	return "callable error"
}

// Retryable reports whether the failure may clear on its own. Authoritative
// rejections are never retried.
func (e *CallError) Retryable() bool { return e.Code == CodeInternal }

func Errorf(code Code, format string, args ...any) *CallError {
	return &CallError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated() *CallError {
	return &CallError{Code: CodeUnauthenticated, Message: "the function must be called while authenticated"}
}

func PermissionDenied(msg string) *CallError { return &CallError{Code: CodePermissionDenied, Message: msg} }

func InvalidArgument(msg string) *CallError { return &CallError{Code: CodeInvalidArgument, Message: msg} }

func FailedPrecondition(msg string) *CallError {
	return &CallError{Code: CodeFailedPrecondition, Message: msg}
}

func Internal(msg string) *CallError { return &CallError{Code: CodeInternal, Message: msg} }

// CodeOf extracts the code from anywhere in err's chain. Untyped errors are internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

func IsCode(err error, code Code) bool { return err != nil && CodeOf(err) == code }

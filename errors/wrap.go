package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil. A wrapped *Error keeps its code, category,
// peer, room and offset. Context errors map to TIMEOUT and CANCELED; anything
// else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var coded *Error
	if errors.As(err, &coded) {
		wrapped := &Error{
			code:      coded.code,
			category:  coded.category,
			message:   message,
			cause:     err,
			metadata:  coded.Metadata(),
			timestamp: coded.timestamp,
			peer:      coded.peer,
			room:      coded.room,
			offset:    -1,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// AsCoded extracts the first *Error from an error chain, or nil.
func AsCoded(err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return nil
}

// Is checks if the first *Error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	if coded := AsCoded(err); coded != nil {
		return coded.code == code
	}
	return false
}

// IsCategory checks if the first *Error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	if coded := AsCoded(err); coded != nil {
		return coded.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable. Plain errors are not.
func IsRetryable(err error) bool {
	if coded := AsCoded(err); coded != nil {
		return coded.Retryable()
	}
	return false
}

// IsMalformed checks if the error comes from undecodable input.
func IsMalformed(err error) bool {
	return IsCategory(err, CategoryMalformed)
}

// Code extracts the error code, or "" for plain errors.
func Code(err error) ErrorCode {
	if coded := AsCoded(err); coded != nil {
		return coded.code
	}
	return ""
}

// Category extracts the error category, or "" for plain errors.
func Category(err error) ErrorCategory {
	if coded := AsCoded(err); coded != nil {
		return coded.category
	}
	return ""
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered any) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}

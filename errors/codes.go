package errors

// ErrorCategory classifies errors by how a caller should react to them.
type ErrorCategory string

// Error categories.
const (
	// CategoryMalformed marks bytes that could not be decoded.
	// The caller drops the packet or disconnects the sender.
	CategoryMalformed ErrorCategory = "malformed"

	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: bus unavailable, publish timeout.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: invalid configuration, unknown peer.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors or invariant violations.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes.
const (
	// Malformed input
	ErrCodeTruncated    ErrorCode = "TRUNCATED"     // Buffer ended inside a value
	ErrCodeOverflow     ErrorCode = "OVERFLOW"      // Varint does not fit in 64 bits
	ErrCodeInvalidText  ErrorCode = "INVALID_TEXT"  // String payload is not UTF-8
	ErrCodeInvalidState ErrorCode = "INVALID_STATE" // State payload is not a JSON object or null
	ErrCodeTrailingData ErrorCode = "TRAILING_DATA" // Bytes left after the last entry

	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"      // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"  // Bus or peer temporarily unavailable
	ErrCodeRateLimit   ErrorCode = "RATE_LIMITED" // Frame budget exhausted

	// Permanent errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND" // Peer or room unknown
	ErrCodeClosed   ErrorCode = "CLOSED"    // Component already shut down
	ErrCodeCanceled ErrorCode = "CANCELED"  // Operation was canceled

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTruncated, ErrCodeOverflow, ErrCodeInvalidText, ErrCodeInvalidState, ErrCodeTrailingData:
		return CategoryMalformed
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeRateLimit:
		return CategoryTransient
	case ErrCodeNotFound, ErrCodeClosed, ErrCodeCanceled:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

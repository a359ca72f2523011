package fetcher

import (
	"errors"
	"fmt"
)

// Kind is the normalized failure taxonomy for status API calls.
type Kind string

const (
	// KindUnreachable covers transport failures, timeouts and cancellation
	KindUnreachable Kind = "unreachable"

	// KindRejectedByServer means the API answered with a non-success status code
	KindRejectedByServer Kind = "rejected_by_server"

	// KindMalformed means the body could not be decoded as a status payload
	KindMalformed Kind = "malformed"
)

// Error wraps a failed fetch with its classification.
type Error struct {
	Kind       Kind
	StatusCode int // set for KindRejectedByServer
	Message    string
	Underlying error
	Retryable  bool // Whether a caller-side retry could succeed
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("status api [%s]: %s", e.Kind, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (http %d)", msg, e.StatusCode)
	}
	if e.Underlying != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Underlying)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

func newError(kind Kind, statusCode int, message string, underlying error) *Error {
	retryable := kind == KindUnreachable ||
		(kind == KindRejectedByServer && (statusCode == 429 || statusCode >= 500))

	return &Error{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// permanent marks a failure that no retry can fix, such as a bad endpoint URL.
func permanent(e *Error) *Error {
	e.Retryable = false
	return e
}

// KindOf extracts the failure kind, reporting false for errors that did not come from a fetch.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// IsRetryable checks if an error is worth retrying.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// ErrMissingKey rejects a fetch before any network call is made.
var ErrMissingKey = errors.New("id number and mobile are required")

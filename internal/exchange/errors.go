package exchange

import (
	"errors"
	"fmt"
)

// Kind classifies a venue failure. The executor's retry and reporting
// policy keys off the kind, never the message.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindRateLimited: the venue is throttling this account. Retry with
	// jittered backoff.
	KindRateLimited
	// KindRejected: the venue understood the request and refused it.
	// Never retried.
	KindRejected
	// KindNetwork: transport failure or marginal server error. Retried to
	// the configured ceiling.
	KindNetwork
	// KindUnauthorized: credentials are bad. Retrying cannot help.
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindRejected:
		return "rejected"
	case KindNetwork:
		return "network_error"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Error wraps a venue failure with its classification and the operation
// that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the failure is transient. Rejected and
// unauthorized failures are final by definition.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindNetwork:
		return true
	default:
		return false
	}
}

func reject(op, format string, args ...any) *Error {
	return &Error{Kind: KindRejected, Op: op, Err: fmt.Errorf(format, args...)}
}

func netErr(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

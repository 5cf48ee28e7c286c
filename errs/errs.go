// Package errs defines the closed set of error kinds the engine reports.
// Collaborators surfacing these to users are responsible for any prose;
// the engine only emits kinds.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidArgument       Kind = "invalid_argument"
	KindPairUnsupported       Kind = "pair_unsupported"
	KindInsufficientBalance   Kind = "insufficient_balance"
	KindInsufficientAllowance Kind = "insufficient_allowance"
	KindSlippageExceeded      Kind = "slippage_exceeded"
	KindDeadlineExpired       Kind = "deadline_expired"
	KindWrapFailed            Kind = "wrap_failed"
	KindUnwrapFailed          Kind = "unwrap_failed"
	KindTransactionFailed     Kind = "transaction_failed"
	KindUpstreamError         Kind = "upstream_error"
	KindNotFound              Kind = "not_found"
	KindTerminalState         Kind = "terminal_state"
	KindQuotaExceeded         Kind = "quota_exceeded"
)

// Error carries an error kind alongside an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain. Unkinded errors report
// upstream_error: anything the engine did not classify came from outside it.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstreamError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

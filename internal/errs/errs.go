// Package errs holds the relay's error taxonomy. Every failure that reaches an
// HTTP response or the fallback orchestrator is an *Error carrying a Kind and a
// stable Code string; lower layers wrap the underlying cause.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the caller should react to it.
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindAuthentication
	KindAuthorization
	KindExecution
	KindInsufficientFunds
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindAuthentication:
		return "AuthenticationError"
	case KindAuthorization:
		return "AuthorizationError"
	case KindExecution:
		return "ExecutionError"
	case KindInsufficientFunds:
		return "InsufficientSponsorFunds"
	case KindUnavailable:
		return "UnavailableError"
	default:
		return "UnknownError"
	}
}

// Authorization reason codes.
const (
	CodeAlreadyRegistered = "AlreadyRegistered"
	CodeNotEligible       = "NotEligible"
	CodeLimitExceeded     = "LimitExceeded"
	CodeNonceAlreadyUsed  = "NonceAlreadyUsed"
)

// Error is a classified relay failure. Code is what goes into the "error" field
// of a JSON response; Message is safe to show to a user.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind and Code, so sentinel-style
// comparisons like errors.Is(err, errs.ErrAlreadyRegistered) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Sentinels for errors.Is.
var (
	ErrAlreadyRegistered = &Error{Kind: KindAuthorization, Code: CodeAlreadyRegistered}
	ErrNotEligible       = &Error{Kind: KindAuthorization, Code: CodeNotEligible}
	ErrLimitExceeded     = &Error{Kind: KindAuthorization, Code: CodeLimitExceeded}
	ErrNonceAlreadyUsed  = &Error{Kind: KindAuthorization, Code: CodeNonceAlreadyUsed}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds, Code: KindInsufficientFunds.String()}
)

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: KindValidation.String(), Message: fmt.Sprintf(format, args...)}
}

func Authentication(msg string, err error) *Error {
	return &Error{Kind: KindAuthentication, Code: KindAuthentication.String(), Message: msg, Err: err}
}

// Authorization builds a policy rejection with one of the Code* reasons.
func Authorization(code, msg string) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: msg}
}

// Execution carries the ledger's revert reason verbatim in Message.
func Execution(reason string, err error) *Error {
	return &Error{Kind: KindExecution, Code: KindExecution.String(), Message: reason, Err: err}
}

func InsufficientFunds(msg string) *Error {
	return &Error{Kind: KindInsufficientFunds, Code: KindInsufficientFunds.String(), Message: msg}
}

func Unavailable(msg string, err error) *Error {
	return &Error{Kind: KindUnavailable, Code: KindUnavailable.String(), Message: msg, Err: err}
}

// As extracts the *Error from err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// KindOf returns the Kind of err, or 0 for unclassified errors.
func KindOf(err error) Kind {
	if e := As(err); e != nil {
		return e.Kind
	}
	return 0
}

// Package rtcerrors defines the shared error taxonomy used across the
// library's components (spec §7): every terminal error maps to an integer
// code and a short reason string, so a component's getState can describe
// why it shut down.
package rtcerrors

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Code is a stable integer identifying an error kind, independent of its
// textual reason (which may include contextual detail).
type Code int

const (
	CodeNone Code = iota
	CodeUserRequestedShutdown
	CodeDNSLookupFailure
	CodeUnexpectedSocketFailure
	CodeBogusDataOnSocketReceived
	CodeTooManyUnknownIncomingData
	CodeReliableServerNotResponding
	CodeRefreshTimeout
	CodeRedirectOnMultipleAlternateIPs
	CodeRedirectToSameIP
	CodeIllegalUsage
	CodeTooManyErrors
	CodeAuthenticationFailure
	CodeProtocolViolation
	CodeBackgroundingTimeout
	CodeResourceExhaustion
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "None"
	case CodeUserRequestedShutdown:
		return "UserRequestedShutdown"
	case CodeDNSLookupFailure:
		return "DNSLookupFailure"
	case CodeUnexpectedSocketFailure:
		return "UnexpectedSocketFailure"
	case CodeBogusDataOnSocketReceived:
		return "BogusDataOnSocketReceived"
	case CodeTooManyUnknownIncomingData:
		return "TooManyUnknownIncomingData"
	case CodeReliableServerNotResponding:
		return "ReliableServerNotResponding"
	case CodeRefreshTimeout:
		return "RefreshTimeout"
	case CodeRedirectOnMultipleAlternateIPs:
		return "RedirectOnMultipleAlternateIPs"
	case CodeRedirectToSameIP:
		return "RedirectToSameIP"
	case CodeIllegalUsage:
		return "IllegalUsage"
	case CodeTooManyErrors:
		return "TooManyErrors"
	case CodeAuthenticationFailure:
		return "AuthenticationFailure"
	case CodeProtocolViolation:
		return "ProtocolViolation"
	case CodeBackgroundingTimeout:
		return "BackgroundingTimeout"
	case CodeResourceExhaustion:
		return "ResourceExhaustion"
	default:
		return "Unknown"
	}
}

// Error is a frozen (code, reason) pair satisfying the error interface. It
// also satisfies xerrors' Unwrap contract, so a caller that built one with
// Newf's "%w" verb can still errors.Is/errors.As through to the underlying
// cause.
type Error struct {
	Code   Code
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Unwrap exposes the cause passed to Newf via "%w", if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an *Error for the given code and reason.
func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Newf builds an *Error with a formatted reason. A "%w" verb, per
// golang.org/x/xerrors, threads its operand through as Unwrap's cause.
func Newf(code Code, format string, args ...interface{}) *Error {
	formatted := xerrors.Errorf(format, args...)
	return &Error{Code: code, Reason: formatted.Error(), cause: xerrors.Unwrap(formatted)}
}

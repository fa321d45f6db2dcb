// Package errors defines the typed errors xbridge returns and the exit codes
// they map to.
package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess       Code = 0
	CodeInternal      Code = 1
	CodeUsage         Code = 2
	CodeAuth          Code = 10
	CodeRateLimited   Code = 11
	CodeUnavailable   Code = 12
	CodeUnsupported   Code = 13
	CodeStale         Code = 14
	CodePartialStrict Code = 15
	CodeBlocked       Code = 16
	CodeSigner        Code = 20
	CodeActionPlan    Code = 21
	CodeActionSim     Code = 22
	CodeActionTimeout Code = 23
	CodeNoQuote       Code = 24
	CodeSubmission    Code = 25
)

var codeTypes = map[Code]string{
	CodeUsage:         "usage_error",
	CodeAuth:          "auth_error",
	CodeRateLimited:   "rate_limited",
	CodeUnavailable:   "provider_unavailable",
	CodeUnsupported:   "unsupported",
	CodeStale:         "stale_data",
	CodePartialStrict: "partial_results",
	CodeBlocked:       "command_blocked",
	CodeSigner:        "signer_error",
	CodeActionPlan:    "action_plan_error",
	CodeActionSim:     "simulation_failed",
	CodeActionTimeout: "action_timeout",
	CodeNoQuote:       "no_quote",
	CodeSubmission:    "submission_failed",
}

// Type is the error type reported in the output envelope.
func (c Code) Type() string {
	if t, ok := codeTypes[c]; ok {
		return t
	}
	return "internal_error"
}

// Error is a typed CLI error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	if cliErr, ok := As(err); ok {
		return cliErr.Code
	}
	return CodeInternal
}

func ExitCode(err error) int {
	return int(CodeOf(err))
}

// ProviderStatus summarizes the outcome of one provider call for envelope
// metadata and metrics labels.
func ProviderStatus(err error) string {
	if err == nil {
		return "ok"
	}
	switch CodeOf(err) {
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "unavailable"
	default:
		return "error"
	}
}

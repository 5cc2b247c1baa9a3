// Package errs defines the error taxonomy shared by the ledger components.
//
// Every error returned across a component boundary carries a Kind so callers
// can branch with errors.Is(err, errs.NotFound) without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	Internal Kind = iota
	UnknownAction
	EvidenceRequired
	RateCap
	NotFound
	Permission
	InvalidStatus
	InvalidTransition
	InvalidInput
	Conflict
	AppendOnly
	Unauthorized
)

var kindNames = map[Kind]string{
	Internal:          "internal",
	UnknownAction:     "unknown_action",
	EvidenceRequired:  "evidence_required",
	RateCap:           "rate_cap",
	NotFound:          "not_found",
	Permission:        "permission",
	InvalidStatus:     "invalid_status",
	InvalidTransition: "invalid_transition",
	InvalidInput:      "invalid_input",
	Conflict:          "conflict",
	AppendOnly:        "append_only",
	Unauthorized:      "unauthorized",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Error is a classified error with a human readable message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// E builds a classified error.
func E(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it in the chain.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first classified error in the chain,
// or Internal when none is present.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Internal
}

// Retryable reports whether the caller may safely retry the request.
func Retryable(err error) bool {
	return KindOf(err) == Conflict
}

// Package rterr defines fluxrt's error taxonomy. Every surfaced error
// returned across package boundaries wraps a Kind so callers can branch on
// category without string matching, and so the propagation policy (surfaced
// vs fatal) in spec.md §7 has a single enforcement point.
package rterr

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime error per the §7 taxonomy.
type Kind string

const (
	// ConfigInvalid: malformed configuration or reinit without proper teardown.
	ConfigInvalid Kind = "config_invalid"
	// NoDevice: no worker capable of executing the task's codelet.
	NoDevice Kind = "no_device"
	// Coherence: contradictory executor decision across write buffers.
	Coherence Kind = "coherence"
	// Resource: allocation failure for an acquisition record. Fatal.
	Resource Kind = "resource"
	// InvariantViolation: refcnt/busy_count underflow, double-assign arbiter. Fatal.
	InvariantViolation Kind = "invariant_violation"
	// TransportFailure: distributed send/recv rejected by the transport.
	TransportFailure Kind = "transport_failure"
)

// fatalKinds are logged and aborted rather than returned to the caller, per
// spec.md §7: such states indicate a corrupted data structure that would
// otherwise produce silent incorrectness.
var fatalKinds = map[Kind]bool{
	Resource:           true,
	InvariantViolation: true,
}

// Error is fluxrt's typed error value.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a surfaced error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds a surfaced error of the given kind around a cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsFatal reports whether errors of this kind must never be returned to a
// caller — they are asserted and aborted instead.
func IsFatal(kind Kind) bool {
	return fatalKinds[kind]
}

// AbortFunc is called by Fatal after logging. Overridable in tests so
// invariant-violation assertions can run inside the test binary instead of
// killing it. The default panics with the kind and message; nothing in
// fluxrt installs a different hook.
var AbortFunc func(kind Kind, msg string) = func(kind Kind, msg string) {
	panic(fmt.Sprintf("fluxrt: fatal %s: %s", kind, msg))
}

// Fatal logs (via the caller-supplied logFn) and then invokes AbortFunc for
// a Resource or InvariantViolation condition. It never returns.
func Fatal(kind Kind, msg string, logFn func(kind Kind, msg string)) {
	if logFn != nil {
		logFn(kind, msg)
	}
	AbortFunc(kind, msg)
}

// Package fault classifies errors raised by the bubble engine into the
// small set of kinds which callers (and the CLI exit-code mapping) care
// about. Errors are ordinary wrapped errors; the kind rides along and is
// recovered with KindOf regardless of how many times the error was wrapped.
package fault

import (
	"errors"
	"fmt"
)

// Kind partitions engine errors by how the caller should react.
type Kind int

const (
	// None marks an error which carries no engine classification.
	None Kind = iota
	// Validation: malformed envelope, state snapshot, config, or identifier.
	Validation
	// Conflict: optimistic-concurrency failure (fingerprint or state mismatch,
	// sequence gap under strict audit).
	Conflict
	// LockTimeout: a lock acquisition budget elapsed.
	LockTimeout
	// Precondition: the operation is not allowed in the current state.
	Precondition
	// NotFound: unknown bubble, repo, or registry entry.
	NotFound
	// ExternalCommand: git or multiplexer invocation failed.
	ExternalCommand
	// Recovery: the transcript was appended but the state write failed.
	// The transcript remains canonical.
	Recovery
	// Confirm: the operation needs an explicit confirmation (delete --force).
	Confirm
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Conflict:
		return "conflict"
	case LockTimeout:
		return "lock-timeout"
	case Precondition:
		return "precondition"
	case NotFound:
		return "not-found"
	case ExternalCommand:
		return "external-command"
	case Recovery:
		return "recovery"
	case Confirm:
		return "confirm"
	default:
		return "none"
	}
}

// Error is an engine error tagged with a Kind.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// New builds a classified error from a format string.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error, preserving its chain.
// A nil |err| returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// KindOf walks the error chain and returns the first classification found,
// or None.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return None
}

// Is lets errors.Is match a bare classified error against a Kind sentinel
// produced by New(kind, ...). Matching is by kind only when the target is
// also a fault.Error with the same kind and an empty message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.kind == other.kind && other.err.Error() == ""
}

// ExitCode maps an error to the CLI contract: 0 success, 2 confirmation
// required, 1 anything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case KindOf(err) == Confirm:
		return 2
	default:
		return 1
	}
}

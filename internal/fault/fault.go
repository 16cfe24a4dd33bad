// Package fault defines the error taxonomy shared by every pipeline component.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can decide between aborting, retrying and warning.
type Kind string

const (
	Unknown        Kind = "unknown"
	Configuration  Kind = "configuration"
	ToolNotFound   Kind = "tool_not_found"
	Permission     Kind = "permission"
	ProcessTimeout Kind = "process_timeout"
	ProcessFailure Kind = "process_failure"
	AssetMissing   Kind = "asset_missing"
	Cancelled      Kind = "cancelled"
)

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error without an underlying cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with a detail message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of the outermost fault in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether any fault in err's tree has the given kind. Joined errors
// are searched branch by branch.
func Is(err error, kind Kind) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *Error:
		return e.Kind == kind || Is(e.Err, kind)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if Is(inner, kind) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return Is(e.Unwrap(), kind)
	}
	return false
}

// Fatal reports whether a failure of this kind must abort the pipeline.
func Fatal(kind Kind) bool {
	switch kind {
	case AssetMissing:
		return false
	default:
		return true
	}
}

// Package bootfail classifies the ways a boot attempt can fail.
//
// Validation, resource and I/O failures abort the current boot attempt and
// are returned as errors so that the caller can fall back to another entry.
// Invariant violations indicate a defect in the caller and stop the loader
// unconditionally by panicking with an *InvariantError.
package bootfail

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Kind identifies the class of a boot failure.
type Kind int

const (
	// KindValidation covers malformed images, unsupported flags and
	// out-of-range addresses.
	KindValidation Kind = iota + 1
	// KindResource covers physical memory, address space and table slot
	// exhaustion.
	KindResource
	// KindIO covers read failures from the boot media.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResource:
		return "resource"
	case KindIO:
		return "io"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a boot failure of a known kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Validation returns a validation failure. The format supports %w.
func Validation(format string, args ...any) error {
	return newError(KindValidation, format, args...)
}

// Resource returns a resource exhaustion failure. The format supports %w.
func Resource(format string, args ...any) error {
	return newError(KindResource, format, args...)
}

// IO returns an I/O failure. The format supports %w.
func IO(format string, args ...any) error {
	return newError(KindIO, format, args...)
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// InvariantError is the panic value raised for invariant violations.
type InvariantError struct {
	Msg  string
	File string
	Line int
}

func (e *InvariantError) Error() string {
	if e.File == "" {
		return "invariant violated: " + e.Msg
	}
	return fmt.Sprintf("invariant violated at %s:%d: %s", e.File, e.Line, e.Msg)
}

// Invariant panics with an *InvariantError recording the call site of the
// function that called Invariant.
func Invariant(format string, args ...any) {
	err := &InvariantError{Msg: fmt.Sprintf(format, args...)}
	if _, file, line, ok := runtime.Caller(2); ok {
		err.File = filepath.Base(file)
		err.Line = line
	}
	panic(err)
}

// Assert calls Invariant if cond is false.
func Assert(cond bool, format string, args ...any) {
	if cond {
		return
	}
	err := &InvariantError{Msg: fmt.Sprintf(format, args...)}
	if _, file, line, ok := runtime.Caller(1); ok {
		err.File = filepath.Base(file)
		err.Line = line
	}
	panic(err)
}

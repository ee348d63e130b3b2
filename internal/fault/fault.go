// Package fault defines the error kinds surfaced by the presentation
// pipeline. Callers branch on the kind with errors.Is or KindOf rather than
// on concrete types.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kind implements error so a bare kind can be used
// as an errors.Is target.
type Kind int

const (
	Unknown Kind = iota
	NotFound
	InvalidAudioDevice
	InvalidRouting
	Clipping
	FormatError
	OutOfRange
	InvalidResponse
	Config
	Persistence
	Arithmetic
)

var kindNames = map[Kind]string{
	Unknown:            "unknown",
	NotFound:           "not found",
	InvalidAudioDevice: "invalid audio device",
	InvalidRouting:     "invalid routing",
	Clipping:           "clipping",
	FormatError:        "format error",
	OutOfRange:         "out of range",
	InvalidResponse:    "invalid response",
	Config:             "configuration error",
	Persistence:        "persistence error",
	Arithmetic:         "arithmetic error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) Error() string { return k.String() }

// Error is a failure tagged with its kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E wraps err with a kind and the failing operation.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted message. %w verbs are honoured.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}

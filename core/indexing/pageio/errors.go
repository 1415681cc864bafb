package pageio

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownFormat = errors.New("unknown page format")
	ErrCorruptHeader = errors.New("corrupt page header")
)

// FormatError reports a page that cannot be interpreted by any registered codec.
type FormatError struct {
	Type    PageType
	Version uint32
	Err     error
	Detail  string
}

func (e *FormatError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("pageio: %v (type=%s version=%d): %s", e.Err, e.Type, e.Version, e.Detail)
	}
	return fmt.Sprintf("pageio: %v (type=%s version=%d)", e.Err, e.Type, e.Version)
}

func (e *FormatError) Unwrap() error { return e.Err }

// InvariantError is the panic value raised when a codec precondition is violated.
// It indicates a bug in the caller, never bad input from disk.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "pageio: invariant violated: " + e.Msg }

func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
	}
}

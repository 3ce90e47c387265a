package udi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/libudi/udi/pkg/engine"
)

// ErrorKind classifies a DebugError.
type ErrorKind int

const (
	// RequestError means the request was invalid for the target's current
	// state. The target is unaffected and the caller may retry differently.
	RequestError ErrorKind = iota + 1
	// LibraryError means the engine or this package failed internally.
	LibraryError
	// OutOfMemory means the engine could not allocate.
	OutOfMemory
)

func (k ErrorKind) String() string {
	switch k {
	case RequestError:
		return "request error"
	case LibraryError:
		return "library error"
	case OutOfMemory:
		return "out of memory"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// DebugError is returned by every operation that failed inside the engine
// or was rejected before reaching it.
type DebugError struct {
	Kind ErrorKind
	Msg  string
}

func (err *DebugError) Error() string {
	if err.Msg == "" {
		return err.Kind.String()
	}
	return fmt.Sprintf("%s: %s", err.Kind, err.Msg)
}

func requestErrorf(format string, args ...interface{}) error {
	return &DebugError{Kind: RequestError, Msg: fmt.Sprintf(format, args...)}
}

func libraryErrorf(format string, args ...interface{}) error {
	return &DebugError{Kind: LibraryError, Msg: fmt.Sprintf(format, args...)}
}

func isKind(err error, kind ErrorKind) bool {
	var derr *DebugError
	return errors.As(err, &derr) && derr.Kind == kind
}

// IsRequestError reports whether err is a DebugError of kind RequestError.
func IsRequestError(err error) bool { return isKind(err, RequestError) }

// IsLibraryError reports whether err is a DebugError of kind LibraryError.
func IsLibraryError(err error) bool { return isKind(err, LibraryError) }

// IsOutOfMemory reports whether err is a DebugError of kind OutOfMemory.
func IsOutOfMemory(err error) bool { return isKind(err, OutOfMemory) }

// ClosedError is returned by every operation on a process, or one of its
// threads, after the process was closed.
type ClosedError struct {
	Pid int
}

func (err *ClosedError) Error() string {
	return fmt.Sprintf("process %d has been closed", err.Pid)
}

// UnexpectedEventError is returned by Process.WaitForEvent when the events
// received are not exactly one event of the expected type. The events are
// returned to the caller through Events. Err is set when some records of
// the event list could not be decoded.
type UnexpectedEventError struct {
	Expected EventType
	Events   []Event
	Err      error
}

func (err *UnexpectedEventError) Error() string {
	got := make([]string, len(err.Events))
	for i := range err.Events {
		got[i] = err.Events[i].Type().String()
	}
	msg := fmt.Sprintf("expected a single %s event, got [%s]", err.Expected, strings.Join(got, ", "))
	if err.Err != nil {
		msg += ": " + err.Err.Error()
	}
	return msg
}

func (err *UnexpectedEventError) Unwrap() error { return err.Err }

// Event returns the first received event, or nil.
func (err *UnexpectedEventError) Event() Event {
	if len(err.Events) == 0 {
		return nil
	}
	return err.Events[0]
}

// translate converts the result of an engine call into an error. Unknown
// codes mean the engine and this package disagree on the protocol and
// cause a panic.
func translate(st engine.Status) error {
	var kind ErrorKind
	switch st.Code {
	case engine.ErrorNone:
		return nil
	case engine.ErrorRequest:
		kind = RequestError
	case engine.ErrorLibrary:
		kind = LibraryError
	case engine.ErrorNoMem:
		kind = OutOfMemory
	default:
		panic(fmt.Sprintf("unknown engine error code %d: %s", int(st.Code), st.Msg))
	}
	return &DebugError{Kind: kind, Msg: st.Msg}
}

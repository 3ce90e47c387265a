package engine

import "fmt"

// ErrorCode is the result code of an engine call.
type ErrorCode int

const (
	ErrorNone    ErrorCode = iota // success
	ErrorLibrary                  // internal engine failure
	ErrorRequest                  // the request was invalid for the target's state
	ErrorNoMem                    // the engine ran out of memory
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "none"
	case ErrorLibrary:
		return "library"
	case ErrorRequest:
		return "request"
	case ErrorNoMem:
		return "nomem"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Status is the outcome of an engine call. Msg is only meaningful when
// Code is not ErrorNone.
type Status struct {
	Code ErrorCode
	Msg  string
}

// OK is the successful Status.
var OK = Status{}

// Failed reports whether the call did not succeed.
func (s Status) Failed() bool { return s.Code != ErrorNone }

// Requestf returns a request Status with a formatted message.
func Requestf(format string, args ...interface{}) Status {
	return Status{ErrorRequest, fmt.Sprintf(format, args...)}
}

// Libraryf returns a library Status with a formatted message.
func Libraryf(format string, args ...interface{}) Status {
	return Status{ErrorLibrary, fmt.Sprintf(format, args...)}
}

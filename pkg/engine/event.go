package engine

import "fmt"

// EventType is the discriminant of a RawEvent.
type EventType int

const (
	EventUnknown EventType = iota
	EventError
	EventSignal
	EventBreakpoint
	EventThreadCreate
	EventThreadDeath
	EventProcessExit
	EventProcessFork
	EventProcessExec
	EventSingleStep
	EventProcessCleanup
)

var eventTypeNames = [...]string{
	EventUnknown:        "unknown",
	EventError:          "error",
	EventSignal:         "signal",
	EventBreakpoint:     "breakpoint",
	EventThreadCreate:   "thread create",
	EventThreadDeath:    "thread death",
	EventProcessExit:    "process exit",
	EventProcessFork:    "process fork",
	EventProcessExec:    "process exec",
	EventSingleStep:     "single step",
	EventProcessCleanup: "process cleanup",
}

func (t EventType) String() string {
	if t >= 0 && int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// RawEvent is one record of the chain returned by WaitForEvents.
type RawEvent struct {
	Type    EventType
	Process Handle
	Thread  Handle
	// Data is one of the *Data types below, matching Type, or nil for
	// events without a payload.
	Data interface{}
	Next *RawEvent
}

// ErrorData is the payload of EventError.
type ErrorData struct {
	Msg string
}

// SignalData is the payload of EventSignal.
type SignalData struct {
	Addr uint64
	Sig  uint32
}

// BreakpointData is the payload of EventBreakpoint.
type BreakpointData struct {
	Addr uint64
}

// ThreadCreateData is the payload of EventThreadCreate.
type ThreadCreateData struct {
	NewThread Handle
}

// ExitData is the payload of EventProcessExit.
type ExitData struct {
	Code int32
}

// ForkData is the payload of EventProcessFork.
type ForkData struct {
	Pid uint32
}

// ExecData is the payload of EventProcessExec.
type ExecData struct {
	Path string
	Argv []string
	Envp []string
}

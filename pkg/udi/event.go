package udi

import (
	"fmt"
	"strings"

	"github.com/libudi/udi/pkg/engine"
)

// EventType identifies the variant of an Event.
type EventType = engine.EventType

const (
	EventError          = engine.EventError
	EventSignal         = engine.EventSignal
	EventBreakpoint     = engine.EventBreakpoint
	EventThreadCreate   = engine.EventThreadCreate
	EventThreadDeath    = engine.EventThreadDeath
	EventProcessExit    = engine.EventProcessExit
	EventProcessFork    = engine.EventProcessFork
	EventProcessExec    = engine.EventProcessExec
	EventSingleStep     = engine.EventSingleStep
	EventProcessCleanup = engine.EventProcessCleanup
)

// Event is a debug event. The concrete type is one of the *Event types of
// this package.
type Event interface {
	Type() EventType
	Process() *Process
	// Thread is the thread that triggered the event. It may be nil for
	// process level events.
	Thread() *Thread
	UserData() interface{}
	SetUserData(interface{})
	String() string

	event()
}

type eventBase struct {
	proc     *Process
	thr      *Thread
	userData interface{}
}

func (e *eventBase) Process() *Process         { return e.proc }
func (e *eventBase) Thread() *Thread           { return e.thr }
func (e *eventBase) UserData() interface{}     { return e.userData }
func (e *eventBase) SetUserData(v interface{}) { e.userData = v }
func (e *eventBase) event()                    {}

func (e *eventBase) describe(typ EventType, detail string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s pid=%d", typ, e.proc.pid)
	if e.thr != nil {
		fmt.Fprintf(&b, " thread=%#x", uint64(e.thr.handle))
	}
	if detail != "" {
		b.WriteString(" ")
		b.WriteString(detail)
	}
	return b.String()
}

// ErrorEvent reports an asynchronous engine failure.
type ErrorEvent struct {
	eventBase
	Msg string
}

func (e *ErrorEvent) Type() EventType { return EventError }
func (e *ErrorEvent) String() string  { return e.describe(EventError, fmt.Sprintf("%q", e.Msg)) }

// SignalEvent reports a signal received by the debuggee.
type SignalEvent struct {
	eventBase
	Addr   uint64
	Signal uint32
}

func (e *SignalEvent) Type() EventType { return EventSignal }
func (e *SignalEvent) String() string {
	return e.describe(EventSignal, fmt.Sprintf("sig=%s addr=%#x", signalName(e.Signal), e.Addr))
}

// BreakpointEvent reports a breakpoint hit.
type BreakpointEvent struct {
	eventBase
	Addr uint64
}

func (e *BreakpointEvent) Type() EventType { return EventBreakpoint }
func (e *BreakpointEvent) String() string {
	return e.describe(EventBreakpoint, fmt.Sprintf("addr=%#x", e.Addr))
}

// ThreadCreateEvent reports a new thread, already registered when the
// event is returned.
type ThreadCreateEvent struct {
	eventBase
	NewThread *Thread
}

func (e *ThreadCreateEvent) Type() EventType { return EventThreadCreate }
func (e *ThreadCreateEvent) String() string {
	return e.describe(EventThreadCreate, fmt.Sprintf("new=%#x", uint64(e.NewThread.handle)))
}

// ThreadDeathEvent reports the exit of Thread. The thread is no longer
// usable once the event is returned.
type ThreadDeathEvent struct {
	eventBase
}

func (e *ThreadDeathEvent) Type() EventType { return EventThreadDeath }
func (e *ThreadDeathEvent) String() string  { return e.describe(EventThreadDeath, "") }

// ProcessExitEvent reports that the process is exiting with ExitCode.
type ProcessExitEvent struct {
	eventBase
	ExitCode int32
}

func (e *ProcessExitEvent) Type() EventType { return EventProcessExit }
func (e *ProcessExitEvent) String() string {
	return e.describe(EventProcessExit, fmt.Sprintf("code=%d", e.ExitCode))
}

// ProcessForkEvent reports a fork; Pid is the child.
type ProcessForkEvent struct {
	eventBase
	Pid uint32
}

func (e *ProcessForkEvent) Type() EventType { return EventProcessFork }
func (e *ProcessForkEvent) String() string {
	return e.describe(EventProcessFork, fmt.Sprintf("child=%d", e.Pid))
}

// ProcessExecEvent reports an exec.
type ProcessExecEvent struct {
	eventBase
	Path string
	Argv []string
	Envp []string
}

func (e *ProcessExecEvent) Type() EventType { return EventProcessExec }
func (e *ProcessExecEvent) String() string {
	return e.describe(EventProcessExec, fmt.Sprintf("path=%s argv=%q", e.Path, e.Argv))
}

// SingleStepEvent reports a completed single step of Thread.
type SingleStepEvent struct {
	eventBase
}

func (e *SingleStepEvent) Type() EventType { return EventSingleStep }
func (e *SingleStepEvent) String() string  { return e.describe(EventSingleStep, "") }

// ProcessCleanupEvent is the last event of a process. The process and its
// threads are unregistered once the event is returned, the caller should
// Close it.
type ProcessCleanupEvent struct {
	eventBase
}

func (e *ProcessCleanupEvent) Type() EventType { return EventProcessCleanup }
func (e *ProcessCleanupEvent) String() string  { return e.describe(EventProcessCleanup, "") }

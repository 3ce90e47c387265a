package engine

import "fmt"

// Arch is the architecture of a debuggee.
type Arch int

const (
	X86 Arch = iota
	X86_64
)

func (a Arch) String() string {
	switch a {
	case X86:
		return "x86"
	case X86_64:
		return "x86_64"
	}
	return fmt.Sprintf("Arch(%d)", int(a))
}

// ThreadState is the engine-reported execution state of a thread.
type ThreadState int

const (
	ThreadRunning ThreadState = iota
	ThreadSuspended
)

func (s ThreadState) String() string {
	switch s {
	case ThreadRunning:
		return "running"
	case ThreadSuspended:
		return "suspended"
	}
	return fmt.Sprintf("ThreadState(%d)", int(s))
}

package fake

import "github.com/libudi/udi/pkg/engine"

type stepKind int

const (
	stepTrap stepKind = iota
	stepSignal
	stepSpawnThread
	stepEndThread
	stepFork
	stepExec
	stepFail
	stepExit
)

// Step is one scripted action executed by ContinueProcess.
type Step struct {
	kind stepKind
	addr uint64
	sig  uint32
	code int32
	pid  uint32
	msg  string
	argv []string
	envp []string
}

// Trap stops at addr if a breakpoint is installed there, otherwise the step
// is skipped silently.
func Trap(addr uint64) Step { return Step{kind: stepTrap, addr: addr} }

// Signal stops the process with sig delivered at addr.
func Signal(addr uint64, sig uint32) Step { return Step{kind: stepSignal, addr: addr, sig: sig} }

// SpawnThread creates a new thread, reported on the initial thread.
func SpawnThread() Step { return Step{kind: stepSpawnThread} }

// EndThread terminates the most recently created live thread other than
// the initial one.
func EndThread() Step { return Step{kind: stepEndThread} }

// Fork reports a fork that produced pid.
func Fork(pid uint32) Step { return Step{kind: stepFork, pid: pid} }

// Exec reports an exec of path.
func Exec(path string, argv, envp []string) Step {
	return Step{kind: stepExec, msg: path, argv: argv, envp: envp}
}

// Fail reports an asynchronous engine error.
func Fail(msg string) Step { return Step{kind: stepFail, msg: msg} }

// Exit terminates the process with code. The cleanup event follows on the
// next wait. A program whose steps run out exits with 0.
func Exit(code int32) Step { return Step{kind: stepExit, code: code} }

// Program describes an executable known to the fake engine.
type Program struct {
	Arch        engine.Arch
	Multithread bool
	// Entry is the initial program counter.
	Entry uint64
	Steps []Step
}

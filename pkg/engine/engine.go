// Package engine defines the contract between the lifecycle layer and a
// Debug Engine, the component that actually intercepts a debuggee.
//
// Every operation returns a Status; a zero Status means success. Handles
// are opaque to callers and stay valid until the engine frees them.
package engine

// Handle is an engine-owned reference to a native process or thread.
// The zero Handle never refers to a live object.
type Handle uint64

// ProcConfig carries per-process engine configuration.
type ProcConfig struct {
	// RootDir is where the engine keeps its per-process state.
	RootDir string
	// RuntimeLibPath is the runtime library loaded into the debuggee.
	RuntimeLibPath string
}

// Engine is implemented by debug engine backends.
//
// Engines are not required to be safe for concurrent use except that
// WaitForEvents may block on one goroutine while no other engine call is in
// flight for the same processes.
type Engine interface {
	CreateProcess(path string, argv, envp []string, cfg ProcConfig) (proc, initialThread Handle, st Status)
	FreeProcess(proc Handle) Status
	ContinueProcess(proc Handle) Status
	RefreshState(proc Handle) Status

	ReadMemory(proc Handle, buf []byte, addr uint64) Status
	WriteMemory(proc Handle, buf []byte, addr uint64) Status

	CreateBreakpoint(proc Handle, addr uint64) Status
	InstallBreakpoint(proc Handle, addr uint64) Status
	RemoveBreakpoint(proc Handle, addr uint64) Status
	DeleteBreakpoint(proc Handle, addr uint64) Status

	Pid(proc Handle) (int, Status)
	Architecture(proc Handle) (Arch, Status)
	MultithreadCapable(proc Handle) (bool, Status)
	InitialThread(proc Handle) (Handle, Status)
	IsRunning(proc Handle) (bool, Status)
	IsTerminated(proc Handle) (bool, Status)

	Tid(thr Handle) (uint64, Status)
	ThreadState(thr Handle) (ThreadState, Status)
	NextThread(thr Handle) (Handle, Status)
	ResumeThread(thr Handle) Status
	SuspendThread(thr Handle) Status
	SetSingleStep(thr Handle, enable bool) Status
	SingleStep(thr Handle) (bool, Status)
	ReadRegister(thr Handle, reg Register) (uint64, Status)
	WriteRegister(thr Handle, reg Register, value uint64) Status
	PC(thr Handle) (uint64, Status)
	NextInstruction(thr Handle) (uint64, Status)

	// WaitForEvents blocks until at least one of procs has an event and
	// returns the head of the chain. The chain stays valid until it is
	// passed to FreeEventList.
	WaitForEvents(procs []Handle) (*RawEvent, Status)
	FreeEventList(head *RawEvent)
}

package udi

import (
	"sort"
	"sync"

	"github.com/libudi/udi/pkg/engine"
	"github.com/libudi/udi/pkg/logflags"
)

// ProcessState is the lifecycle state of a Process as seen by this package.
type ProcessState int

const (
	// WaitingForStart is the state of a new process, halted at its entry
	// point and never continued.
	WaitingForStart ProcessState = iota
	Running
	Stopped
	// Terminated is entered when the process exit is observed.
	Terminated
	// Closed is final: the engine resources have been released.
	Closed
)

func (s ProcessState) String() string {
	switch s {
	case WaitingForStart:
		return "waiting for start"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Terminated:
		return "terminated"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Process is a debuggee created by a ProcessManager.
type Process struct {
	mgr    *ProcessManager
	handle engine.Handle
	pid    int

	mu        sync.Mutex
	state     ProcessState
	arch      engine.Arch
	archKnown bool
	bps       map[uint64]*Breakpoint
	userData  interface{}
}

func newProcess(mgr *ProcessManager, h engine.Handle) *Process {
	return &Process{mgr: mgr, handle: h, bps: make(map[uint64]*Breakpoint)}
}

func (p *Process) eng() engine.Engine { return p.mgr.eng }

// State returns the current lifecycle state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) closedErrorLocked() error {
	return &ClosedError{Pid: p.pid}
}

func (p *Process) checkOpenLocked() error {
	if p.state == Closed {
		return p.closedErrorLocked()
	}
	return nil
}

func (p *Process) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkOpenLocked()
}

// checkStoppedLocked accepts a process that was never started: it is
// halted at its entry point.
func (p *Process) checkStoppedLocked() error {
	switch p.state {
	case WaitingForStart, Stopped:
		return nil
	case Closed:
		return p.closedErrorLocked()
	case Running:
		return requestErrorf("process %d is running", p.pid)
	default:
		return requestErrorf("process %d has terminated", p.pid)
	}
}

func (p *Process) checkStopped() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkStoppedLocked()
}

// Pid returns the operating system process id.
func (p *Process) Pid() (int, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}
	pid, st := p.eng().Pid(p.handle)
	return pid, translate(st)
}

// Architecture returns the architecture of the debuggee. The value is
// cached after the first successful query.
func (p *Process) Architecture() (engine.Arch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkOpenLocked(); err != nil {
		return 0, err
	}
	if p.archKnown {
		return p.arch, nil
	}
	arch, st := p.eng().Architecture(p.handle)
	if err := translate(st); err != nil {
		return 0, err
	}
	p.arch, p.archKnown = arch, true
	return arch, nil
}

// MultithreadCapable reports whether the debuggee can create threads.
func (p *Process) MultithreadCapable() (bool, error) {
	if err := p.checkOpen(); err != nil {
		return false, err
	}
	mt, st := p.eng().MultithreadCapable(p.handle)
	return mt, translate(st)
}

// InitialThread returns the first thread of the process.
func (p *Process) InitialThread() (*Thread, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	h, st := p.eng().InitialThread(p.handle)
	if err := translate(st); err != nil {
		return nil, err
	}
	t := p.mgr.reg.lookupThread(h)
	if t == nil {
		return nil, libraryErrorf("initial thread %#x of process %d is not registered", uint64(h), p.pid)
	}
	return t, nil
}

// IsRunning asks the engine whether the process is running.
func (p *Process) IsRunning() (bool, error) {
	if err := p.checkOpen(); err != nil {
		return false, err
	}
	r, st := p.eng().IsRunning(p.handle)
	return r, translate(st)
}

// IsTerminated asks the engine whether the process has terminated.
func (p *Process) IsTerminated() (bool, error) {
	if err := p.checkOpen(); err != nil {
		return false, err
	}
	r, st := p.eng().IsTerminated(p.handle)
	return r, translate(st)
}

// IsWaitingForStart reports whether the process was never continued.
func (p *Process) IsWaitingForStart() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkOpenLocked(); err != nil {
		return false, err
	}
	return p.state == WaitingForStart, nil
}

// Continue resumes the process. It is a request error to continue a
// running or terminated process.
func (p *Process) Continue() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkStoppedLocked(); err != nil {
		return err
	}
	if err := translate(p.eng().ContinueProcess(p.handle)); err != nil {
		return err
	}
	p.mgr.log.Debugf("process %d: %s -> running", p.pid, p.state)
	p.state = Running
	return nil
}

// RefreshState synchronizes the engine's view of the stopped process.
func (p *Process) RefreshState() error {
	if err := p.checkStopped(); err != nil {
		return err
	}
	return translate(p.eng().RefreshState(p.handle))
}

// ReadMemory fills buf with the debuggee memory starting at addr.
func (p *Process) ReadMemory(buf []byte, addr uint64) error {
	if err := p.checkStopped(); err != nil {
		return err
	}
	return translate(p.eng().ReadMemory(p.handle, buf, addr))
}

// WriteMemory copies buf into the debuggee memory starting at addr.
func (p *Process) WriteMemory(buf []byte, addr uint64) error {
	if err := p.checkStopped(); err != nil {
		return err
	}
	return translate(p.eng().WriteMemory(p.handle, buf, addr))
}

// WaitForEvents waits for events on this process only.
func (p *Process) WaitForEvents() ([]Event, error) {
	return p.mgr.WaitForEvents(p)
}

// WaitForEvent waits for exactly one event of type expected. Any other
// outcome returns an *UnexpectedEventError holding the received events,
// including a decode failure that still produced events.
func (p *Process) WaitForEvent(expected EventType) (Event, error) {
	events, err := p.WaitForEvents()
	if err != nil && len(events) == 0 {
		return nil, err
	}
	if err != nil || len(events) != 1 || events[0].Type() != expected {
		return nil, &UnexpectedEventError{Expected: expected, Events: events, Err: err}
	}
	return events[0], nil
}

// Close releases the engine resources of the process and unregisters it
// and its threads. Every later operation, Close included, returns a
// *ClosedError.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkOpenLocked(); err != nil {
		return err
	}
	if err := translate(p.eng().FreeProcess(p.handle)); err != nil {
		return err
	}
	p.mgr.reg.removeProcess(p.handle)
	p.mgr.log.Debugf("process %d: %s -> closed", p.pid, p.state)
	p.state = Closed
	return nil
}

// UserData returns the value stored with SetUserData.
func (p *Process) UserData() (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkOpenLocked(); err != nil {
		return nil, err
	}
	return p.userData, nil
}

// SetUserData attaches an arbitrary value to the process.
func (p *Process) SetUserData(v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkOpenLocked(); err != nil {
		return err
	}
	p.userData = v
	return nil
}

// eventObserved applies the state transition caused by an event decoded
// for this process.
func (p *Process) eventObserved(typ EventType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.state
	switch {
	case p.state == Closed:
		return
	case typ == EventProcessExit, typ == EventProcessCleanup:
		p.state = Terminated
	case p.state == Running:
		p.state = Stopped
	}
	if old != p.state && logflags.Core() {
		p.mgr.log.Debugf("process %d: %s -> %s", p.pid, old, p.state)
	}
}

// Breakpoints returns the breakpoints known for the process, ordered by
// address.
func (p *Process) Breakpoints() []Breakpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := make([]Breakpoint, 0, len(p.bps))
	for _, bp := range p.bps {
		r = append(r, *bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

// Breakpoint returns the breakpoint at addr.
func (p *Process) Breakpoint(addr uint64) (Breakpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bp, ok := p.bps[addr]
	if !ok {
		return Breakpoint{}, false
	}
	return *bp, true
}

package udi

// BreakpointState is the lifecycle state of a Breakpoint.
type BreakpointState int

const (
	BreakpointCreated BreakpointState = iota
	BreakpointInstalled
	BreakpointRemoved
	BreakpointDeleted
)

func (s BreakpointState) String() string {
	switch s {
	case BreakpointCreated:
		return "created"
	case BreakpointInstalled:
		return "installed"
	case BreakpointRemoved:
		return "removed"
	case BreakpointDeleted:
		return "deleted"
	}
	return "unknown"
}

// Breakpoint is a snapshot of a software breakpoint of a process.
type Breakpoint struct {
	Addr  uint64
	State BreakpointState
}

// The lifecycle is tracked locally so that invalid sequences fail before
// reaching the engine; the engine remains authoritative and can still reject
// a request that passes these checks.

// CreateBreakpoint creates a breakpoint at addr without inserting it.
func (p *Process) CreateBreakpoint(addr uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkStoppedLocked(); err != nil {
		return err
	}
	if _, exists := p.bps[addr]; exists {
		return requestErrorf("breakpoint already exists at %#x", addr)
	}
	if err := translate(p.eng().CreateBreakpoint(p.handle, addr)); err != nil {
		return err
	}
	p.bps[addr] = &Breakpoint{Addr: addr, State: BreakpointCreated}
	return nil
}

func (p *Process) liveBreakpointLocked(addr uint64) (*Breakpoint, error) {
	if err := p.checkStoppedLocked(); err != nil {
		return nil, err
	}
	bp, ok := p.bps[addr]
	if !ok {
		return nil, requestErrorf("no breakpoint at %#x", addr)
	}
	return bp, nil
}

// InstallBreakpoint inserts a created or removed breakpoint.
func (p *Process) InstallBreakpoint(addr uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	bp, err := p.liveBreakpointLocked(addr)
	if err != nil {
		return err
	}
	if bp.State == BreakpointInstalled {
		return requestErrorf("breakpoint already installed at %#x", addr)
	}
	if err := translate(p.eng().InstallBreakpoint(p.handle, addr)); err != nil {
		return err
	}
	bp.State = BreakpointInstalled
	return nil
}

// RemoveBreakpoint takes an installed breakpoint out of the debuggee's
// code, keeping it for a later InstallBreakpoint.
func (p *Process) RemoveBreakpoint(addr uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	bp, err := p.liveBreakpointLocked(addr)
	if err != nil {
		return err
	}
	if bp.State != BreakpointInstalled {
		return requestErrorf("breakpoint at %#x is not installed", addr)
	}
	if err := translate(p.eng().RemoveBreakpoint(p.handle, addr)); err != nil {
		return err
	}
	bp.State = BreakpointRemoved
	return nil
}

// DeleteBreakpoint removes the breakpoint and forgets it.
func (p *Process) DeleteBreakpoint(addr uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	bp, err := p.liveBreakpointLocked(addr)
	if err != nil {
		return err
	}
	if err := translate(p.eng().DeleteBreakpoint(p.handle, addr)); err != nil {
		return err
	}
	bp.State = BreakpointDeleted
	delete(p.bps, addr)
	return nil
}

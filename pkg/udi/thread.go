package udi

import (
	"sync"

	"github.com/libudi/udi/pkg/engine"
)

// Thread is a thread of a debuggee.
type Thread struct {
	proc   *Process
	handle engine.Handle

	mu       sync.Mutex
	dead     bool
	userData interface{}
}

func newThread(p *Process, h engine.Handle) *Thread {
	return &Thread{proc: p, handle: h}
}

func (t *Thread) eng() engine.Engine { return t.proc.mgr.eng }

func (t *Thread) checkAlive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return requestErrorf("thread %#x has exited", uint64(t.handle))
	}
	return nil
}

func (t *Thread) checkOpen() error {
	if err := t.proc.checkOpen(); err != nil {
		return err
	}
	return t.checkAlive()
}

func (t *Thread) checkStopped() error {
	if err := t.proc.checkStopped(); err != nil {
		return err
	}
	return t.checkAlive()
}

func (t *Thread) markDead() {
	t.mu.Lock()
	t.dead = true
	t.mu.Unlock()
}

// Process returns the process the thread belongs to.
func (t *Thread) Process() *Process {
	return t.proc
}

// Tid returns the operating system thread id.
func (t *Thread) Tid() (uint64, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	tid, st := t.eng().Tid(t.handle)
	return tid, translate(st)
}

// State returns the engine-reported state of the thread.
func (t *Thread) State() (engine.ThreadState, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	s, st := t.eng().ThreadState(t.handle)
	return s, translate(st)
}

// NextThread returns the thread following t in the process thread list,
// or nil if t is the last one.
func (t *Thread) NextThread() (*Thread, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	h, st := t.eng().NextThread(t.handle)
	if err := translate(st); err != nil {
		return nil, err
	}
	if h == 0 {
		return nil, nil
	}
	next := t.proc.mgr.reg.lookupThread(h)
	if next == nil {
		return nil, libraryErrorf("thread %#x is not registered", uint64(h))
	}
	return next, nil
}

// PC returns the program counter of the thread.
func (t *Thread) PC() (uint64, error) {
	if err := t.checkStopped(); err != nil {
		return 0, err
	}
	pc, st := t.eng().PC(t.handle)
	return pc, translate(st)
}

// NextPC returns the address of the instruction that will execute after
// the current one.
func (t *Thread) NextPC() (uint64, error) {
	if err := t.checkStopped(); err != nil {
		return 0, err
	}
	pc, st := t.eng().NextInstruction(t.handle)
	return pc, translate(st)
}

func (t *Thread) checkRegister(reg engine.Register) error {
	arch, err := t.proc.Architecture()
	if err != nil {
		return err
	}
	if !reg.ValidFor(arch) {
		return requestErrorf("register %v is not valid for %v", reg, arch)
	}
	return t.checkStopped()
}

// ReadRegister reads reg, which must belong to the process architecture.
func (t *Thread) ReadRegister(reg engine.Register) (uint64, error) {
	if err := t.checkRegister(reg); err != nil {
		return 0, err
	}
	v, st := t.eng().ReadRegister(t.handle, reg)
	return v, translate(st)
}

// WriteRegister writes value to reg, which must belong to the process
// architecture.
func (t *Thread) WriteRegister(reg engine.Register, value uint64) error {
	if err := t.checkRegister(reg); err != nil {
		return err
	}
	return translate(t.eng().WriteRegister(t.handle, reg, value))
}

// Resume marks the thread runnable for the next Continue.
func (t *Thread) Resume() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return translate(t.eng().ResumeThread(t.handle))
}

// Suspend keeps the thread stopped across the next Continue.
func (t *Thread) Suspend() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return translate(t.eng().SuspendThread(t.handle))
}

// SetSingleStep enables or disables single stepping of the thread.
func (t *Thread) SetSingleStep(enable bool) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return translate(t.eng().SetSingleStep(t.handle, enable))
}

// SingleStep reports whether single stepping is enabled.
func (t *Thread) SingleStep() (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	enabled, st := t.eng().SingleStep(t.handle)
	return enabled, translate(st)
}

// UserData returns the value stored with SetUserData. It stays readable
// after the thread exits.
func (t *Thread) UserData() (interface{}, error) {
	if err := t.proc.checkOpen(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userData, nil
}

func (t *Thread) SetUserData(v interface{}) error {
	if err := t.proc.checkOpen(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userData = v
	return nil
}

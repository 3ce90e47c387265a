package gdbserial

import (
	"github.com/libudi/udi/pkg/engine"
)

func (e *Engine) Tid(thr engine.Handle) (uint64, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.thread(thr)
	if st.Failed() {
		return 0, st
	}
	return t.tid, engine.OK
}

func (e *Engine) ThreadState(thr engine.Handle) (engine.ThreadState, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.thread(thr)
	if st.Failed() {
		return 0, st
	}
	if t.suspended {
		return engine.ThreadSuspended, engine.OK
	}
	return engine.ThreadRunning, engine.OK
}

// NextThread returns the thread created after thr, skipping the ones that
// exited, or the zero Handle.
func (e *Engine) NextThread(thr engine.Handle) (engine.Handle, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.thread(thr)
	if st.Failed() {
		return 0, st
	}
	found := false
	for _, other := range t.p.threads {
		switch {
		case other == t:
			found = true
		case found && !other.dead:
			return other.h, engine.OK
		}
	}
	return 0, engine.OK
}

// ResumeThread and SuspendThread take effect at the next ContinueProcess.
func (e *Engine) ResumeThread(thr engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.thread(thr)
	if st.Failed() {
		return st
	}
	if !t.suspended {
		return engine.Requestf("thread %d is not suspended", t.tid)
	}
	t.suspended = false
	return engine.OK
}

func (e *Engine) SuspendThread(thr engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.thread(thr)
	if st.Failed() {
		return st
	}
	if t.suspended {
		return engine.Requestf("thread %d is already suspended", t.tid)
	}
	t.suspended = true
	return engine.OK
}

func (e *Engine) SetSingleStep(thr engine.Handle, enable bool) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.thread(thr)
	if st.Failed() {
		return st
	}
	t.singleStep = enable
	return engine.OK
}

func (e *Engine) SingleStep(thr engine.Handle) (bool, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.thread(thr)
	if st.Failed() {
		return false, st
	}
	return t.singleStep, engine.OK
}

func (e *Engine) ReadRegister(thr engine.Handle, reg engine.Register) (uint64, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.stoppedThread(thr)
	if st.Failed() {
		return 0, st
	}
	if !reg.ValidFor(t.p.arch) {
		return 0, engine.Requestf("register %s is not valid for %s", reg, t.p.arch)
	}
	v, err := t.p.conn.readRegisterValue(t.id, reg)
	if err != nil {
		return 0, engine.Libraryf("could not read %s of thread %d: %v", reg, t.tid, err)
	}
	return v, engine.OK
}

func (e *Engine) WriteRegister(thr engine.Handle, reg engine.Register, value uint64) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.stoppedThread(thr)
	if st.Failed() {
		return st
	}
	if !reg.ValidFor(t.p.arch) {
		return engine.Requestf("register %s is not valid for %s", reg, t.p.arch)
	}
	if err := t.p.conn.writeRegisterValue(t.id, reg, value); err != nil {
		return engine.Libraryf("could not write %s of thread %d: %v", reg, t.tid, err)
	}
	return engine.OK
}

func (e *Engine) PC(thr engine.Handle) (uint64, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.stoppedThread(thr)
	if st.Failed() {
		return 0, st
	}
	pc, err := t.pc()
	if err != nil {
		return 0, engine.Libraryf("could not read pc of thread %d: %v", t.tid, err)
	}
	return pc, engine.OK
}

func (e *Engine) NextInstruction(thr engine.Handle) (uint64, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.stoppedThread(thr)
	if st.Failed() {
		return 0, st
	}
	pc, err := t.pc()
	if err != nil {
		return 0, engine.Libraryf("could not read pc of thread %d: %v", t.tid, err)
	}
	next, err := nextInstruction(t, t.p.arch, pc)
	if err != nil {
		return 0, engine.Libraryf("thread %d: %v", t.tid, err)
	}
	return next, engine.OK
}

func (t *thread) pc() (uint64, error) {
	return t.register(engine.PCRegister(t.p.arch))
}

// register and memory implement threadContext.

func (t *thread) register(reg engine.Register) (uint64, error) {
	return t.p.conn.readRegisterValue(t.id, reg)
}

func (t *thread) memory(buf []byte, addr uint64) error {
	return t.p.mem.ReadMemory(buf, addr)
}

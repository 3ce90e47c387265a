package fake

import "github.com/libudi/udi/pkg/engine"

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

func (e *Engine) NextThread(thr engine.Handle) (engine.Handle, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.thread(thr)
	if st.Failed() {
		return 0, st
	}
	found := false
	for _, other := range t.proc.threads {
		if found && !other.dead {
			return other.h, engine.OK
		}
		if other == t {
			found = true
		}
	}
	return 0, engine.OK
}

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
	t, st := e.thread(thr)
	if st.Failed() {
		return 0, st
	}
	if !reg.ValidFor(t.proc.prog.Arch) {
		return 0, engine.Requestf("invalid register %v for %v", reg, t.proc.prog.Arch)
	}
	return t.regs[reg], engine.OK
}

func (e *Engine) WriteRegister(thr engine.Handle, reg engine.Register, value uint64) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.thread(thr)
	if st.Failed() {
		return st
	}
	if !reg.ValidFor(t.proc.prog.Arch) {
		return engine.Requestf("invalid register %v for %v", reg, t.proc.prog.Arch)
	}
	if st := t.proc.stopped(); st.Failed() {
		return st
	}
	t.regs[reg] = value
	return engine.OK
}

func (e *Engine) PC(thr engine.Handle) (uint64, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.thread(thr)
	if st.Failed() {
		return 0, st
	}
	return t.regs[engine.PCRegister(t.proc.prog.Arch)], engine.OK
}

func (e *Engine) NextInstruction(thr engine.Handle) (uint64, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, st := e.thread(thr)
	if st.Failed() {
		return 0, st
	}
	return t.regs[engine.PCRegister(t.proc.prog.Arch)] + InstructionLen, engine.OK
}

var _ engine.Engine = (*Engine)(nil)

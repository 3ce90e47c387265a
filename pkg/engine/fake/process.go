package fake

import (
	"github.com/libudi/udi/pkg/engine"
)

func (e *Engine) CreateProcess(path string, argv, envp []string, cfg engine.ProcConfig) (engine.Handle, engine.Handle, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.failure("CreateProcess"); ok {
		return 0, 0, st
	}
	prog, ok := e.programs[path]
	if !ok {
		return 0, 0, engine.Requestf("%s: no such file or directory", path)
	}
	p := &process{
		h:    e.newHandle(),
		prog: prog,
		pid:  e.nextPid,
		bps:  make(map[uint64]bool),
		mem:  make(map[uint64]byte),
	}
	e.nextPid += 100
	e.procs[p.h] = p
	t := e.newThread(p)
	return p.h, t.h, engine.OK
}

func (e *Engine) FreeProcess(proc engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.proc(proc)
	if st.Failed() {
		return st
	}
	for _, t := range p.threads {
		delete(e.threads, t.h)
	}
	delete(e.procs, proc)
	delete(e.injected, proc)
	e.freedProcs = append(e.freedProcs, proc)
	e.cond.Broadcast()
	return engine.OK
}

func (e *Engine) ContinueProcess(proc engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.failure("ContinueProcess"); ok {
		return st
	}
	p, st := e.proc(proc)
	if st.Failed() {
		return st
	}
	if st := p.stopped(); st.Failed() {
		return st
	}
	p.running = true
	if ev := e.run(p); ev != nil {
		p.pending = append(p.pending, ev)
	}
	e.cond.Broadcast()
	return engine.OK
}

// run executes the program until it produces an event.
func (e *Engine) run(p *process) *engine.RawEvent {
	initial := p.threads[0]
	arch := p.prog.Arch
	for _, t := range p.threads {
		if t.dead || t.suspended || !t.singleStep {
			continue
		}
		t.regs[engine.PCRegister(arch)] += InstructionLen
		return &engine.RawEvent{Type: engine.EventSingleStep, Process: p.h, Thread: t.h}
	}
	for {
		if p.step >= len(p.prog.Steps) {
			return e.exit(p, 0)
		}
		s := p.prog.Steps[p.step]
		p.step++
		switch s.kind {
		case stepTrap:
			if !p.bps[s.addr] {
				continue
			}
			initial.regs[engine.PCRegister(arch)] = s.addr
			return &engine.RawEvent{Type: engine.EventBreakpoint, Process: p.h, Thread: initial.h, Data: &engine.BreakpointData{Addr: s.addr}}
		case stepSignal:
			initial.regs[engine.PCRegister(arch)] = s.addr
			return &engine.RawEvent{Type: engine.EventSignal, Process: p.h, Thread: initial.h, Data: &engine.SignalData{Addr: s.addr, Sig: s.sig}}
		case stepSpawnThread:
			t := e.newThread(p)
			return &engine.RawEvent{Type: engine.EventThreadCreate, Process: p.h, Thread: initial.h, Data: &engine.ThreadCreateData{NewThread: t.h}}
		case stepEndThread:
			for i := len(p.threads) - 1; i > 0; i-- {
				if t := p.threads[i]; !t.dead {
					t.dead = true
					return &engine.RawEvent{Type: engine.EventThreadDeath, Process: p.h, Thread: t.h}
				}
			}
		case stepFork:
			return &engine.RawEvent{Type: engine.EventProcessFork, Process: p.h, Thread: initial.h, Data: &engine.ForkData{Pid: s.pid}}
		case stepExec:
			return &engine.RawEvent{Type: engine.EventProcessExec, Process: p.h, Thread: initial.h, Data: &engine.ExecData{Path: s.msg, Argv: s.argv, Envp: s.envp}}
		case stepFail:
			return &engine.RawEvent{Type: engine.EventError, Process: p.h, Thread: initial.h, Data: &engine.ErrorData{Msg: s.msg}}
		case stepExit:
			return e.exit(p, s.code)
		}
	}
}

func (e *Engine) exit(p *process, code int32) *engine.RawEvent {
	p.terminated = true
	p.step = len(p.prog.Steps)
	initial := p.threads[0].h
	p.pending = append(p.pending, &engine.RawEvent{Type: engine.EventProcessExit, Process: p.h, Thread: initial, Data: &engine.ExitData{Code: code}})
	return &engine.RawEvent{Type: engine.EventProcessCleanup, Process: p.h, Thread: initial}
}

func (e *Engine) RefreshState(proc engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.proc(proc)
	if st.Failed() {
		return st
	}
	return p.stopped()
}

func (e *Engine) ReadMemory(proc engine.Handle, buf []byte, addr uint64) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.failure("ReadMemory"); ok {
		return st
	}
	p, st := e.proc(proc)
	if st.Failed() {
		return st
	}
	if addr == 0 {
		return engine.Requestf("could not read memory at %#x", addr)
	}
	for i := range buf {
		buf[i] = p.mem[addr+uint64(i)]
	}
	return engine.OK
}

func (e *Engine) WriteMemory(proc engine.Handle, buf []byte, addr uint64) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.proc(proc)
	if st.Failed() {
		return st
	}
	if addr == 0 {
		return engine.Requestf("could not write memory at %#x", addr)
	}
	for i, b := range buf {
		p.mem[addr+uint64(i)] = b
	}
	return engine.OK
}

func (e *Engine) CreateBreakpoint(proc engine.Handle, addr uint64) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.proc(proc)
	if st.Failed() {
		return st
	}
	if _, ok := p.bps[addr]; ok {
		return engine.Requestf("breakpoint already exists at %#x", addr)
	}
	p.bps[addr] = false
	return engine.OK
}

func (e *Engine) InstallBreakpoint(proc engine.Handle, addr uint64) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.proc(proc)
	if st.Failed() {
		return st
	}
	installed, ok := p.bps[addr]
	if !ok {
		return engine.Requestf("no breakpoint at %#x", addr)
	}
	if installed {
		return engine.Requestf("breakpoint at %#x already installed", addr)
	}
	p.bps[addr] = true
	return engine.OK
}

func (e *Engine) RemoveBreakpoint(proc engine.Handle, addr uint64) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.proc(proc)
	if st.Failed() {
		return st
	}
	if !p.bps[addr] {
		return engine.Requestf("no breakpoint installed at %#x", addr)
	}
	p.bps[addr] = false
	return engine.OK
}

func (e *Engine) DeleteBreakpoint(proc engine.Handle, addr uint64) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.proc(proc)
	if st.Failed() {
		return st
	}
	if _, ok := p.bps[addr]; !ok {
		return engine.Requestf("no breakpoint at %#x", addr)
	}
	delete(p.bps, addr)
	return engine.OK
}

func (e *Engine) Pid(proc engine.Handle) (int, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.proc(proc)
	if st.Failed() {
		return 0, st
	}
	return p.pid, engine.OK
}

func (e *Engine) Architecture(proc engine.Handle) (engine.Arch, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.failure("Architecture"); ok {
		return 0, st
	}
	p, st := e.proc(proc)
	if st.Failed() {
		return 0, st
	}
	return p.prog.Arch, engine.OK
}

func (e *Engine) MultithreadCapable(proc engine.Handle) (bool, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.proc(proc)
	if st.Failed() {
		return false, st
	}
	return p.prog.Multithread, engine.OK
}

func (e *Engine) InitialThread(proc engine.Handle) (engine.Handle, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.proc(proc)
	if st.Failed() {
		return 0, st
	}
	return p.threads[0].h, engine.OK
}

func (e *Engine) IsRunning(proc engine.Handle) (bool, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.proc(proc)
	if st.Failed() {
		return false, st
	}
	return p.running, engine.OK
}

func (e *Engine) IsTerminated(proc engine.Handle) (bool, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.proc(proc)
	if st.Failed() {
		return false, st
	}
	return p.terminated, engine.OK
}

func (e *Engine) WaitForEvents(procs []engine.Handle) (*engine.RawEvent, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.failure("WaitForEvents"); ok {
		return nil, st
	}
	if e.emptyWaits > 0 {
		e.emptyWaits--
		return nil, engine.OK
	}
	for {
		var head, tail *engine.RawEvent
		waitable := false
		for _, h := range procs {
			p, st := e.proc(h)
			if st.Failed() {
				return nil, st
			}
			var ev *engine.RawEvent
			switch {
			case len(e.injected[h]) > 0:
				ev = e.injected[h][0]
				e.injected[h] = e.injected[h][1:]
			case len(p.pending) > 0:
				ev = p.pending[0]
				p.pending = p.pending[1:]
			}
			if ev == nil {
				if p.running {
					waitable = true
				}
				continue
			}
			p.running = false
			if head == nil {
				head = ev
			} else {
				tail.Next = ev
			}
			tail = ev
		}
		if head != nil {
			return head, engine.OK
		}
		if !waitable {
			return nil, engine.Requestf("no running process to wait for")
		}
		e.cond.Wait()
	}
}

func (e *Engine) FreeEventList(head *engine.RawEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ev := head; ev != nil; {
		next := ev.Next
		ev.Next = nil
		ev = next
	}
	e.freedLists++
}

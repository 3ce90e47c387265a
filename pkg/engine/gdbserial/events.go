package gdbserial

import (
	"bytes"
	"fmt"
	"os"

	"github.com/libudi/udi/pkg/engine"
	"github.com/libudi/udi/pkg/logflags"
)

func (p *process) queue(t *thread, typ engine.EventType, data interface{}) {
	p.pending = append(p.pending, &engine.RawEvent{
		Type:    typ,
		Process: p.h,
		Thread:  p.threadHandle(t),
		Data:    data,
	})
}

// terminate queues the final events of a process.
func (p *process) terminate(exit interface{}) {
	t := p.firstLiveThread()
	if exit != nil {
		p.queue(t, engine.EventProcessExit, exit)
	}
	p.queue(t, engine.EventProcessCleanup, nil)
	p.terminated = true
}

// handleStop converts a stop reply into raw events. Called with e.mu held.
func (e *Engine) handleStop(p *process, r *stopResult) {
	if p.terminated {
		return
	}
	if r.err != nil {
		e.log.Errorf("process %d: %v", p.pid, r.err)
		p.queue(p.firstLiveThread(), engine.EventError, &engine.ErrorData{Msg: fmt.Sprintf("lost connection to stub: %v", r.err)})
		p.terminate(nil)
		return
	}
	sp := r.sp
	switch sp.kind {
	case 'W':
		e.log.Debugf("process %d exited with status %d", p.pid, sp.sig)
		p.terminate(&engine.ExitData{Code: int32(sp.sig)})
	case 'X':
		sig := p.conn.hostSignal(sp.sig)
		e.log.Debugf("process %d killed by signal %d", p.pid, sig)
		p.terminate(&engine.ExitData{Code: 128 + int32(sig)})
	case 'N':
		p.queue(p.firstLiveThread(), engine.EventError, &engine.ErrorData{Msg: "no resumed threads left"})
	default:
		e.handleThreadStop(p, sp)
	}
}

func (e *Engine) handleThreadStop(p *process, sp stopPacket) {
	if err := e.updateThreadList(p, sp.threadID); err != nil {
		p.queue(p.firstLiveThread(), engine.EventError, &engine.ErrorData{Msg: err.Error()})
		return
	}
	t := p.byID[sp.threadID]
	if t == nil || t.dead {
		t = p.firstLiveThread()
	}
	if t == nil {
		p.queue(nil, engine.EventError, &engine.ErrorData{Msg: fmt.Sprintf("process %d stopped without threads", p.pid)})
		return
	}

	switch sp.reason {
	case "fork", "vfork":
		pid, _, err := parseThreadID(sp.fork)
		if err != nil {
			p.queue(t, engine.EventError, &engine.ErrorData{Msg: err.Error()})
			return
		}
		// the child is not debugged
		if err := p.conn.detachChild(pid); err != nil {
			e.log.Warnf("could not detach child %d of process %d: %v", pid, p.pid, err)
		}
		p.queue(t, engine.EventProcessFork, &engine.ForkData{Pid: uint32(pid)})
		return
	case "exec":
		e.handleExec(p, t, sp.exec)
		return
	}

	if sp.sig == 0 {
		if len(p.pending) == 0 {
			if st := e.resume(p); st.Failed() {
				p.queue(t, engine.EventError, &engine.ErrorData{Msg: st.Msg})
			}
		}
		return
	}

	pc, err := t.pc()
	if err != nil {
		p.queue(t, engine.EventError, &engine.ErrorData{Msg: fmt.Sprintf("could not read pc of thread %d: %v", t.tid, err)})
		return
	}

	if sp.sig != sigTrap {
		p.sigs[t.id] = sp.sig
		p.queue(t, engine.EventSignal, &engine.SignalData{Addr: pc, Sig: uint32(p.conn.hostSignal(sp.sig))})
		return
	}
	switch {
	case sp.reason == "breakpoint":
		p.queue(t, engine.EventBreakpoint, &engine.BreakpointData{Addr: pc})
	case t.singleStep:
		p.queue(t, engine.EventSingleStep, nil)
	case p.bps[pc]:
		p.queue(t, engine.EventBreakpoint, &engine.BreakpointData{Addr: pc})
	default:
		p.queue(t, engine.EventSignal, &engine.SignalData{Addr: pc, Sig: sigTrap})
	}
}

// updateThreadList queries the stub for the current threads and queues
// creation and death events for the differences.
func (e *Engine) updateThreadList(p *process, stopID string) error {
	ids, err := p.conn.queryAllThreads()
	if err != nil {
		return fmt.Errorf("could not list threads of process %d: %v", p.pid, err)
	}
	alive := make(map[string]bool, len(ids))
	for _, id := range ids {
		alive[id] = true
	}
	reporter := p.byID[stopID]
	if reporter == nil || !alive[stopID] {
		reporter = nil
		for _, t := range p.threads {
			if !t.dead && alive[t.id] {
				reporter = t
				break
			}
		}
	}
	for _, id := range ids {
		if t := p.byID[id]; t != nil && !t.dead {
			continue
		}
		t := e.newThread(p, id)
		if logflags.Engine() {
			e.log.Debugf("process %d: new thread %d", p.pid, t.tid)
		}
		p.queue(reporter, engine.EventThreadCreate, &engine.ThreadCreateData{NewThread: t.h})
	}
	for _, t := range p.threads {
		if t.dead || alive[t.id] {
			continue
		}
		if logflags.Engine() {
			e.log.Debugf("process %d: thread %d exited", p.pid, t.tid)
		}
		p.queue(t, engine.EventThreadDeath, nil)
		t.dead = true
	}
	return nil
}

func (e *Engine) handleExec(p *process, t *thread, path string) {
	if err := p.conn.loadRegisterInfo(); err != nil {
		e.log.Warnf("process %d: could not reload registers after exec: %v", p.pid, err)
	}
	p.arch = p.conn.archFromTarget()
	p.mem.Purge()
	// breakpoints do not survive exec
	for addr := range p.bps {
		p.bps[addr] = false
	}
	data := &engine.ExecData{
		Path: path,
		Argv: procStrings(p.pid, "cmdline"),
		Envp: procStrings(p.pid, "environ"),
	}
	p.queue(t, engine.EventProcessExec, data)
}

// procStrings reads a NUL separated list from /proc/<pid>/<name>. It
// returns nil when the file is not available.
func procStrings(pid int, name string) []string {
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/%s", pid, name))
	if err != nil || len(buf) == 0 {
		return nil
	}
	buf = bytes.TrimSuffix(buf, []byte{0})
	var r []string
	for _, s := range bytes.Split(buf, []byte{0}) {
		r = append(r, string(s))
	}
	return r
}

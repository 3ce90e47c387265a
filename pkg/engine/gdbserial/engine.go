// Package gdbserial implements a Debug Engine that drives the debuggee
// through gdbserver or lldb-server using the GDB Remote Serial Protocol.
//
// Each process gets its own stub instance. Resuming a process sends a
// vCont packet and a background goroutine waits for the stop reply, which
// WaitForEvents turns into raw events.
//
// Details of the protocol are at:
// https://sourceware.org/gdb/onlinedocs/gdb/Remote-Protocol.html
package gdbserial

import (
	"fmt"
	"os"
	"sync"

	"github.com/libudi/udi/pkg/engine"
	"github.com/libudi/udi/pkg/logflags"
)

const firstHandle engine.Handle = 0x10000

var _ engine.Engine = (*Engine)(nil)

// Engine is a Debug Engine backed by gdbserver or lldb-server.
type Engine struct {
	cfg      Config
	kind     string
	stubPath string

	mu         sync.Mutex
	cond       *sync.Cond
	procs      map[engine.Handle]*process
	threads    map[engine.Handle]*thread
	nextHandle engine.Handle

	log logflags.Logger
}

type process struct {
	h    engine.Handle
	conn *gdbConn
	stub *stub
	pid  int
	arch engine.Arch

	threads []*thread
	byID    map[string]*thread
	bps     map[uint64]bool // address -> installed
	mem     *memCache
	sigs    map[string]uint8 // signals to redeliver, by thread id

	running    bool // running from the caller's point of view
	busy       bool // a stop reply is outstanding
	terminated bool
	reply      *stopResult
	pending    []*engine.RawEvent
}

type thread struct {
	h          engine.Handle
	p          *process
	id         string
	tid        uint64
	suspended  bool
	singleStep bool
	dead       bool
}

type stopResult struct {
	sp  stopPacket
	err error
}

// New returns an engine using the stub selected by cfg.
func New(cfg Config) (*Engine, error) {
	kind, path, err := findStub(cfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:        cfg,
		kind:       kind,
		stubPath:   path,
		procs:      make(map[engine.Handle]*process),
		threads:    make(map[engine.Handle]*thread),
		nextHandle: firstHandle,
		log:        logflags.EngineLogger(),
	}
	e.cond = sync.NewCond(&e.mu)
	e.log.Debugf("using %s at %s", kind, path)
	return e, nil
}

func (e *Engine) newHandle() engine.Handle {
	h := e.nextHandle
	e.nextHandle += 0x10
	return h
}

func (e *Engine) newThread(p *process, id string) *thread {
	_, tid, _ := parseThreadID(id)
	t := &thread{h: e.newHandle(), p: p, id: id, tid: tid}
	p.threads = append(p.threads, t)
	p.byID[id] = t
	e.threads[t.h] = t
	return t
}

func (e *Engine) proc(h engine.Handle) (*process, engine.Status) {
	p, ok := e.procs[h]
	if !ok {
		return nil, engine.Libraryf("unknown process handle %#x", uint64(h))
	}
	return p, engine.OK
}

// stoppedProc returns the process if its stub can accept requests.
func (e *Engine) stoppedProc(h engine.Handle) (*process, engine.Status) {
	p, st := e.proc(h)
	if st.Failed() {
		return nil, st
	}
	return p, p.stopped()
}

func (p *process) stopped() engine.Status {
	switch {
	case p.terminated:
		return engine.Requestf("process %d has terminated", p.pid)
	case p.busy:
		return engine.Requestf("process %d is running", p.pid)
	}
	return engine.OK
}

func (e *Engine) thread(h engine.Handle) (*thread, engine.Status) {
	t, ok := e.threads[h]
	if !ok {
		return nil, engine.Libraryf("unknown thread handle %#x", uint64(h))
	}
	if t.dead {
		return nil, engine.Requestf("thread %d has exited", t.tid)
	}
	return t, engine.OK
}

func (e *Engine) stoppedThread(h engine.Handle) (*thread, engine.Status) {
	t, st := e.thread(h)
	if st.Failed() {
		return nil, st
	}
	return t, t.p.stopped()
}

func (p *process) firstLiveThread() *thread {
	for _, t := range p.threads {
		if !t.dead {
			return t
		}
	}
	return nil
}

func (p *process) threadHandle(t *thread) engine.Handle {
	if t == nil {
		return 0
	}
	return t.h
}

func (e *Engine) CreateProcess(path string, argv, envp []string, cfg engine.ProcConfig) (engine.Handle, engine.Handle, engine.Status) {
	if _, err := os.Stat(path); err != nil {
		return 0, 0, engine.Requestf("cannot launch %s: %v", path, err)
	}
	s, conn, err := e.launchStub(path, argv, envp, cfg)
	if err != nil {
		return 0, 0, engine.Libraryf("could not start %s: %v", e.kind, err)
	}
	ids, err := conn.queryAllThreads()
	if err == nil && len(ids) == 0 {
		err = fmt.Errorf("stub reported no threads")
	}
	if err != nil {
		conn.close()
		s.kill()
		return 0, 0, engine.Libraryf("could not list threads of %s: %v", path, err)
	}

	pid := conn.pid
	if pid == 0 {
		pid, err = conn.queryProcessInfo()
		if err != nil {
			_, tid, _ := parseThreadID(ids[0])
			pid = int(tid)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p := &process{
		h:    e.newHandle(),
		conn: conn,
		stub: s,
		pid:  pid,
		arch: conn.archFromTarget(),
		byID: make(map[string]*thread),
		bps:  make(map[uint64]bool),
		sigs: make(map[string]uint8),
	}
	p.mem = newMemCache(e.cfg.MemCacheBlocks, conn.readMemory)
	for _, id := range ids {
		e.newThread(p, id)
	}
	e.procs[p.h] = p
	e.log.Debugf("process %d started under %s, arch %s", pid, e.kind, p.arch)
	return p.h, p.threads[0].h, engine.OK
}

func (e *Engine) FreeProcess(proc engine.Handle) engine.Status {
	e.mu.Lock()
	p, st := e.proc(proc)
	if st.Failed() {
		e.mu.Unlock()
		return st
	}
	if !p.busy && !p.terminated {
		if err := p.conn.kill(); err != nil {
			e.log.Debugf("kill of process %d: %v", p.pid, err)
		}
	}
	p.conn.close()
	for _, t := range p.threads {
		t.dead = true
		delete(e.threads, t.h)
	}
	delete(e.procs, proc)
	p.terminated = true
	e.cond.Broadcast()
	e.mu.Unlock()

	if p.stub != nil {
		p.stub.shutdown()
	}
	return engine.OK
}

func (e *Engine) ContinueProcess(proc engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.stoppedProc(proc)
	if st.Failed() {
		return st
	}
	if p.running {
		return engine.Requestf("process %d is already running", p.pid)
	}
	if len(p.pending) > 0 || p.reply != nil {
		p.running = true
		return engine.OK
	}
	return e.resume(p)
}

// vContActions returns one action per live thread that is not suspended.
func (p *process) vContActions() []string {
	var actions []string
	for _, t := range p.threads {
		if t.dead || t.suspended {
			continue
		}
		action := "c"
		if t.singleStep {
			action = "s"
		}
		if sig, ok := p.sigs[t.id]; ok {
			if t.singleStep {
				action = fmt.Sprintf("S%02x", sig)
			} else {
				action = fmt.Sprintf("C%02x", sig)
			}
		}
		actions = append(actions, action+":"+t.id)
	}
	return actions
}

func (e *Engine) resume(p *process) engine.Status {
	actions := p.vContActions()
	if len(actions) == 0 {
		return engine.Requestf("every thread of process %d is suspended", p.pid)
	}
	p.mem.Purge()
	if err := p.conn.resume(actions); err != nil {
		return engine.Libraryf("could not resume process %d: %v", p.pid, err)
	}
	p.sigs = make(map[string]uint8)
	p.busy = true
	p.running = true
	go e.waitForStop(p)
	return engine.OK
}

func (e *Engine) waitForStop(p *process) {
	sp, err := p.conn.waitForStop()
	e.mu.Lock()
	p.reply = &stopResult{sp: sp, err: err}
	p.busy = false
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Engine) RefreshState(proc engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.stoppedProc(proc)
	if st.Failed() {
		return st
	}
	p.mem.Purge()
	return engine.OK
}

func (e *Engine) ReadMemory(proc engine.Handle, buf []byte, addr uint64) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.stoppedProc(proc)
	if st.Failed() {
		return st
	}
	if err := p.mem.ReadMemory(buf, addr); err != nil {
		return engine.Requestf("could not read %d bytes at %#x: %v", len(buf), addr, err)
	}
	return engine.OK
}

func (e *Engine) WriteMemory(proc engine.Handle, buf []byte, addr uint64) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.stoppedProc(proc)
	if st.Failed() {
		return st
	}
	p.mem.Purge()
	if err := p.conn.writeMemory(addr, buf); err != nil {
		return engine.Requestf("could not write %d bytes at %#x: %v", len(buf), addr, err)
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
		return engine.Requestf("breakpoint at %#x already exists", addr)
	}
	p.bps[addr] = false
	return engine.OK
}

func (e *Engine) InstallBreakpoint(proc engine.Handle, addr uint64) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.stoppedProc(proc)
	if st.Failed() {
		return st
	}
	installed, ok := p.bps[addr]
	switch {
	case !ok:
		return engine.Requestf("no breakpoint at %#x", addr)
	case installed:
		return engine.Requestf("breakpoint at %#x already installed", addr)
	}
	if err := p.conn.setBreakpoint(addr); err != nil {
		return engine.Requestf("could not install breakpoint at %#x: %v", addr, err)
	}
	p.bps[addr] = true
	return engine.OK
}

func (e *Engine) RemoveBreakpoint(proc engine.Handle, addr uint64) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, st := e.stoppedProc(proc)
	if st.Failed() {
		return st
	}
	if !p.bps[addr] {
		return engine.Requestf("no breakpoint installed at %#x", addr)
	}
	if err := p.conn.clearBreakpoint(addr); err != nil {
		return engine.Requestf("could not remove breakpoint at %#x: %v", addr, err)
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
	installed, ok := p.bps[addr]
	if !ok {
		return engine.Requestf("no breakpoint at %#x", addr)
	}
	if installed {
		if st := p.stopped(); st.Failed() {
			return st
		}
		if err := p.conn.clearBreakpoint(addr); err != nil {
			return engine.Requestf("could not remove breakpoint at %#x: %v", addr, err)
		}
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
	p, st := e.proc(proc)
	if st.Failed() {
		return 0, st
	}
	return p.arch, engine.OK
}

// MultithreadCapable is always true, both stubs report every thread.
func (e *Engine) MultithreadCapable(proc engine.Handle) (bool, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, st := e.proc(proc); st.Failed() {
		return false, st
	}
	return true, engine.OK
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
	if len(procs) == 0 {
		return nil, engine.Requestf("no processes to wait for")
	}
	for {
		var head, tail *engine.RawEvent
		waitable := false
		for _, h := range procs {
			p, st := e.proc(h)
			if st.Failed() {
				return nil, st
			}
			if len(p.pending) == 0 && p.reply != nil {
				r := p.reply
				p.reply = nil
				e.handleStop(p, r)
			}
			if len(p.pending) == 0 {
				if p.busy {
					waitable = true
				}
				continue
			}
			ev := p.pending[0]
			p.pending = p.pending[1:]
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

// FreeEventList unlinks the chain so that the records can be collected
// independently of each other.
func (e *Engine) FreeEventList(head *engine.RawEvent) {
	for head != nil {
		next := head.Next
		head.Next = nil
		head = next
	}
}

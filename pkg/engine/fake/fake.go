// Package fake implements an in-memory engine.Engine that replays scripted
// programs. It is used to exercise the lifecycle layer without a real
// debuggee.
package fake

import (
	"sync"

	"github.com/libudi/udi/pkg/engine"
)

// InstructionLen is the fixed instruction width of fake programs.
const InstructionLen = 4

const handleBase = 0x1000

type process struct {
	h       engine.Handle
	prog    *Program
	pid     int
	step    int
	threads []*thread
	bps     map[uint64]bool // address -> installed
	mem     map[uint64]byte

	running    bool
	terminated bool
	pending    []*engine.RawEvent
}

type thread struct {
	h          engine.Handle
	proc       *process
	tid        uint64
	regs       map[engine.Register]uint64
	suspended  bool
	singleStep bool
	dead       bool
}

// Engine is a scripted engine.Engine.
type Engine struct {
	mu   sync.Mutex
	cond *sync.Cond

	programs map[string]*Program
	procs    map[engine.Handle]*process
	threads  map[engine.Handle]*thread
	next     engine.Handle
	nextPid  int

	failures   map[string]engine.Status
	emptyWaits int
	injected   map[engine.Handle][]*engine.RawEvent

	freedLists int
	freedProcs []engine.Handle
}

// New returns an engine with no registered programs.
func New() *Engine {
	e := &Engine{
		programs: make(map[string]*Program),
		procs:    make(map[engine.Handle]*process),
		threads:  make(map[engine.Handle]*thread),
		next:     handleBase,
		nextPid:  1000,
		failures: make(map[string]engine.Status),
		injected: make(map[engine.Handle][]*engine.RawEvent),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// AddProgram makes path executable by CreateProcess.
func (e *Engine) AddProgram(path string, prog *Program) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs[path] = prog
}

// FailNext makes the next call to the named operation return st.
func (e *Engine) FailNext(op string, st engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = st
}

// EmptyWait makes the next WaitForEvents return an empty chain.
func (e *Engine) EmptyWait() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emptyWaits++
}

// Inject queues raw for delivery on proc ahead of any scripted event.
func (e *Engine) Inject(proc engine.Handle, raw engine.RawEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := raw
	r.Next = nil
	e.injected[proc] = append(e.injected[proc], &r)
	e.cond.Broadcast()
}

// FreedLists returns how many event chains were released.
func (e *Engine) FreedLists() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.freedLists
}

// FreedProcesses returns the handles passed to FreeProcess, in order.
func (e *Engine) FreedProcesses() []engine.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Handle(nil), e.freedProcs...)
}

func (e *Engine) failure(op string) (engine.Status, bool) {
	st, ok := e.failures[op]
	if ok {
		delete(e.failures, op)
	}
	return st, ok
}

func (e *Engine) newHandle() engine.Handle {
	h := e.next
	e.next += 0x10
	return h
}

func (e *Engine) proc(h engine.Handle) (*process, engine.Status) {
	p, ok := e.procs[h]
	if !ok {
		return nil, engine.Requestf("unknown process handle %#x", uint64(h))
	}
	return p, engine.OK
}

func (e *Engine) thread(h engine.Handle) (*thread, engine.Status) {
	t, ok := e.threads[h]
	if !ok {
		return nil, engine.Requestf("unknown thread handle %#x", uint64(h))
	}
	if t.dead {
		return nil, engine.Requestf("thread %d has exited", t.tid)
	}
	return t, engine.OK
}

func (e *Engine) newThread(p *process) *thread {
	t := &thread{
		h:    e.newHandle(),
		proc: p,
		tid:  uint64(p.pid + len(p.threads)),
		regs: make(map[engine.Register]uint64),
	}
	t.regs[engine.PCRegister(p.prog.Arch)] = p.prog.Entry
	p.threads = append(p.threads, t)
	e.threads[t.h] = t
	return t
}

func (p *process) stopped() engine.Status {
	if p.terminated {
		return engine.Requestf("process %d has terminated", p.pid)
	}
	if p.running {
		return engine.Requestf("process %d is running", p.pid)
	}
	return engine.OK
}

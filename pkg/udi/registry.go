package udi

import (
	"sync"

	"github.com/libudi/udi/pkg/engine"
)

// registry maps engine handles to the objects that wrap them.
// A handle is live in at most one of the two maps.
type registry struct {
	mu      sync.RWMutex
	procs   map[engine.Handle]*Process
	threads map[engine.Handle]*Thread
}

func newRegistry() *registry {
	return &registry{
		procs:   make(map[engine.Handle]*Process),
		threads: make(map[engine.Handle]*Thread),
	}
}

func (r *registry) liveLocked(h engine.Handle) bool {
	_, isProc := r.procs[h]
	_, isThread := r.threads[h]
	return isProc || isThread
}

// registerProcess registers p together with its initial thread.
func (r *registry) registerProcess(p *Process, initial *Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.handle == 0 || initial.handle == 0 || p.handle == initial.handle {
		return libraryErrorf("invalid handles %#x/%#x", uint64(p.handle), uint64(initial.handle))
	}
	if r.liveLocked(p.handle) {
		return libraryErrorf("handle %#x already registered", uint64(p.handle))
	}
	if r.liveLocked(initial.handle) {
		return libraryErrorf("handle %#x already registered", uint64(initial.handle))
	}
	r.procs[p.handle] = p
	r.threads[initial.handle] = initial
	return nil
}

func (r *registry) registerThread(t *Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.handle == 0 {
		return libraryErrorf("invalid thread handle")
	}
	if r.liveLocked(t.handle) {
		return libraryErrorf("handle %#x already registered", uint64(t.handle))
	}
	r.threads[t.handle] = t
	return nil
}

func (r *registry) lookupProcess(h engine.Handle) *Process {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.procs[h]
}

func (r *registry) lookupThread(h engine.Handle) *Thread {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.threads[h]
}

// removeProcess removes the process and every thread registered under it.
func (r *registry) removeProcess(h engine.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, h)
	for th, t := range r.threads {
		if t.proc.handle == h {
			delete(r.threads, th)
		}
	}
}

func (r *registry) removeThread(h engine.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, h)
}

func (r *registry) len() (procs, threads int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procs), len(r.threads)
}

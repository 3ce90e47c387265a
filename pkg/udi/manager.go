// Package udi manages debuggee processes and threads on top of a debug
// engine: it owns their lifecycle, validates requests against their state
// and decodes the engine event stream into typed events.
package udi

import (
	"errors"
	"sync"

	"github.com/libudi/udi/pkg/engine"
	"github.com/libudi/udi/pkg/logflags"
)

var (
	managerMu     sync.Mutex
	managerExists bool
)

// ErrManagerExists is returned by NewProcessManager when a manager was
// already created by this program.
var ErrManagerExists = errors.New("a process manager already exists")

// ProcessManager creates processes and collects their events.
// At most one ProcessManager exists per program.
type ProcessManager struct {
	eng engine.Engine
	reg *registry
	dec *decoder
	log logflags.Logger
}

// NewProcessManager returns the process manager for eng. The engine must
// be fully initialized and stays owned by the caller.
func NewProcessManager(eng engine.Engine) (*ProcessManager, error) {
	managerMu.Lock()
	defer managerMu.Unlock()
	if managerExists {
		return nil, ErrManagerExists
	}
	managerExists = true
	return newProcessManager(eng), nil
}

func newProcessManager(eng engine.Engine) *ProcessManager {
	reg := newRegistry()
	return &ProcessManager{
		eng: eng,
		reg: reg,
		dec: &decoder{reg: reg, log: logflags.EventsLogger()},
		log: logflags.CoreLogger(),
	}
}

// CreateProcess starts path under the engine. The new process is halted
// at its entry point in the WaitingForStart state. A nil argv runs the
// executable with only its path as argument.
func (m *ProcessManager) CreateProcess(path string, argv, envp []string, cfg engine.ProcConfig) (*Process, error) {
	if argv == nil {
		argv = []string{path}
	}
	ph, th, st := m.eng.CreateProcess(path, argv, envp, cfg)
	if err := translate(st); err != nil {
		return nil, err
	}
	p := newProcess(m, ph)
	pid, st := m.eng.Pid(ph)
	if err := translate(st); err != nil {
		m.eng.FreeProcess(ph)
		return nil, err
	}
	p.pid = pid
	if err := m.reg.registerProcess(p, newThread(p, th)); err != nil {
		m.eng.FreeProcess(ph)
		return nil, err
	}
	if logflags.Core() {
		m.log.Debugf("created process %d for %s (handle %#x, initial thread %#x)", pid, path, uint64(ph), uint64(th))
	}
	return p, nil
}

// WaitForEvents blocks until at least one of procs has events and returns
// them in engine order. A record that cannot be decoded does not stop the
// others: the events decoded from the rest of the list are returned along
// with the error of the first bad record.
func (m *ProcessManager) WaitForEvents(procs ...*Process) ([]Event, error) {
	if len(procs) == 0 {
		return nil, requestErrorf("no processes to wait for")
	}
	handles := make([]engine.Handle, len(procs))
	for i, p := range procs {
		if err := p.checkOpen(); err != nil {
			return nil, err
		}
		handles[i] = p.handle
	}
	head, st := m.eng.WaitForEvents(handles)
	if err := translate(st); err != nil {
		return nil, err
	}
	if head == nil {
		return nil, libraryErrorf("engine returned no events")
	}
	defer m.eng.FreeEventList(head)

	var (
		events []Event
		derr   error
	)
	for raw := head; raw != nil; raw = raw.Next {
		ev, err := m.dec.decode(raw)
		if err != nil {
			m.log.Errorf("could not decode %s event of process %#x: %v", raw.Type, uint64(raw.Process), err)
			if derr == nil {
				derr = err
			}
			continue
		}
		events = append(events, ev)
	}
	return events, derr
}

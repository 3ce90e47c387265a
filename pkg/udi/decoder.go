package udi

import (
	"github.com/libudi/udi/pkg/engine"
	"github.com/libudi/udi/pkg/logflags"
)

// decoder turns raw engine records into Events, keeping the registry in
// step with thread and process lifecycle events.
type decoder struct {
	reg *registry
	log logflags.Logger
}

func payload[T any](raw *engine.RawEvent) (*T, error) {
	d, ok := raw.Data.(*T)
	if !ok || d == nil {
		return nil, libraryErrorf("malformed %s event payload %T", raw.Type, raw.Data)
	}
	return d, nil
}

func (d *decoder) decode(raw *engine.RawEvent) (Event, error) {
	proc := d.reg.lookupProcess(raw.Process)
	if proc == nil {
		return nil, libraryErrorf("%s event for unknown process %#x", raw.Type, uint64(raw.Process))
	}
	base := eventBase{proc: proc}
	if raw.Thread != 0 {
		base.thr = d.reg.lookupThread(raw.Thread)
		if base.thr == nil {
			return nil, libraryErrorf("%s event for unknown thread %#x", raw.Type, uint64(raw.Thread))
		}
	}

	var ev Event
	switch raw.Type {
	case engine.EventError:
		data, err := payload[engine.ErrorData](raw)
		if err != nil {
			return nil, err
		}
		ev = &ErrorEvent{eventBase: base, Msg: data.Msg}

	case engine.EventSignal:
		data, err := payload[engine.SignalData](raw)
		if err != nil {
			return nil, err
		}
		ev = &SignalEvent{eventBase: base, Addr: data.Addr, Signal: data.Sig}

	case engine.EventBreakpoint:
		data, err := payload[engine.BreakpointData](raw)
		if err != nil {
			return nil, err
		}
		ev = &BreakpointEvent{eventBase: base, Addr: data.Addr}

	case engine.EventThreadCreate:
		data, err := payload[engine.ThreadCreateData](raw)
		if err != nil {
			return nil, err
		}
		// the new thread must be resolvable before the event escapes
		thr := newThread(proc, data.NewThread)
		if err := d.reg.registerThread(thr); err != nil {
			return nil, err
		}
		ev = &ThreadCreateEvent{eventBase: base, NewThread: thr}

	case engine.EventThreadDeath:
		if base.thr == nil {
			return nil, libraryErrorf("thread death event without a thread")
		}
		ev = &ThreadDeathEvent{eventBase: base}
		base.thr.markDead()
		d.reg.removeThread(raw.Thread)

	case engine.EventProcessExit:
		data, err := payload[engine.ExitData](raw)
		if err != nil {
			return nil, err
		}
		ev = &ProcessExitEvent{eventBase: base, ExitCode: data.Code}

	case engine.EventProcessFork:
		data, err := payload[engine.ForkData](raw)
		if err != nil {
			return nil, err
		}
		ev = &ProcessForkEvent{eventBase: base, Pid: data.Pid}

	case engine.EventProcessExec:
		data, err := payload[engine.ExecData](raw)
		if err != nil {
			return nil, err
		}
		ev = &ProcessExecEvent{eventBase: base, Path: data.Path, Argv: data.Argv, Envp: data.Envp}

	case engine.EventSingleStep:
		ev = &SingleStepEvent{eventBase: base}

	case engine.EventProcessCleanup:
		ev = &ProcessCleanupEvent{eventBase: base}
		d.reg.removeProcess(raw.Process)

	default:
		return nil, libraryErrorf("unknown event type %d", int(raw.Type))
	}

	proc.eventObserved(raw.Type)
	if logflags.Events() {
		d.log.Debugf("%s", ev)
	}
	return ev, nil
}

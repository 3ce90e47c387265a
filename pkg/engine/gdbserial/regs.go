package gdbserial

import (
	"encoding/binary"
	"fmt"

	"github.com/libudi/udi/pkg/engine"
)

// archFromTarget derives the debuggee architecture from what the stub
// reported about its registers.
func (conn *gdbConn) archFromTarget() engine.Arch {
	switch conn.arch {
	case "i386", "i386:intel":
		return engine.X86
	case "i386:x86-64":
		return engine.X86_64
	}
	if _, ok := conn.register("rip"); ok {
		return engine.X86_64
	}
	return engine.X86
}

// csgsfs is packed the way the runtime library stores it: cs in bits 0-15,
// gs in 16-31, fs in 32-47.
var csgsfsParts = []struct {
	name  string
	shift uint
}{{"cs", 0}, {"gs", 16}, {"fs", 32}}

func (conn *gdbConn) readRegisterValue(threadID string, reg engine.Register) (uint64, error) {
	if reg == engine.X86_64_CSGSFS {
		var v uint64
		for _, part := range csgsfsParts {
			p, err := conn.readNamedRegister(threadID, part.name)
			if err != nil {
				return 0, err
			}
			v |= (p & 0xffff) << part.shift
		}
		return v, nil
	}
	return conn.readNamedRegister(threadID, reg.Name())
}

func (conn *gdbConn) writeRegisterValue(threadID string, reg engine.Register, value uint64) error {
	if reg == engine.X86_64_CSGSFS {
		for _, part := range csgsfsParts {
			if err := conn.writeNamedRegister(threadID, part.name, (value>>part.shift)&0xffff); err != nil {
				return err
			}
		}
		return nil
	}
	return conn.writeNamedRegister(threadID, reg.Name(), value)
}

// registerAliases are alternative names used by lldb-server.
var registerAliases = map[string]string{
	"eflags": "rflags",
}

func (conn *gdbConn) lookupRegister(name string) (gdbRegisterInfo, error) {
	ri, ok := conn.register(name)
	if !ok && registerAliases[name] != "" {
		ri, ok = conn.register(registerAliases[name])
	}
	if !ok {
		return ri, fmt.Errorf("stub does not expose register %s", name)
	}
	if ri.Bitsize <= 0 || ri.Bitsize%8 != 0 {
		return ri, fmt.Errorf("register %s has unsupported size %d", name, ri.Bitsize)
	}
	return ri, nil
}

// readNamedRegister returns the low 64 bits of a register.
func (conn *gdbConn) readNamedRegister(threadID, name string) (uint64, error) {
	ri, err := conn.lookupRegister(name)
	if err != nil {
		return 0, err
	}
	data := make([]byte, ri.Bitsize/8)
	if err := conn.readRegister(threadID, ri.Regnum, data); err != nil {
		return 0, err
	}
	return lowUint64(data), nil
}

// writeNamedRegister replaces the low 64 bits of a register, preserving
// the rest of wider registers.
func (conn *gdbConn) writeNamedRegister(threadID, name string, value uint64) error {
	ri, err := conn.lookupRegister(name)
	if err != nil {
		return err
	}
	data := make([]byte, ri.Bitsize/8)
	if len(data) > 8 {
		if err := conn.readRegister(threadID, ri.Regnum, data); err != nil {
			return err
		}
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	copy(data, buf[:])
	return conn.writeRegister(threadID, ri.Regnum, data)
}

func lowUint64(data []byte) uint64 {
	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:])
}

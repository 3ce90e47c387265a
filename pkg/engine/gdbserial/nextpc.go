package gdbserial

import (
	"encoding/binary"
	"fmt"

	"github.com/libudi/udi/pkg/engine"
	"golang.org/x/arch/x86/x86asm"
)

// maxInstLen is the longest valid x86 instruction.
const maxInstLen = 15

const (
	flagCF = 0x1
	flagPF = 0x4
	flagZF = 0x40
	flagSF = 0x80
	flagOF = 0x800
)

// threadContext gives the successor computation access to the stopped
// thread's registers and to the debuggee memory.
type threadContext interface {
	register(reg engine.Register) (uint64, error)
	memory(buf []byte, addr uint64) error
}

var x86asmRegs64 = map[x86asm.Reg]engine.Register{
	x86asm.RAX: engine.X86_64_RAX, x86asm.RCX: engine.X86_64_RCX,
	x86asm.RDX: engine.X86_64_RDX, x86asm.RBX: engine.X86_64_RBX,
	x86asm.RSP: engine.X86_64_RSP, x86asm.RBP: engine.X86_64_RBP,
	x86asm.RSI: engine.X86_64_RSI, x86asm.RDI: engine.X86_64_RDI,
	x86asm.R8: engine.X86_64_R8, x86asm.R9: engine.X86_64_R9,
	x86asm.R10: engine.X86_64_R10, x86asm.R11: engine.X86_64_R11,
	x86asm.R12: engine.X86_64_R12, x86asm.R13: engine.X86_64_R13,
	x86asm.R14: engine.X86_64_R14, x86asm.R15: engine.X86_64_R15,
}

var x86asmRegs32 = map[x86asm.Reg]engine.Register{
	x86asm.EAX: engine.X86_EAX, x86asm.ECX: engine.X86_ECX,
	x86asm.EDX: engine.X86_EDX, x86asm.EBX: engine.X86_EBX,
	x86asm.ESP: engine.X86_ESP, x86asm.EBP: engine.X86_EBP,
	x86asm.ESI: engine.X86_ESI, x86asm.EDI: engine.X86_EDI,
}

// the 32 bit registers of the 64 bit mode alias the low half of their 64
// bit counterpart
var x86asmRegs32In64 = map[x86asm.Reg]x86asm.Reg{
	x86asm.EAX: x86asm.RAX, x86asm.ECX: x86asm.RCX,
	x86asm.EDX: x86asm.RDX, x86asm.EBX: x86asm.RBX,
	x86asm.ESP: x86asm.RSP, x86asm.EBP: x86asm.RBP,
	x86asm.ESI: x86asm.RSI, x86asm.EDI: x86asm.RDI,
}

type successorFinder struct {
	ctx  threadContext
	arch engine.Arch
	pc   uint64
	inst x86asm.Inst
}

// nextInstruction returns the address of the instruction that will execute
// after the one at pc.
func nextInstruction(ctx threadContext, arch engine.Arch, pc uint64) (uint64, error) {
	mode := 64
	if arch == engine.X86 {
		mode = 32
	}
	mem := make([]byte, maxInstLen)
	n := len(mem)
	// the instruction may sit at the end of a mapping
	for ; n > 0; n-- {
		if err := ctx.memory(mem[:n], pc); err == nil {
			break
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("could not read instruction at %#x", pc)
	}
	inst, err := x86asm.Decode(mem[:n], mode)
	if err != nil {
		return 0, fmt.Errorf("could not decode instruction at %#x: %v", pc, err)
	}
	sf := &successorFinder{ctx: ctx, arch: arch, pc: pc, inst: inst}
	return sf.successor()
}

func (sf *successorFinder) fallthroughPC() uint64 {
	return sf.pc + uint64(sf.inst.Len)
}

func (sf *successorFinder) successor() (uint64, error) {
	switch sf.inst.Op {
	case x86asm.CALL, x86asm.JMP:
		return sf.target(sf.inst.Args[0])
	case x86asm.RET:
		sp, err := sf.ctx.register(engine.SPRegister(sf.arch))
		if err != nil {
			return 0, err
		}
		return sf.readPointer(sp)
	}
	taken, isBranch, err := sf.branchTaken()
	if err != nil {
		return 0, err
	}
	if isBranch && taken {
		return sf.target(sf.inst.Args[0])
	}
	return sf.fallthroughPC(), nil
}

func (sf *successorFinder) branchTaken() (taken, isBranch bool, err error) {
	var flags uint64
	switch sf.inst.Op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS, x86asm.LOOPE, x86asm.LOOPNE:
		flagsReg := engine.X86_64_FLAGS
		if sf.arch == engine.X86 {
			flagsReg = engine.X86_FLAGS
		}
		flags, err = sf.ctx.register(flagsReg)
		if err != nil {
			return false, true, err
		}
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ, x86asm.LOOP:
	default:
		return false, false, nil
	}
	set := func(f uint64) bool { return flags&f != 0 }

	switch sf.inst.Op {
	case x86asm.JA:
		return !set(flagCF) && !set(flagZF), true, nil
	case x86asm.JAE:
		return !set(flagCF), true, nil
	case x86asm.JB:
		return set(flagCF), true, nil
	case x86asm.JBE:
		return set(flagCF) || set(flagZF), true, nil
	case x86asm.JE:
		return set(flagZF), true, nil
	case x86asm.JNE:
		return !set(flagZF), true, nil
	case x86asm.JG:
		return !set(flagZF) && set(flagSF) == set(flagOF), true, nil
	case x86asm.JGE:
		return set(flagSF) == set(flagOF), true, nil
	case x86asm.JL:
		return set(flagSF) != set(flagOF), true, nil
	case x86asm.JLE:
		return set(flagZF) || set(flagSF) != set(flagOF), true, nil
	case x86asm.JO:
		return set(flagOF), true, nil
	case x86asm.JNO:
		return !set(flagOF), true, nil
	case x86asm.JP:
		return set(flagPF), true, nil
	case x86asm.JNP:
		return !set(flagPF), true, nil
	case x86asm.JS:
		return set(flagSF), true, nil
	case x86asm.JNS:
		return !set(flagSF), true, nil
	}

	cx, err := sf.counter()
	if err != nil {
		return false, true, err
	}
	switch sf.inst.Op {
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return cx == 0, true, nil
	case x86asm.LOOP:
		return cx != 1, true, nil
	case x86asm.LOOPE:
		return cx != 1 && set(flagZF), true, nil
	case x86asm.LOOPNE:
		return cx != 1 && !set(flagZF), true, nil
	}
	return false, false, nil
}

// counter returns the count register, truncated to the width the
// instruction uses.
func (sf *successorFinder) counter() (uint64, error) {
	reg := engine.X86_64_RCX
	if sf.arch == engine.X86 {
		reg = engine.X86_ECX
	}
	cx, err := sf.ctx.register(reg)
	if err != nil {
		return 0, err
	}
	switch {
	case sf.inst.Op == x86asm.JCXZ || sf.inst.AddrSize == 16:
		return cx & 0xffff, nil
	case sf.inst.Op == x86asm.JECXZ || sf.inst.AddrSize == 32:
		return cx & 0xffffffff, nil
	}
	return cx, nil
}

func (sf *successorFinder) target(arg x86asm.Arg) (uint64, error) {
	switch arg := arg.(type) {
	case x86asm.Rel:
		return uint64(int64(sf.fallthroughPC()) + int64(arg)), nil
	case x86asm.Imm:
		return uint64(arg), nil
	case x86asm.Reg:
		return sf.regValue(arg)
	case x86asm.Mem:
		if arg.Segment != 0 {
			return 0, fmt.Errorf("segment relative branch at %#x", sf.pc)
		}
		base, err := sf.regValue(arg.Base)
		if err != nil {
			return 0, err
		}
		index, err := sf.regValue(arg.Index)
		if err != nil {
			return 0, err
		}
		addr := uint64(int64(base) + int64(index*uint64(arg.Scale)) + arg.Disp)
		return sf.readPointer(addr)
	}
	return 0, fmt.Errorf("unsupported branch operand %v at %#x", arg, sf.pc)
}

func (sf *successorFinder) regValue(reg x86asm.Reg) (uint64, error) {
	switch reg {
	case 0:
		return 0, nil
	case x86asm.RIP, x86asm.EIP:
		return sf.fallthroughPC(), nil
	}
	if sf.arch == engine.X86 {
		if r, ok := x86asmRegs32[reg]; ok {
			return sf.ctx.register(r)
		}
	} else {
		if r, ok := x86asmRegs64[reg]; ok {
			return sf.ctx.register(r)
		}
		if r64, ok := x86asmRegs32In64[reg]; ok {
			v, err := sf.ctx.register(x86asmRegs64[r64])
			return v & 0xffffffff, err
		}
	}
	return 0, fmt.Errorf("unsupported register %v in branch at %#x", reg, sf.pc)
}

func (sf *successorFinder) readPointer(addr uint64) (uint64, error) {
	size := 8
	if sf.arch == engine.X86 {
		size = 4
	}
	buf := make([]byte, size)
	if err := sf.ctx.memory(buf, addr); err != nil {
		return 0, err
	}
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

package engine

import (
	"fmt"
	"strings"
)

// Register identifies a machine register. The X86 and X86_64 register
// sets occupy disjoint ranges delimited by the *Min and *Max markers, which
// are not registers themselves.
type Register int

const (
	X86Min Register = iota
	X86_GS
	X86_FS
	X86_ES
	X86_DS
	X86_EDI
	X86_ESI
	X86_EBP
	X86_ESP
	X86_EBX
	X86_EDX
	X86_ECX
	X86_EAX
	X86_CS
	X86_SS
	X86_EIP
	X86_FLAGS
	X86_ST0
	X86_ST1
	X86_ST2
	X86_ST3
	X86_ST4
	X86_ST5
	X86_ST6
	X86_ST7
	X86Max

	X86_64Min
	X86_64_R8
	X86_64_R9
	X86_64_R10
	X86_64_R11
	X86_64_R12
	X86_64_R13
	X86_64_R14
	X86_64_R15
	X86_64_RDI
	X86_64_RSI
	X86_64_RBP
	X86_64_RBX
	X86_64_RDX
	X86_64_RAX
	X86_64_RCX
	X86_64_RSP
	X86_64_RIP
	X86_64_CSGSFS
	X86_64_FLAGS
	X86_64_ST0
	X86_64_ST1
	X86_64_ST2
	X86_64_ST3
	X86_64_ST4
	X86_64_ST5
	X86_64_ST6
	X86_64_ST7
	X86_64_XMM0
	X86_64_XMM1
	X86_64_XMM2
	X86_64_XMM3
	X86_64_XMM4
	X86_64_XMM5
	X86_64_XMM6
	X86_64_XMM7
	X86_64_XMM8
	X86_64_XMM9
	X86_64_XMM10
	X86_64_XMM11
	X86_64_XMM12
	X86_64_XMM13
	X86_64_XMM14
	X86_64_XMM15
	X86_64Max
)

var x86Names = [...]string{
	"gs", "fs", "es", "ds", "edi", "esi", "ebp", "esp", "ebx", "edx", "ecx", "eax",
	"cs", "ss", "eip", "eflags",
	"st0", "st1", "st2", "st3", "st4", "st5", "st6", "st7",
}

var x86_64Names = [...]string{
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rdi", "rsi", "rbp", "rbx", "rdx", "rax", "rcx", "rsp", "rip",
	"csgsfs", "eflags",
	"st0", "st1", "st2", "st3", "st4", "st5", "st6", "st7",
	"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7",
	"xmm8", "xmm9", "xmm10", "xmm11", "xmm12", "xmm13", "xmm14", "xmm15",
}

// ValidFor reports whether reg belongs to the register set of arch.
func (reg Register) ValidFor(arch Arch) bool {
	switch arch {
	case X86:
		return reg > X86Min && reg < X86Max
	case X86_64:
		return reg > X86_64Min && reg < X86_64Max
	}
	return false
}

// Name returns the lower case assembler name of reg.
func (reg Register) Name() string {
	switch {
	case reg.ValidFor(X86):
		return x86Names[reg-X86Min-1]
	case reg.ValidFor(X86_64):
		return x86_64Names[reg-X86_64Min-1]
	}
	return ""
}

func (reg Register) String() string {
	if n := reg.Name(); n != "" {
		return n
	}
	return fmt.Sprintf("Register(%d)", int(reg))
}

// Registers returns the register set of arch in numbering order.
func Registers(arch Arch) []Register {
	var lo, hi Register
	switch arch {
	case X86:
		lo, hi = X86Min, X86Max
	case X86_64:
		lo, hi = X86_64Min, X86_64Max
	default:
		return nil
	}
	r := make([]Register, 0, hi-lo-1)
	for reg := lo + 1; reg < hi; reg++ {
		r = append(r, reg)
	}
	return r
}

// RegisterByName looks up a register of arch by its assembler name.
func RegisterByName(arch Arch, name string) (Register, bool) {
	name = strings.ToLower(name)
	for _, reg := range Registers(arch) {
		if reg.Name() == name {
			return reg, true
		}
	}
	return 0, false
}

// PCRegister returns the program counter register of arch.
func PCRegister(arch Arch) Register {
	if arch == X86 {
		return X86_EIP
	}
	return X86_64_RIP
}

// SPRegister returns the stack pointer register of arch.
func SPRegister(arch Arch) Register {
	if arch == X86 {
		return X86_ESP
	}
	return X86_64_RSP
}

package gdbserial

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/libudi/udi/pkg/engine"
)

type fakeContext struct {
	regs map[engine.Register]uint64
	segs map[uint64][]byte
}

func (c *fakeContext) register(reg engine.Register) (uint64, error) {
	v, ok := c.regs[reg]
	if !ok {
		return 0, fmt.Errorf("register %s not set", reg)
	}
	return v, nil
}

func (c *fakeContext) memory(buf []byte, addr uint64) error {
	for base, data := range c.segs {
		if addr >= base && addr+uint64(len(buf)) <= base+uint64(len(data)) {
			copy(buf, data[addr-base:])
			return nil
		}
	}
	return fmt.Errorf("no memory at %#x", addr)
}

func pointer(v uint64, size int) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf[:size]
}

const codeAddr = 0x1000

func TestNextInstruction(t *testing.T) {
	tests := []struct {
		name string
		arch engine.Arch
		code []byte
		regs map[engine.Register]uint64
		data map[uint64][]byte
		next uint64
	}{
		{name: "nop", arch: engine.X86_64, code: []byte{0x90}, next: 0x1001},
		{name: "call rel32", arch: engine.X86_64, code: []byte{0xe8, 0x10, 0, 0, 0}, next: 0x1015},
		{name: "jmp rel8 to self", arch: engine.X86_64, code: []byte{0xeb, 0xfe}, next: 0x1000},
		{name: "je taken", arch: engine.X86_64, code: []byte{0x74, 0x05},
			regs: map[engine.Register]uint64{engine.X86_64_FLAGS: flagZF}, next: 0x1007},
		{name: "je not taken", arch: engine.X86_64, code: []byte{0x74, 0x05},
			regs: map[engine.Register]uint64{engine.X86_64_FLAGS: 0}, next: 0x1002},
		{name: "jg taken", arch: engine.X86_64, code: []byte{0x7f, 0x02},
			regs: map[engine.Register]uint64{engine.X86_64_FLAGS: flagSF | flagOF}, next: 0x1004},
		{name: "jg not taken", arch: engine.X86_64, code: []byte{0x7f, 0x02},
			regs: map[engine.Register]uint64{engine.X86_64_FLAGS: flagSF}, next: 0x1002},
		{name: "jb taken", arch: engine.X86_64, code: []byte{0x72, 0x02},
			regs: map[engine.Register]uint64{engine.X86_64_FLAGS: flagCF}, next: 0x1004},
		{name: "jmp rax", arch: engine.X86_64, code: []byte{0xff, 0xe0},
			regs: map[engine.Register]uint64{engine.X86_64_RAX: 0x405000}, next: 0x405000},
		{name: "call r12", arch: engine.X86_64, code: []byte{0x41, 0xff, 0xd4},
			regs: map[engine.Register]uint64{engine.X86_64_R12: 0x406000}, next: 0x406000},
		{name: "ret", arch: engine.X86_64, code: []byte{0xc3},
			regs: map[engine.Register]uint64{engine.X86_64_RSP: 0x7000},
			data: map[uint64][]byte{0x7000: pointer(0x402000, 8)}, next: 0x402000},
		{name: "jmp rip relative", arch: engine.X86_64, code: []byte{0xff, 0x25, 0x10, 0, 0, 0},
			data: map[uint64][]byte{0x1016: pointer(0x403000, 8)}, next: 0x403000},
		{name: "jmp table", arch: engine.X86_64, code: []byte{0xff, 0x24, 0xc5, 0x00, 0x20, 0x00, 0x00},
			regs: map[engine.Register]uint64{engine.X86_64_RAX: 2},
			data: map[uint64][]byte{0x2010: pointer(0x404000, 8)}, next: 0x404000},
		{name: "loop taken", arch: engine.X86_64, code: []byte{0xe2, 0xfe},
			regs: map[engine.Register]uint64{engine.X86_64_RCX: 3}, next: 0x1000},
		{name: "loop done", arch: engine.X86_64, code: []byte{0xe2, 0xfe},
			regs: map[engine.Register]uint64{engine.X86_64_RCX: 1}, next: 0x1002},
		{name: "jrcxz taken", arch: engine.X86_64, code: []byte{0xe3, 0x05},
			regs: map[engine.Register]uint64{engine.X86_64_RCX: 0}, next: 0x1007},
		{name: "jrcxz not taken", arch: engine.X86_64, code: []byte{0xe3, 0x05},
			regs: map[engine.Register]uint64{engine.X86_64_RCX: 1}, next: 0x1002},
		{name: "call rel32 x86", arch: engine.X86, code: []byte{0xe8, 0x10, 0, 0, 0}, next: 0x1015},
		{name: "jmp eax x86", arch: engine.X86, code: []byte{0xff, 0xe0},
			regs: map[engine.Register]uint64{engine.X86_EAX: 0x8049000}, next: 0x8049000},
		{name: "ret x86", arch: engine.X86, code: []byte{0xc3},
			regs: map[engine.Register]uint64{engine.X86_ESP: 0x7000},
			data: map[uint64][]byte{0x7000: pointer(0x8048100, 4)}, next: 0x8048100},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code := make([]byte, 16)
			for i := range code {
				code[i] = 0x90
			}
			copy(code, tc.code)
			ctx := &fakeContext{regs: tc.regs, segs: map[uint64][]byte{codeAddr: code}}
			for addr, data := range tc.data {
				ctx.segs[addr] = data
			}
			next, err := nextInstruction(ctx, tc.arch, codeAddr)
			assertNoError(err, t, "nextInstruction")
			if next != tc.next {
				t.Fatalf("got %#x want %#x", next, tc.next)
			}
		})
	}
}

func TestNextInstructionShortMapping(t *testing.T) {
	// a two byte instruction at the very end of the readable memory
	ctx := &fakeContext{segs: map[uint64][]byte{codeAddr: {0xeb, 0xfe}}}
	next, err := nextInstruction(ctx, engine.X86_64, codeAddr)
	assertNoError(err, t, "nextInstruction")
	if next != codeAddr {
		t.Fatalf("got %#x", next)
	}

	if _, err := nextInstruction(ctx, engine.X86_64, 0x9000); err == nil {
		t.Fatal("decoded unreadable memory")
	}
}

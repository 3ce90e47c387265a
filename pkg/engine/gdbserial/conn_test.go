package gdbserial

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/libudi/udi/pkg/engine"
)

func TestDecodePacket(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"$OK#", "OK"},
		{"$0* #", "0000"},
		{"$a*\"#", "aaaaaa"},
		{"$}\x03}\x04#", "#$"},
		{"$12:ab#", "ab"},
	}
	var buf []byte
	for _, tc := range tests {
		var msg []byte
		buf, msg = decodePacket([]byte(tc.in), buf)
		if string(msg) != tc.out {
			t.Errorf("decodePacket(%q) = %q, want %q", tc.in, msg, tc.out)
		}
	}
}

func TestFrame(t *testing.T) {
	if pkt := string(frame([]byte("$OK"))); pkt != "$OK#9a" {
		t.Fatalf("wrong packet %q", pkt)
	}
}

func TestChecksum(t *testing.T) {
	if sum := checksum([]byte("$OK#")); sum != 0x9a {
		t.Fatalf("wrong checksum %#x", sum)
	}
	if !checksumok([]byte("$OK#"), []byte("9a")) {
		t.Fatal("checksum rejected")
	}
	if checksumok([]byte("$OK#"), []byte("9b")) {
		t.Fatal("bad checksum accepted")
	}
}

func TestParseStopPacket(t *testing.T) {
	conn := &gdbConn{}
	tests := []struct {
		in     string
		repeat bool
		sp     stopPacket
	}{
		{"T05thread:p1f4.1f5;swbreak:;", false, stopPacket{kind: 'T', sig: 5, threadID: "p1f4.1f5", reason: "breakpoint"}},
		{"T05fork:p3e8.3e8;thread:p1f4.1f4;", false, stopPacket{kind: 'T', sig: 5, threadID: "p1f4.1f4", reason: "fork", fork: "p3e8.3e8"}},
		{"T05exec:2f62696e2f6c73;thread:1f4;", false, stopPacket{kind: 'T', sig: 5, threadID: "1f4", reason: "exec", exec: "/bin/ls"}},
		{"T0bthread:1f4;reason:signal;", false, stopPacket{kind: 'T', sig: 11, threadID: "1f4", reason: "signal"}},
		{"S02", false, stopPacket{kind: 'S', sig: 2}},
		{"W01", false, stopPacket{kind: 'W', sig: 1}},
		{"W00;process:1f4", false, stopPacket{kind: 'W'}},
		{"X09", false, stopPacket{kind: 'X', sig: 9}},
		{"N", false, stopPacket{kind: 'N'}},
		{"O0a", true, stopPacket{kind: 'O'}},
	}
	for _, tc := range tests {
		repeat, sp, err := conn.parseStopPacket([]byte(tc.in))
		assertNoError(err, t, tc.in)
		if repeat != tc.repeat || sp != tc.sp {
			t.Errorf("%s: got %v %#v, want %v %#v", tc.in, repeat, sp, tc.repeat, tc.sp)
		}
	}
	for _, in := range []string{"T0", "Tzz", "Wzz", "Z"} {
		if _, _, err := conn.parseStopPacket([]byte(in)); err == nil {
			t.Errorf("%s: malformed packet accepted", in)
		}
	}
}

func TestParseThreadID(t *testing.T) {
	tests := []struct {
		id  string
		pid int
		tid uint64
	}{
		{"p1f4.1f5", 500, 501},
		{"1f5", 0, 501},
		{"p1f4", 500, 0},
	}
	for _, tc := range tests {
		pid, tid, err := parseThreadID(tc.id)
		assertNoError(err, t, tc.id)
		if pid != tc.pid || tid != tc.tid {
			t.Errorf("%s: got %d %d", tc.id, pid, tid)
		}
	}
	for _, id := range []string{"p1f4.-1", "zz", "pzz.1"} {
		_, _, err := parseThreadID(id)
		if _, ok := err.(*GdbMalformedThreadIDError); !ok {
			t.Errorf("%s: expected GdbMalformedThreadIDError, got %v", id, err)
		}
	}
}

func TestQueryAllThreads(t *testing.T) {
	more := true
	conn, _ := newFakeStub(t, func(cmd string) string {
		switch cmd {
		case "qfThreadInfo":
			return "mp1f4.1f4,p1f4.1f5"
		case "qsThreadInfo":
			if more {
				more = false
				return "mp1f4.1f6"
			}
		}
		return "l"
	})
	conn.multiprocess = true
	threads, err := conn.queryAllThreads()
	assertNoError(err, t, "queryAllThreads")
	if got := strings.Join(threads, ","); got != "p1f4.1f4,p1f4.1f5,p1f4.1f6" {
		t.Fatalf("wrong threads %s", got)
	}
	if conn.pid != 500 {
		t.Fatalf("wrong pid %d", conn.pid)
	}
}

func TestQueryProcessInfo(t *testing.T) {
	conn, _ := newFakeStub(t, func(cmd string) string {
		return "pid:1f4;parent-pid:1;real-uid:3e8;"
	})
	pid, err := conn.queryProcessInfo()
	assertNoError(err, t, "queryProcessInfo")
	if pid != 500 {
		t.Fatalf("wrong pid %d", pid)
	}
}

// memoryStub serves m and M packets from a flat memory starting at base.
func memoryStub(base uint64, mem []byte) func(cmd string) string {
	return func(cmd string) string {
		var addr, size uint64
		switch cmd[0] {
		case 'm':
			fmt.Sscanf(cmd, "m%x,%x", &addr, &size)
			if addr < base || addr+size > base+uint64(len(mem)) {
				return "E14"
			}
			var buf bytes.Buffer
			writeHex(&buf, mem[addr-base:addr-base+size])
			return buf.String()
		case 'M':
			colon := strings.Index(cmd, ":")
			fmt.Sscanf(cmd[:colon], "M%x,%x", &addr, &size)
			if addr < base || addr+size > base+uint64(len(mem)) {
				return "E14"
			}
			copy(mem[addr-base:], hexdecode([]byte(cmd[colon+1:])))
			return "OK"
		}
		return ""
	}
}

func TestReadWriteMemory(t *testing.T) {
	mem := make([]byte, 128)
	for i := range mem {
		mem[i] = byte(i)
	}
	conn, stub := newFakeStub(t, memoryStub(0x1000, mem))
	conn.packetSize = 64

	buf := make([]byte, 40)
	assertNoError(conn.readMemory(buf, 0x1008), t, "readMemory")
	for i := range buf {
		if buf[i] != byte(i+8) {
			t.Fatalf("wrong byte at %d: %#x", i, buf[i])
		}
	}
	// 30 bytes fit in a packet of 64
	if n := len(stub.received()); n != 2 {
		t.Fatalf("expected 2 packets, got %d", n)
	}

	data := bytes.Repeat([]byte{0xcc}, 20)
	assertNoError(conn.writeMemory(0x1010, data), t, "writeMemory")
	if !bytes.Equal(mem[0x10:0x24], data) || mem[0x24] != 0x24 {
		t.Fatalf("wrong memory after write: %x", mem[0x10:0x28])
	}

	err := conn.readMemory(make([]byte, 8), 0x10)
	if _, ok := err.(*GdbProtocolError); !ok {
		t.Fatalf("expected GdbProtocolError, got %v", err)
	}
}

func registerStub(regs map[int][]byte) func(cmd string) string {
	return func(cmd string) string {
		var regnum int
		switch cmd[0] {
		case 'H':
			return "OK"
		case 'p':
			fmt.Sscanf(cmd, "p%x", &regnum)
			data, ok := regs[regnum]
			if !ok {
				return "E45"
			}
			var buf bytes.Buffer
			writeHex(&buf, data)
			return buf.String()
		case 'P':
			eq := strings.Index(cmd, "=")
			fmt.Sscanf(cmd[:eq], "P%x", &regnum)
			regs[regnum] = hexdecode([]byte(cmd[eq+1:]))
			return "OK"
		}
		return ""
	}
}

var testRegsInfo = []gdbRegisterInfo{
	{Name: "rip", Bitsize: 64, Regnum: 16},
	{Name: "eflags", Bitsize: 32, Regnum: 17},
	{Name: "cs", Bitsize: 32, Regnum: 18},
	{Name: "fs", Bitsize: 32, Regnum: 22},
	{Name: "gs", Bitsize: 32, Regnum: 23},
	{Name: "xmm0", Bitsize: 128, Regnum: 40},
}

func TestRegisterValues(t *testing.T) {
	regs := map[int][]byte{
		16: hexdecode([]byte(hexUint64(0x401000, 8))),
		17: hexdecode([]byte(hexUint64(0x246, 4))),
		18: hexdecode([]byte(hexUint64(0x33, 4))),
		22: hexdecode([]byte(hexUint64(0x2b, 4))),
		23: hexdecode([]byte(hexUint64(0, 4))),
		40: bytes.Repeat([]byte{0xff}, 16),
	}
	conn, _ := newFakeStub(t, registerStub(regs))
	conn.regsInfo = testRegsInfo

	if arch := conn.archFromTarget(); arch != engine.X86_64 {
		t.Fatalf("wrong architecture %s", arch)
	}

	pc, err := conn.readRegisterValue("1f4", engine.X86_64_RIP)
	assertNoError(err, t, "read rip")
	if pc != 0x401000 {
		t.Fatalf("wrong pc %#x", pc)
	}
	flags, err := conn.readRegisterValue("1f4", engine.X86_64_FLAGS)
	assertNoError(err, t, "read eflags")
	if flags != 0x246 {
		t.Fatalf("wrong flags %#x", flags)
	}
	csgsfs, err := conn.readRegisterValue("1f4", engine.X86_64_CSGSFS)
	assertNoError(err, t, "read csgsfs")
	if csgsfs != 0x33|0x2b<<32 {
		t.Fatalf("wrong csgsfs %#x", csgsfs)
	}

	assertNoError(conn.writeRegisterValue("1f4", engine.X86_64_XMM0, 0x1122334455667788), t, "write xmm0")
	want := append(hexdecode([]byte(hexUint64(0x1122334455667788, 8))), bytes.Repeat([]byte{0xff}, 8)...)
	if !bytes.Equal(regs[40], want) {
		t.Fatalf("wrong xmm0 after write: %x", regs[40])
	}

	assertNoError(conn.writeRegisterValue("1f4", engine.X86_64_CSGSFS, 0x23|0x63<<32), t, "write csgsfs")
	if regs[18][0] != 0x23 || regs[22][0] != 0x63 {
		t.Fatalf("wrong segment registers after write: cs %x fs %x", regs[18], regs[22])
	}

	if _, err := conn.readRegisterValue("1f4", engine.X86_64_ST0); err == nil {
		t.Fatal("read of a register the stub does not expose succeeded")
	}
}

func TestHostSignal(t *testing.T) {
	gdb := &gdbConn{}
	lldb := &gdbConn{hostSignals: true}
	for _, tc := range []struct{ in, gdb, lldb uint8 }{
		{11, 11, 11},
		{30, 10, 30},
		{10, 7, 10},
		{5, 5, 5},
	} {
		if got := gdb.hostSignal(tc.in); got != tc.gdb {
			t.Errorf("gdbserver signal %d: got %d want %d", tc.in, got, tc.gdb)
		}
		if got := lldb.hostSignal(tc.in); got != tc.lldb {
			t.Errorf("lldb-server signal %d: got %d want %d", tc.in, got, tc.lldb)
		}
	}
}

package gdbserial

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/libudi/udi/pkg/logflags"
)

// gdbConn is a client of the gdb remote serial protocol, talking to a
// gdbserver or lldb-server stub.
type gdbConn struct {
	conn net.Conn
	rdr  *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	packetSize int               // largest packet the stub accepts
	regsInfo   []gdbRegisterInfo // register layout of the target
	arch       string            // architecture element of target.xml

	pid int // debuggee pid, when the stub reported it

	ack                   bool // acknowledgments enabled
	multiprocess          bool // thread ids have the ppid.tid form
	maxTransmitAttempts   int
	threadSuffixSupported bool // registers are addressed with ;thread:tid; instead of Hg
	hostSignals           bool // stop packets carry host signal numbers

	log logflags.Logger
}

func newConn(c net.Conn) *gdbConn {
	return &gdbConn{
		conn:                c,
		rdr:                 bufio.NewReader(c),
		packetSize:          256,
		maxTransmitAttempts: maxRetransmits,
		inbuf:               make([]byte, 0, 2048),
		log:                 logflags.GdbWireLogger(),
	}
}

// GdbMalformedThreadIDError is returned for a thread id that is neither a
// hex number nor in the multiprocess pPID.TID form.
type GdbMalformedThreadIDError struct {
	tid string
}

func (err *GdbMalformedThreadIDError) Error() string {
	return fmt.Sprintf("malformed thread ID %q", err.tid)
}

// handshake sets up the session: no-ack mode, then either thread suffixes
// (lldb-server) or the multiprocess extensions (gdbserver), the packet size
// and the register layout.
func (conn *gdbConn) handshake() error {
	conn.ack = true
	conn.sendack('+')
	if _, err := conn.exec([]byte("$QStartNoAckMode"), "init"); err == nil {
		conn.ack = false
	}

	_, err := conn.exec([]byte("$QThreadSuffixSupported"), "init")
	switch {
	case err == nil:
		// only lldb-server has thread suffixes, its stop packets use host
		// signal numbers. Multiprocess stays off with thread suffixes.
		conn.threadSuffixSupported = true
		conn.hostSignals = true
		if _, err := conn.qSupported(false); err != nil {
			return err
		}
	case isProtocolErrorUnsupported(err):
		features, err := conn.qSupported(true)
		if err != nil {
			return err
		}
		conn.multiprocess = features["multiprocess"]
		// gdbserver refuses qXfer:features:read until a thread is selected
		sel := "$Hgp0"
		if conn.multiprocess {
			sel = "$Hgp0.0"
		}
		conn.exec([]byte(sel), "init")
	default:
		return err
	}

	if err := conn.loadRegisterInfo(); err != nil {
		return err
	}
	if _, err := conn.exec([]byte("$QListThreadsInStopReply"), "init"); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}
	return nil
}

// qSupported announces our features and returns the ones the stub
// supports. A PacketSize in the reply bounds later memory transfers.
func (conn *gdbConn) qSupported(multiprocess bool) (map[string]bool, error) {
	q := "$qSupported:swbreak+;hwbreak+;no-resumed+;xmlRegisters=i386"
	if multiprocess {
		q = "$qSupported:multiprocess+;fork-events+;vfork-events+;exec-events+;swbreak+;hwbreak+;no-resumed+;xmlRegisters=i386"
	}
	resp, err := conn.exec([]byte(q), "init/qSupported")
	if err != nil {
		return nil, err
	}
	features := make(map[string]bool)
	for _, f := range strings.Split(string(resp), ";") {
		if name, val, ok := strings.Cut(f, "="); ok {
			if name == "PacketSize" {
				if n, err := strconv.ParseInt(val, 16, 64); err == nil {
					conn.packetSize = int(n)
				}
			}
			continue
		}
		if name, ok := strings.CutSuffix(f, "+"); ok && name != "" {
			features[name] = true
		}
	}
	return features, nil
}

// loadRegisterInfo learns the register layout with qRegisterInfo
// (lldb-server) or from target.xml (gdbserver).
func (conn *gdbConn) loadRegisterInfo() error {
	conn.regsInfo = nil
	err := conn.readRegisterInfo()
	if isProtocolErrorUnsupported(err) {
		conn.regsInfo = nil
		err = conn.readTargetXML()
	}
	if err != nil {
		return err
	}
	for _, pc := range []string{"rip", "eip"} {
		if _, ok := conn.register(pc); ok {
			return nil
		}
	}
	return errors.New("could not find the program counter register")
}

// target.xml, see gdb/features/gdb-target.dtd in the gdb sources.
type targetXML struct {
	Architecture string            `xml:"architecture"`
	Includes     []targetInclude   `xml:"xi include"`
	Registers    []gdbRegisterInfo `xml:"reg"`
	Features     []targetFeature   `xml:"feature"`
}

type targetFeature struct {
	Registers []gdbRegisterInfo `xml:"reg"`
}

type targetInclude struct {
	Href string `xml:"href,attr"`
}

type gdbRegisterInfo struct {
	Name    string `xml:"name,attr"`
	Bitsize int    `xml:"bitsize,attr"`
	Regnum  int    `xml:"regnum,attr"`
	Group   string `xml:"group,attr"`
}

func (conn *gdbConn) register(name string) (gdbRegisterInfo, bool) {
	for _, ri := range conn.regsInfo {
		if ri.Name == name {
			return ri, true
		}
	}
	return gdbRegisterInfo{}, false
}

// readTargetXML reads the registers of target.xml and of the files it
// includes. A register without regnum follows the previous one.
func (conn *gdbConn) readTargetXML() error {
	regs, err := conn.readAnnex("target.xml")
	if err != nil {
		return err
	}
	next := 0
	for i := range regs {
		if regs[i].Regnum == 0 {
			regs[i].Regnum = next
		}
		next = regs[i].Regnum + 1
	}
	conn.regsInfo = regs
	return nil
}

// readRegisterInfo enumerates registers with qRegisterInfo until the stub
// answers with an error. Registers that are part of another are skipped.
func (conn *gdbConn) readRegisterInfo() error {
	for regnum := 0; ; regnum++ {
		conn.outbuf.Reset()
		fmt.Fprintf(&conn.outbuf, "$qRegisterInfo%x", regnum)
		resp, err := conn.exec(conn.outbuf.Bytes(), "register info")
		if err != nil {
			if regnum == 0 {
				return err
			}
			return nil
		}

		ri := gdbRegisterInfo{Regnum: regnum}
		contained := false
		for _, kv := range strings.Split(string(resp), ";") {
			key, val, ok := strings.Cut(kv, ":")
			if !ok {
				continue
			}
			switch key {
			case "name":
				ri.Name = val
			case "bitsize":
				ri.Bitsize, _ = strconv.Atoi(val)
			case "container-regs":
				contained = true
			}
		}
		if !contained {
			conn.regsInfo = append(conn.regsInfo, ri)
		}
	}
}

func (conn *gdbConn) readAnnex(annex string) ([]gdbRegisterInfo, error) {
	data, err := conn.qXfer("features", annex)
	if err != nil {
		return nil, err
	}
	var tgt targetXML
	if err := xml.Unmarshal(data, &tgt); err != nil {
		return nil, err
	}
	if tgt.Architecture != "" {
		conn.arch = tgt.Architecture
	}
	regs := tgt.Registers
	for _, f := range tgt.Features {
		regs = append(regs, f.Registers...)
	}
	for _, incl := range tgt.Includes {
		more, err := conn.readAnnex(incl.Href)
		if err != nil {
			return nil, err
		}
		regs = append(regs, more...)
	}
	return regs, nil
}

// qXfer reads the whole kind/annex object, one chunk per packet.
func (conn *gdbConn) qXfer(kind, annex string) ([]byte, error) {
	var out []byte
	for {
		cmd := []byte(fmt.Sprintf("$qXfer:%s:read:%s:%x,fff", kind, annex, len(out)))
		chunk, err := conn.exec(cmd, "target features transfer")
		if err != nil {
			return nil, err
		}
		out = append(out, chunk[1:]...)
		if chunk[0] == 'l' {
			return out, nil
		}
	}
}

func (conn *gdbConn) setBreakpoint(addr uint64) error {
	return conn.swBreakpoint('Z', addr, "set breakpoint")
}

func (conn *gdbConn) clearBreakpoint(addr uint64) error {
	return conn.swBreakpoint('z', addr, "clear breakpoint")
}

// swBreakpoint sends a Z0 or z0 packet for a one byte software breakpoint.
func (conn *gdbConn) swBreakpoint(op byte, addr uint64, context string) error {
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$%c0,%x,1", op, addr)
	_, err := conn.exec(conn.outbuf.Bytes(), context)
	return err
}

// kill sends k. The stub may close the connection without replying.
func (conn *gdbConn) kill() error {
	if _, err := conn.exec([]byte("$k"), "kill"); err != io.EOF {
		return err
	}
	return nil
}

// detachChild releases a forked child with D;pid.
func (conn *gdbConn) detachChild(pid int) error {
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$D;%x", pid)
	_, err := conn.exec(conn.outbuf.Bytes(), "detach child")
	return err
}

func (conn *gdbConn) close() {
	if conn.conn != nil {
		conn.conn.Close()
	}
}

// regPacket starts a p or P packet for regnum in outbuf. Without thread
// suffixes the thread is selected with Hg first.
func (conn *gdbConn) regPacket(op byte, threadID string, regnum int, context string) error {
	if !conn.threadSuffixSupported {
		if err := conn.selectThread('g', threadID, context); err != nil {
			return err
		}
	}
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$%c%x", op, regnum)
	return nil
}

func (conn *gdbConn) readRegister(threadID string, regnum int, data []byte) error {
	if err := conn.regPacket('p', threadID, regnum, "register read"); err != nil {
		return err
	}
	conn.appendThreadSelector(threadID)
	resp, err := conn.exec(conn.outbuf.Bytes(), "register read")
	if err != nil {
		return err
	}
	if len(resp) < 2*len(data) {
		return fmt.Errorf("short register read: %q", resp)
	}
	copy(data, hexdecode(resp[:2*len(data)]))
	return nil
}

func (conn *gdbConn) writeRegister(threadID string, regnum int, data []byte) error {
	if err := conn.regPacket('P', threadID, regnum, "register write"); err != nil {
		return err
	}
	conn.outbuf.WriteByte('=')
	writeHex(&conn.outbuf, data)
	conn.appendThreadSelector(threadID)
	_, err := conn.exec(conn.outbuf.Bytes(), "register write")
	return err
}

func (conn *gdbConn) selectThread(op byte, threadID, context string) error {
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$H%c%s", op, threadID)
	_, err := conn.exec(conn.outbuf.Bytes(), context)
	return err
}

func (conn *gdbConn) appendThreadSelector(threadID string) {
	if conn.threadSuffixSupported {
		fmt.Fprintf(&conn.outbuf, ";thread:%s;", threadID)
	}
}

// resume sends a vCont command with the given actions. The stop reply is
// read by waitForStop.
func (conn *gdbConn) resume(actions []string) error {
	conn.outbuf.Reset()
	conn.outbuf.WriteString("$vCont")
	for _, a := range actions {
		conn.outbuf.WriteByte(';')
		conn.outbuf.WriteString(a)
	}
	return conn.send(conn.outbuf.Bytes())
}

// waitForStop reads packets until a stop reply arrives, forwarding
// console output to stdout.
func (conn *gdbConn) waitForStop() (stopPacket, error) {
	for {
		resp, err := conn.recv(nil, "resume")
		if err != nil {
			return stopPacket{}, err
		}
		repeat, sp, err := conn.parseStopPacket(resp)
		if !repeat {
			return sp, err
		}
	}
}

type stopPacket struct {
	kind     byte // one of 'T', 'S', 'W', 'X', 'N'
	threadID string
	sig      uint8 // signal for 'T', 'S', 'X'; exit status for 'W'
	reason   string
	fork     string // thread id of the new child, for fork and vfork stops
	exec     string // path of the new executable, for exec stops
}

// parseStopPacket parses a stop reply. Console output ('O' packets) is
// written to stdout and reported with repeat set.
func (conn *gdbConn) parseStopPacket(resp []byte) (repeat bool, sp stopPacket, err error) {
	sp.kind = resp[0]
	switch sp.kind {
	case 'T', 'S':
		if len(resp) < 3 {
			return false, stopPacket{}, fmt.Errorf("malformed stop packet %s", resp)
		}
		sig, err := strconv.ParseUint(string(resp[1:3]), 16, 8)
		if err != nil {
			return false, stopPacket{}, fmt.Errorf("malformed stop packet: %s", resp)
		}
		sp.sig = uint8(sig)

		for _, field := range bytes.Split(resp[3:], []byte{';'}) {
			key, value, ok := bytes.Cut(field, []byte{':'})
			if !ok {
				continue
			}
			switch k := string(key); k {
			case "thread":
				sp.threadID = string(value)
			case "reason":
				sp.reason = string(value)
			case "swbreak", "hwbreak":
				sp.reason = "breakpoint"
			case "fork", "vfork":
				sp.reason, sp.fork = k, string(value)
			case "exec":
				sp.reason, sp.exec = "exec", string(hexdecode(value))
			}
		}
		return false, sp, nil

	case 'W', 'X':
		// exit status or signal, optionally followed by ;process:pid
		code := resp[1:]
		if semi := bytes.IndexByte(code, ';'); semi >= 0 {
			code = code[:semi]
		}
		status, err := strconv.ParseUint(string(code), 16, 8)
		if err != nil {
			return false, stopPacket{}, fmt.Errorf("malformed exit packet: %s", resp)
		}
		sp.sig = uint8(status)
		return false, sp, nil

	case 'N':
		// no resumed thread left
		return false, sp, nil

	case 'O':
		os.Stdout.Write(hexdecode(resp[1:]))
		return true, sp, nil
	}
	return false, sp, fmt.Errorf("unexpected stop reply %c", resp[0])
}

// queryProcessInfo returns the pid reported by qProcessInfo.
func (conn *gdbConn) queryProcessInfo() (int, error) {
	resp, err := conn.exec([]byte("$qProcessInfo"), "process info")
	if err != nil {
		return 0, err
	}
	for _, kv := range strings.Split(string(resp), ";") {
		if v, ok := strings.CutPrefix(kv, "pid:"); ok {
			n, err := strconv.ParseUint(v, 16, 64)
			return int(n), err
		}
	}
	return 0, errors.New("qProcessInfo response without pid")
}

// queryAllThreads lists the thread ids of the debuggee with qfThreadInfo
// and qsThreadInfo. With the multiprocess extensions the pid part of the
// ids is recorded as the debuggee pid.
func (conn *gdbConn) queryAllThreads() ([]string, error) {
	var all []string
	query := "$qfThreadInfo"
	for {
		resp, err := conn.exec([]byte(query), "thread info")
		if err != nil {
			return nil, err
		}
		switch resp[0] {
		case 'l':
			return all, nil
		case 'm':
		default:
			return nil, errors.New("malformed qfThreadInfo response")
		}

		pid := 0
		for _, id := range strings.Split(string(resp[1:]), ",") {
			if conn.multiprocess && pid == 0 {
				pid, _, _ = parseThreadID(id)
			}
			all = append(all, id)
		}
		if pid > 0 {
			conn.pid = pid
		}
		query = "$qsThreadInfo"
	}
}

// parseThreadID parses a thread id in either the plain "tid" or the
// multiprocess "pPID.TID" form. Both numbers are hexadecimal.
func parseThreadID(id string) (pid int, tid uint64, err error) {
	bad := &GdbMalformedThreadIDError{id}
	rest := id
	if p, ok := strings.CutPrefix(id, "p"); ok {
		ps, ts, hasTid := strings.Cut(p, ".")
		n, err := strconv.ParseUint(ps, 16, 32)
		if err != nil {
			return 0, 0, bad
		}
		if !hasTid {
			return int(n), 0, nil
		}
		pid, rest = int(n), ts
	}
	tid, err = strconv.ParseUint(rest, 16, 64)
	if err != nil {
		return 0, 0, bad
	}
	return pid, tid, nil
}

// readMemory fills data with m packets. Requests are kept within the
// packet size of the stub, gdbserver crashes on larger ones.
func (conn *gdbConn) readMemory(data []byte, addr uint64) error {
	chunk := (conn.packetSize - 4) / 2
	for off := 0; off < len(data); {
		sz := len(data) - off
		if sz > chunk {
			sz = chunk
		}
		conn.outbuf.Reset()
		fmt.Fprintf(&conn.outbuf, "$m%x,%x", addr+uint64(off), sz)
		resp, err := conn.exec(conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return err
		}
		if len(resp) != 2*sz {
			return fmt.Errorf("short memory read at %#x: %d of %d bytes", addr+uint64(off), len(resp)/2, sz)
		}
		off += copy(data[off:], hexdecode(resp))
	}
	return nil
}

// writeMemory stores data with M packets.
func (conn *gdbConn) writeMemory(addr uint64, data []byte) error {
	chunk := (conn.packetSize - 32) / 2
	for len(data) > 0 {
		sz := len(data)
		if sz > chunk {
			sz = chunk
		}
		conn.outbuf.Reset()
		fmt.Fprintf(&conn.outbuf, "$M%x,%x:", addr, sz)
		writeHex(&conn.outbuf, data[:sz])
		if _, err := conn.exec(conn.outbuf.Bytes(), "memory write"); err != nil {
			return err
		}
		data = data[sz:]
		addr += uint64(sz)
	}
	return nil
}

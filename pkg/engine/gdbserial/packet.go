package gdbserial

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/libudi/udi/pkg/logflags"
)

const (
	// longest part of a packet written to the gdbwire log
	wireLogMax = 120

	// retransmissions tolerated when acknowledgments are enabled
	maxRetransmits = 3

	hexdigits = "0123456789abcdef"

	// escaped bytes are sent xored with escapeXor, after a '}'
	escapeXor byte = 0x20
)

var ErrTooManyAttempts = errors.New("too many transmit attempts")

// GdbProtocolError is an Exx reply of the stub, or an empty reply meaning
// that the packet is not supported.
type GdbProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *GdbProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

func isProtocolErrorUnsupported(err error) bool {
	perr, ok := err.(*GdbProtocolError)
	return ok && perr.code == ""
}

// exec sends cmd and returns the decoded reply.
func (conn *gdbConn) exec(cmd []byte, context string) ([]byte, error) {
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context)
}

// frame terminates the '$' prefixed packet cmd with '#' and its checksum.
func frame(cmd []byte) []byte {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic(fmt.Sprintf("packet %q does not start with '$'", cmd))
	}
	sum := checksum(cmd)
	return append(cmd, '#', hexdigits[sum>>4], hexdigits[sum&0xf])
}

func (conn *gdbConn) send(cmd []byte) error {
	pkt := frame(cmd)
	for attempt := 0; ; attempt++ {
		conn.logWire("<- ", pkt)
		if _, err := conn.conn.Write(pkt); err != nil {
			return err
		}
		if !conn.ack || conn.readack() {
			return nil
		}
		if attempt > conn.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
	}
}

// recv reads the reply to cmd. Exx and empty replies are returned as a
// *GdbProtocolError.
func (conn *gdbConn) recv(cmd []byte, context string) ([]byte, error) {
	var (
		resp []byte
		csum [2]byte
	)
	for attempt := 0; ; {
		var err error
		resp, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(conn.rdr, csum[:]); err != nil {
			return nil, err
		}
		conn.logWire("-> ", append(resp[:len(resp):len(resp)], csum[:]...))

		if resp[0] == '%' {
			// notifications are never requested
			continue
		}
		if !conn.ack {
			break
		}
		if checksumok(resp, csum[:]) {
			conn.sendack('+')
			break
		}
		if attempt > conn.maxTransmitAttempts {
			conn.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack('-')
	}

	conn.inbuf, resp = decodePacket(resp, conn.inbuf)
	if len(resp) == 0 || resp[0] == 'E' {
		return nil, &GdbProtocolError{context: context, cmd: string(cmd), code: string(resp)}
	}
	return resp, nil
}

// readack reports whether the stub acknowledged the last packet.
func (conn *gdbConn) readack() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.logWire("-> ", []byte{b})
	return b == '+'
}

// sendack writes c, '+' or '-', to the stub.
func (conn *gdbConn) sendack(c byte) {
	conn.conn.Write([]byte{c})
	conn.logWire("<- ", []byte{c})
}

func (conn *gdbConn) logWire(dir string, pkt []byte) {
	if !logflags.GdbWire() {
		return
	}
	out, cut := pkt, false
	if nl := bytes.IndexByte(out, '\n'); nl >= 0 {
		out, cut = out[:nl], true
	}
	if len(out) > wireLogMax {
		out, cut = out[:wireLogMax], true
	}
	if cut {
		conn.log.Debugf("%s%s...", dir, out)
		return
	}
	conn.log.Debugf("%s%s", dir, out)
}

// decodePacket expands escapes and run length encoding of the packet in,
// reusing buf. The returned msg skips the leading '$' and the sequence id,
// if the packet has one.
func decodePacket(in, buf []byte) (newbuf, msg []byte) {
	buf = buf[:0]
	start := 1
	for i := 0; i < len(in); i++ {
		ch := in[i]
		switch {
		case ch == '#':
			return buf, buf[start:]
		case ch == '}' && i+1 < len(in):
			i++
			buf = append(buf, in[i]^escapeXor)
		case ch == '*' && i > 0 && i+1 < len(in):
			i++
			last := buf[len(buf)-1]
			for n := in[i] - 29; n > 0; n-- {
				buf = append(buf, last)
			}
		case ch == ':' && i == 3:
			buf = append(buf, ch)
			start = i + 1
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf[start:]
}

// checksum sums the bytes between the leading '$' and the '#' terminator.
func checksum(packet []byte) (sum uint8) {
	body := packet[1:]
	if end := bytes.IndexByte(body, '#'); end >= 0 {
		body = body[:end]
	}
	for _, b := range body {
		sum += b
	}
	return sum
}

func checksumok(packet, want []byte) bool {
	if len(packet) == 0 || packet[0] != '$' {
		return false
	}
	n, err := strconv.ParseUint(string(want), 16, 8)
	return err == nil && uint8(n) == checksum(packet)
}

// hexdecode decodes pairs of hex digits, a trailing odd digit is ignored.
func hexdecode(in []byte) []byte {
	out := make([]byte, len(in)/2)
	hex.Decode(out, in[:2*len(out)])
	return out
}

func writeHex(w io.Writer, data []byte) {
	hex.NewEncoder(w).Write(data)
}

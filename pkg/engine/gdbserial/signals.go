package gdbserial

// gdbserver reports signals using gdb's target independent numbering,
// lldb-server uses the host numbering. Events carry host numbers.
// The table maps the gdb numbers that differ from Linux's.
var gdbToHostSignal = map[uint8]uint8{
	10: 7,  // SIGBUS
	12: 31, // SIGSYS
	16: 23, // SIGURG
	17: 19, // SIGSTOP
	18: 20, // SIGTSTP
	19: 18, // SIGCONT
	20: 17, // SIGCHLD
	23: 29, // SIGIO
	30: 10, // SIGUSR1
	31: 12, // SIGUSR2
	32: 30, // SIGPWR
}

const (
	sigTrap = 5
	sigKill = 9
)

func (conn *gdbConn) hostSignal(sig uint8) uint8 {
	if conn.hostSignals {
		return sig
	}
	if h, ok := gdbToHostSignal[sig]; ok {
		return h
	}
	return sig
}

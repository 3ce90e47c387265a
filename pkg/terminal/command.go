// Package terminal implements functions for responding to user
// input and dispatching to the process being debugged.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/libudi/udi/pkg/engine"
	"github.com/libudi/udi/pkg/udi"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the udi terminal.
type Commands struct {
	cmds []command
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: `Run until the next event.

	continue

Prints the events reported by the engine when the process stops again.`},
		{aliases: []string{"step-instruction", "si"}, group: runCmds, cmdFn: stepInstruction, helpMsg: `Single step a single cpu instruction.

	step-instruction

Only the current thread is single stepped, see "thread".`},
		{aliases: []string{"break", "b"}, group: breakCmds, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <address>

Creates and installs a breakpoint at address.`},
		{aliases: []string{"install"}, group: breakCmds, cmdFn: installBreakpoint, helpMsg: `Installs a breakpoint created earlier.

	install <address>`},
		{aliases: []string{"remove"}, group: breakCmds, cmdFn: removeBreakpoint, helpMsg: `Removes a breakpoint from the process, keeping it for later reinstallation.

	remove <address>`},
		{aliases: []string{"clear", "delete"}, group: breakCmds, cmdFn: clearBreakpoint, helpMsg: `Deletes a breakpoint.

	clear <address>`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: "Print out info for active breakpoints."},
		{aliases: []string{"threads"}, group: threadCmds, cmdFn: threads, helpMsg: `Print out info for every traced thread.

The current thread is marked with '*'.`},
		{aliases: []string{"thread", "tr"}, group: threadCmds, cmdFn: thread, helpMsg: `Switch to the specified thread.

	thread <id>`},
		{aliases: []string{"suspend"}, group: threadCmds, cmdFn: suspend, helpMsg: `Suspends a thread, it will not run on the next continue.

	suspend [id]

Without arguments the current thread is suspended.`},
		{aliases: []string{"resume"}, group: threadCmds, cmdFn: resume, helpMsg: `Resumes a suspended thread.

	resume [id]

Without arguments the current thread is resumed.`},
		{aliases: []string{"regs"}, group: dataCmds, cmdFn: regs, helpMsg: `Print contents of CPU registers.

	regs`},
		{aliases: []string{"set"}, group: dataCmds, cmdFn: setRegister, helpMsg: `Changes the value of a register of the current thread.

	set <register> <value>`},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, cmdFn: examineMemoryCmd, helpMsg: `Examine raw memory at the given address.

Examine memory:

	examinemem [-fmt <format>] [-count|-len <count>] [-size <size>] <address>

Format represents the data format and the value is one of this list (default hex): bin(binary), oct(octal), dec(decimal), hex(hexadecimal).
Length is the number of bytes (default 1) and must be less than or equal to 1000.
Size is the size of each displayed value in bytes, at most 8.

For example:

    x -fmt hex -len 20 0xc00008af38`},
		{aliases: []string{"writemem"}, group: dataCmds, cmdFn: writeMemoryCmd, helpMsg: `Writes bytes to memory.

	writemem <address> <byte> [<byte>...]

Bytes are parsed like Go integer literals, for example: writemem 0x401000 0x90 0x90`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of udi commands.

	source <path>

Empty lines and lines starting with '#' are ignored.`},
		{aliases: []string{"pid"}, cmdFn: pid, helpMsg: "Print the pid of the debuggee."},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

	exit

The debuggee is killed if it did not terminate yet.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will replay the last command.
func (c *Commands) Find(cmdstr string) cmdfunc {
	// If <enter> use last command, if there was one.
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

// aliases returns every name a command can be invoked with.
func (c *Commands) aliases() []string {
	var r []string
	for _, cmd := range c.cmds {
		r = append(r, cmd.aliases...)
	}
	return r
}

var errNoCmd = errors.New("command not available")

// ExitRequestError is returned by the exit command to end the session.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits the arguments of a command the way a shell would.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal arguments '%s'", args)
	}
	return v[0], nil
}

func parseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse address %q: %v", s, err)
	}
	return addr, nil
}

func oneAddress(args string) (uint64, error) {
	v, err := splitArgs(args)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, errors.New("expected one address")
	}
	return parseAddress(v[0])
}

func cont(t *Term, args string) error {
	if err := t.proc.Continue(); err != nil {
		return err
	}
	return t.waitEvents()
}

func stepInstruction(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	if err := th.SetSingleStep(true); err != nil {
		return err
	}
	err = cont(t, args)
	// the thread may have exited while stepping
	if on, serr := th.SingleStep(); serr == nil && on {
		th.SetSingleStep(false)
	}
	return err
}

func breakpoint(t *Term, args string) error {
	addr, err := oneAddress(args)
	if err != nil {
		return err
	}
	if err := t.proc.CreateBreakpoint(addr); err != nil {
		return err
	}
	if err := t.proc.InstallBreakpoint(addr); err != nil {
		t.proc.DeleteBreakpoint(addr)
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint set at %#x\n", addr)
	return nil
}

func installBreakpoint(t *Term, args string) error {
	addr, err := oneAddress(args)
	if err != nil {
		return err
	}
	return t.proc.InstallBreakpoint(addr)
}

func removeBreakpoint(t *Term, args string) error {
	addr, err := oneAddress(args)
	if err != nil {
		return err
	}
	return t.proc.RemoveBreakpoint(addr)
}

func clearBreakpoint(t *Term, args string) error {
	addr, err := oneAddress(args)
	if err != nil {
		return err
	}
	if err := t.proc.DeleteBreakpoint(addr); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint at %#x cleared\n", addr)
	return nil
}

func breakpoints(t *Term, args string) error {
	bps := t.proc.Breakpoints()
	if len(bps) == 0 {
		fmt.Fprintln(t.stdout, "No breakpoints.")
		return nil
	}
	for _, bp := range bps {
		fmt.Fprintf(t.stdout, "Breakpoint at %#x (%s)\n", bp.Addr, bp.State)
	}
	return nil
}

// allThreads returns the threads of the process in engine order.
func (t *Term) allThreads() ([]*udi.Thread, error) {
	th, err := t.proc.InitialThread()
	if err != nil {
		return nil, err
	}
	var r []*udi.Thread
	for th != nil {
		r = append(r, th)
		th, err = th.NextThread()
		if err != nil {
			return r, err
		}
	}
	return r, nil
}

func (t *Term) formatThread(th *udi.Thread) string {
	tid, err := th.Tid()
	if err != nil {
		return fmt.Sprintf("thread <%v>", err)
	}
	state, err := th.State()
	if err != nil {
		return fmt.Sprintf("thread %d <%v>", tid, err)
	}
	s := fmt.Sprintf("Thread %d (%s)", tid, state)
	if pc, err := th.PC(); err == nil {
		s += fmt.Sprintf(" at %#x", pc)
	}
	if on, _ := th.SingleStep(); on {
		s += " single-step"
	}
	return s
}

func threads(t *Term, args string) error {
	ths, err := t.allThreads()
	cur, _ := t.currentThread()
	for _, th := range ths {
		prefix := "  "
		if th == cur {
			prefix = "* "
		}
		fmt.Fprintf(t.stdout, "%s%s\n", prefix, t.formatThread(th))
	}
	return err
}

// findThread returns the thread with the given tid, or the current thread
// if args is empty.
func (t *Term) findThread(args string) (*udi.Thread, error) {
	if args == "" {
		return t.currentThread()
	}
	tid, err := strconv.ParseUint(args, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("could not parse thread id %q: %v", args, err)
	}
	ths, err := t.allThreads()
	if err != nil {
		return nil, err
	}
	for _, th := range ths {
		if id, err := th.Tid(); err == nil && id == tid {
			return th, nil
		}
	}
	return nil, fmt.Errorf("no thread %d", tid)
}

func thread(t *Term, args string) error {
	if args == "" {
		return errors.New("you must specify a thread")
	}
	th, err := t.findThread(args)
	if err != nil {
		return err
	}
	old := "<none>"
	if cur, err := t.currentThread(); err == nil {
		if tid, err := cur.Tid(); err == nil {
			old = strconv.FormatUint(tid, 10)
		}
	}
	t.thread = th
	tid, _ := th.Tid()
	fmt.Fprintf(t.stdout, "Switched from %s to %d\n", old, tid)
	return nil
}

func suspend(t *Term, args string) error {
	th, err := t.findThread(args)
	if err != nil {
		return err
	}
	return th.Suspend()
}

func resume(t *Term, args string) error {
	th, err := t.findThread(args)
	if err != nil {
		return err
	}
	return th.Resume()
}

func regs(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	arch, err := t.proc.Architecture()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, reg := range engine.Registers(arch) {
		v, err := th.ReadRegister(reg)
		if err != nil {
			if udi.IsRequestError(err) {
				return err
			}
			fmt.Fprintf(w, "%s\t= <unavailable>\n", reg)
			continue
		}
		fmt.Fprintf(w, "%s\t= %#016x\n", reg, v)
	}
	return w.Flush()
}

func setRegister(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return errors.New("wrong number of arguments to set")
	}
	arch, err := t.proc.Architecture()
	if err != nil {
		return err
	}
	reg, ok := engine.RegisterByName(arch, v[0])
	if !ok {
		return fmt.Errorf("unknown register %s", v[0])
	}
	value, err := strconv.ParseUint(v[1], 0, 64)
	if err != nil {
		return fmt.Errorf("could not parse value %q: %v", v[1], err)
	}
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	return th.WriteRegister(reg, value)
}

func examineMemoryCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}

	var (
		address uint64
		ok      bool
	)

	// Default value
	priFmt := byte('x')
	count := 1
	size := 1

	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-fmt":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -fmt")
			}
			fmtMapToPriFmt := map[string]byte{
				"oct":         'o',
				"octal":       'o',
				"hex":         'x',
				"hexadecimal": 'x',
				"dec":         'd',
				"decimal":     'd',
				"bin":         'b',
				"binary":      'b',
			}
			priFmt, ok = fmtMapToPriFmt[v[i]]
			if !ok {
				return fmt.Errorf("%q is not a valid format", v[i])
			}
		case "-count", "-len":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -count/-len")
			}
			var err error
			count, err = strconv.Atoi(v[i])
			if err != nil || count <= 0 {
				return fmt.Errorf("count/len must be a positive integer")
			}
		case "-size":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -size")
			}
			var err error
			size, err = strconv.Atoi(v[i])
			if err != nil || size <= 0 || size > 8 {
				return fmt.Errorf("size must be a positive integer (<=8)")
			}
		default:
			if i != len(v)-1 {
				return fmt.Errorf("unknown option %q", v[i])
			}
			address, err = parseAddress(v[i])
			if err != nil {
				return err
			}
		}
	}

	if count*size > 1000 {
		return fmt.Errorf("read memory range (count*size) must be less than or equal to 1000 bytes")
	}

	if address == 0 {
		return fmt.Errorf("no address specified")
	}

	memArea := make([]byte, count*size)
	if err := t.proc.ReadMemory(memArea, address); err != nil {
		return err
	}
	fmt.Fprint(t.stdout, prettyExamineMemory(address, memArea, priFmt, size))
	return nil
}

func writeMemoryCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 2 {
		return errors.New("expected an address and at least one byte")
	}
	addr, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	data := make([]byte, 0, len(v)-1)
	for _, s := range v[1:] {
		b, err := strconv.ParseUint(s, 0, 8)
		if err != nil {
			return fmt.Errorf("could not parse byte %q: %v", s, err)
		}
		data = append(data, byte(b))
	}
	return t.proc.WriteMemory(data, addr)
}

func pid(t *Term, args string) error {
	pid, err := t.proc.Pid()
	if err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, pid)
	return nil
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if args == "" {
		return errors.New("wrong number of arguments: source <filename>")
	}
	return c.executeFile(t, args)
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}

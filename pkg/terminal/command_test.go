package terminal

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/libudi/udi/pkg/config"
	"github.com/libudi/udi/pkg/engine"
	"github.com/libudi/udi/pkg/engine/fake"
	"github.com/libudi/udi/pkg/logflags"
	"github.com/libudi/udi/pkg/udi"
)

const testEntry = 0x401000

var (
	testEngine  *fake.Engine
	testManager *udi.ProcessManager
	programSeq  int32
)

func TestMain(m *testing.M) {
	var logConf string
	flag.StringVar(&logConf, "log", "", "configures logging")
	flag.Parse()
	logflags.Setup(logConf != "", logConf, "")

	testEngine = fake.New()
	var err error
	testManager, err = udi.NewProcessManager(testEngine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create process manager: %v\n", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

func assertNoError(err error, t testing.TB, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

func assertError(err error, t testing.TB, s string) {
	if err == nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s (no error)\n", fname, line, s)
	}
}

type FakeTerminal struct {
	*Term
	t   testing.TB
	out *bytes.Buffer
}

func (ft *FakeTerminal) Exec(cmdstr string) (string, error) {
	ft.out.Reset()
	err := ft.cmds.Call(cmdstr, ft.Term)
	return ft.out.String(), err
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	outstr, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return outstr
}

func (ft *FakeTerminal) AssertExecError(cmdstr, tgterr string) {
	_, err := ft.Exec(cmdstr)
	if err == nil {
		ft.t.Fatalf("Expected error executing %q", cmdstr)
	}
	if !strings.Contains(err.Error(), tgterr) {
		ft.t.Fatalf("Expected error %q executing %q, got error %q", tgterr, cmdstr, err.Error())
	}
}

// newTestProcess starts prog under the shared process manager.
func newTestProcess(prog *fake.Program, t testing.TB) *udi.Process {
	if prog.Arch == 0 {
		prog.Arch = engine.X86_64
	}
	if prog.Entry == 0 {
		prog.Entry = testEntry
	}
	path := fmt.Sprintf("/bin/test%d", atomic.AddInt32(&programSeq, 1))
	testEngine.AddProgram(path, prog)
	p, err := testManager.CreateProcess(path, nil, nil, engine.ProcConfig{})
	assertNoError(err, t, "CreateProcess")
	return p
}

func withTestTerminal(prog *fake.Program, conf *config.Config, t testing.TB, fn func(term *FakeTerminal)) {
	p := newTestProcess(prog, t)
	out := new(bytes.Buffer)
	ft := &FakeTerminal{t: t, Term: newTerm(p, conf, out), out: out}
	defer func() {
		if p.State() != udi.Closed {
			p.Close()
		}
	}()
	fn(ft)
}

func TestCommandDefault(t *testing.T) {
	var (
		cmds = Commands{}
		cmd  = cmds.Find("non-existent-command")
	)

	err := cmd(nil, "")
	if err == nil {
		t.Fatal("cmd() did not default")
	}

	if err.Error() != "command not available" {
		t.Fatal("wrong command output")
	}
}

func TestCommandReplay(t *testing.T) {
	cmds := DebugCommands()
	if err := cmds.Find("")(nil, ""); err != nil {
		t.Fatalf("empty command returned %v", err)
	}
}

func TestCommandsMerge(t *testing.T) {
	conf := &config.Config{Aliases: map[string][]string{"continue": {"go"}, "break": {"bb"}}}
	withTestTerminal(&fake.Program{Steps: []fake.Step{fake.Exit(0)}}, conf, t, func(term *FakeTerminal) {
		term.MustExec("bb 0x401020")
		out := term.MustExec("go")
		if !strings.Contains(out, "code=0") {
			t.Fatalf("unexpected output of aliased continue: %q", out)
		}
	})

	// merging twice must not duplicate the configured aliases
	cmds := DebugCommands()
	cmds.Merge(conf.Aliases)
	cmds.Merge(conf.Aliases)
	n := 0
	for _, alias := range cmds.aliases() {
		if alias == "go" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("alias registered %d times", n)
	}
}

func TestHelp(t *testing.T) {
	withTestTerminal(&fake.Program{}, nil, t, func(term *FakeTerminal) {
		out := term.MustExec("help")
		for _, tgt := range []string{"Running the program:", "continue (alias: c)", "examinemem (alias: x)"} {
			if !strings.Contains(out, tgt) {
				t.Fatalf("help output does not contain %q:\n%s", tgt, out)
			}
		}
		out = term.MustExec("help si")
		if !strings.HasPrefix(out, "Single step a single cpu instruction.") {
			t.Fatalf("wrong help for si: %q", out)
		}
		term.AssertExecError("help nothing", "command not available")
	})
}

func TestBreakpointCommands(t *testing.T) {
	const addr = 0x401020
	prog := &fake.Program{Steps: []fake.Step{fake.Trap(addr), fake.Trap(addr), fake.Exit(3)}}
	withTestTerminal(prog, nil, t, func(term *FakeTerminal) {
		out := term.MustExec("bp")
		if !strings.Contains(out, "No breakpoints.") {
			t.Fatalf("unexpected breakpoints output: %q", out)
		}
		out = term.MustExec("break 0x401020")
		if out != "Breakpoint set at 0x401020\n" {
			t.Fatalf("unexpected break output: %q", out)
		}
		term.AssertExecError("break 0x401020", "already exists")
		term.AssertExecError("break nowhere", "could not parse address")
		term.AssertExecError("break", "expected one address")

		out = term.MustExec("breakpoints")
		if !strings.Contains(out, "Breakpoint at 0x401020 (installed)") {
			t.Fatalf("unexpected breakpoints output: %q", out)
		}

		out = term.MustExec("continue")
		if !strings.Contains(out, "addr=0x401020") {
			t.Fatalf("breakpoint event not printed: %q", out)
		}

		term.MustExec("remove 0x401020")
		out = term.MustExec("bp")
		if !strings.Contains(out, "(removed)") {
			t.Fatalf("unexpected breakpoints output: %q", out)
		}
		term.MustExec("install 0x401020")
		term.MustExec("clear 0x401020")
		term.AssertExecError("clear 0x401020", "no breakpoint")

		// the second trap is skipped, the process runs to completion
		out = term.MustExec("c")
		if !strings.Contains(out, "code=3") || !strings.Contains(out, "has exited with status 3") {
			t.Fatalf("exit not reported: %q", out)
		}
		if !term.exited || term.exitCode != 3 {
			t.Fatalf("exit not recorded: %v %d", term.exited, term.exitCode)
		}
		_, err := term.Exec("continue")
		assertError(err, t, "continue after exit")

		status, err := term.handleExit()
		assertNoError(err, t, "handleExit")
		if status != 3 {
			t.Fatalf("exit status %d", status)
		}
	})
}

func TestExamineMemoryCommand(t *testing.T) {
	withTestTerminal(&fake.Program{}, nil, t, func(term *FakeTerminal) {
		term.MustExec("writemem 0x402000 0x90 0xc3 10")
		out := term.MustExec("x -len 3 0x402000")
		if !strings.Contains(out, "0x402000:") || !strings.Contains(out, "0x90") || !strings.Contains(out, "0xc3") || !strings.Contains(out, "0x0a") {
			t.Fatalf("unexpected examinemem output: %q", out)
		}
		out = term.MustExec("examinemem -fmt dec -size 2 0x402000")
		if !strings.Contains(out, "50064") {
			t.Fatalf("unexpected examinemem output: %q", out)
		}

		term.AssertExecError("x -size 9 0x402000", "size must be a positive integer")
		term.AssertExecError("x -len 2000 0x402000", "less than or equal to 1000 bytes")
		term.AssertExecError("x -fmt nope 0x402000", "is not a valid format")
		term.AssertExecError("x -len 2", "no address specified")
		term.AssertExecError("x -bogus 0x402000", "unknown option")
		term.AssertExecError("writemem 0x402000", "expected an address")
		term.AssertExecError("writemem 0x402000 0x100", "could not parse byte")
	})
}

func TestRegisterCommands(t *testing.T) {
	withTestTerminal(&fake.Program{}, nil, t, func(term *FakeTerminal) {
		term.MustExec("set rax 0x1234")
		th, err := term.currentThread()
		assertNoError(err, t, "currentThread")
		v, err := th.ReadRegister(engine.X86_64_RAX)
		assertNoError(err, t, "ReadRegister")
		if v != 0x1234 {
			t.Fatalf("rax = %#x", v)
		}

		out := term.MustExec("regs")
		if !strings.Contains(out, "rax") || !strings.Contains(out, "0x0000000000001234") || !strings.Contains(out, "0x0000000000401000") {
			t.Fatalf("unexpected regs output: %q", out)
		}
		if strings.Contains(out, "0x000000000000001234") {
			t.Fatalf("register value padded past 64 bits: %q", out)
		}

		term.AssertExecError("set eax 1", "unknown register")
		term.AssertExecError("set rax", "wrong number of arguments")
		term.AssertExecError("set rax one", "could not parse value")
	})
}

func TestThreadCommands(t *testing.T) {
	prog := &fake.Program{Multithread: true, Steps: []fake.Step{fake.SpawnThread(), fake.Exit(0)}}
	withTestTerminal(prog, nil, t, func(term *FakeTerminal) {
		term.MustExec("continue")
		initial, err := term.proc.InitialThread()
		assertNoError(err, t, "InitialThread")
		second, err := initial.NextThread()
		assertNoError(err, t, "NextThread")
		if second == nil {
			t.Fatal("thread creation not observed")
		}
		tid1, _ := initial.Tid()
		tid2, _ := second.Tid()

		out := term.MustExec("threads")
		if !strings.Contains(out, fmt.Sprintf("* Thread %d", tid1)) || !strings.Contains(out, fmt.Sprintf("  Thread %d", tid2)) {
			t.Fatalf("unexpected threads output: %q", out)
		}

		term.MustExec(fmt.Sprintf("thread %d", tid2))
		out = term.MustExec("threads")
		if !strings.Contains(out, fmt.Sprintf("* Thread %d", tid2)) {
			t.Fatalf("current thread not switched: %q", out)
		}
		term.AssertExecError("thread 1", "no thread 1")
		term.AssertExecError("thread", "you must specify a thread")

		term.MustExec("suspend")
		term.AssertExecError("suspend", "already suspended")
		term.MustExec("resume")
		term.AssertExecError("resume", "not suspended")
		term.MustExec(fmt.Sprintf("suspend %d", tid1))
		term.MustExec(fmt.Sprintf("resume %d", tid1))
	})
}

func TestStepInstruction(t *testing.T) {
	withTestTerminal(&fake.Program{}, nil, t, func(term *FakeTerminal) {
		out := term.MustExec("si")
		if !strings.Contains(out, "single") {
			t.Fatalf("single step event not printed: %q", out)
		}
		th, err := term.currentThread()
		assertNoError(err, t, "currentThread")
		pc, err := th.PC()
		assertNoError(err, t, "PC")
		if pc != testEntry+fake.InstructionLen {
			t.Fatalf("pc %#x after step", pc)
		}
		on, err := th.SingleStep()
		assertNoError(err, t, "SingleStep")
		if on {
			t.Fatal("single step left enabled")
		}
	})
}

func TestPidAndExit(t *testing.T) {
	withTestTerminal(&fake.Program{}, nil, t, func(term *FakeTerminal) {
		pid, err := term.proc.Pid()
		assertNoError(err, t, "Pid")
		out := term.MustExec("pid")
		if out != fmt.Sprintf("%d\n", pid) {
			t.Fatalf("unexpected pid output: %q", out)
		}
		_, err = term.Exec("exit")
		if _, ok := err.(ExitRequestError); !ok {
			t.Fatalf("exit returned %v", err)
		}
		status, err := term.handleExit()
		assertNoError(err, t, "handleExit")
		if status != 0 {
			t.Fatalf("exit status %d", status)
		}
		if term.proc.State() != udi.Closed {
			t.Fatalf("process in state %v after exit", term.proc.State())
		}
	})
}

func TestSplitArgs(t *testing.T) {
	v, err := splitArgs(`-fmt hex "0x10"`)
	assertNoError(err, t, "splitArgs")
	if len(v) != 3 || v[2] != "0x10" {
		t.Fatalf("unexpected split %q", v)
	}
	_, err = splitArgs("`whoami`")
	assertError(err, t, "backtick")
	_, err = splitArgs("a | b")
	assertError(err, t, "pipe")
	v, err = splitArgs("  ")
	assertNoError(err, t, "empty")
	if len(v) != 0 {
		t.Fatalf("unexpected split %q", v)
	}
}

func TestExecuteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "init")
	script := "# set up\nbreak 0x401020\n\nbreak bad\nbreakpoints\n"
	assertNoError(os.WriteFile(path, []byte(script), 0600), t, "WriteFile")
	withTestTerminal(&fake.Program{}, nil, t, func(term *FakeTerminal) {
		out := term.MustExec("source " + path)
		if !strings.Contains(out, "Breakpoint set at 0x401020") {
			t.Fatalf("script not executed: %q", out)
		}
		if !strings.Contains(out, ":4: could not parse address") {
			t.Fatalf("failing line not reported: %q", out)
		}
		if !strings.Contains(out, "(installed)") {
			t.Fatalf("script stopped early: %q", out)
		}
		term.AssertExecError("source", "wrong number of arguments")
	})
}

func TestCompleter(t *testing.T) {
	withTestTerminal(&fake.Program{}, nil, t, func(term *FakeTerminal) {
		complete := term.completer()
		found := func(c []string, s string) bool {
			for _, x := range c {
				if x == s {
					return true
				}
			}
			return false
		}
		if c := complete("cont"); !found(c, "continue") {
			t.Fatalf("continue not completed: %q", c)
		}
		if c := complete("set rs"); !found(c, "set rsp") || !found(c, "set rsi") {
			t.Fatalf("registers not completed: %q", c)
		}
	})
}

func TestRunBatch(t *testing.T) {
	const addr = 0x401020
	prog := &fake.Program{Steps: []fake.Step{fake.Trap(addr), fake.Signal(0x401030, 11), fake.Exit(7)}}
	p := newTestProcess(prog, t)
	out := new(bytes.Buffer)
	status, err := RunBatch(p, []uint64{addr}, out)
	assertNoError(err, t, "RunBatch")
	if status != 7 {
		t.Fatalf("exit status %d", status)
	}
	for _, tgt := range []string{"addr=0x401020", "code=7"} {
		if !strings.Contains(out.String(), tgt) {
			t.Fatalf("output does not contain %q:\n%s", tgt, out.String())
		}
	}
	if p.State() != udi.Closed {
		t.Fatalf("process in state %v", p.State())
	}
}

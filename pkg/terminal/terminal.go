package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"
	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"

	"github.com/libudi/udi/pkg/config"
	"github.com/libudi/udi/pkg/engine"
	"github.com/libudi/udi/pkg/logflags"
	"github.com/libudi/udi/pkg/udi"
)

const (
	historyFile                 string = ".udi_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
	ansiBlue   = 34
)

// Term represents the terminal running udi.
type Term struct {
	proc     *udi.Process
	thread   *udi.Thread
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   io.Writer
	log      logflags.Logger
	InitFile string

	exited   bool
	exitCode int32
}

// New returns a new Term debugging proc.
func New(proc *udi.Process, conf *config.Config) *Term {
	var w io.Writer

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	if dumb {
		w = os.Stdout
	} else {
		w = colorable.NewColorableStdout()
	}

	t := newTerm(proc, conf, w)
	t.dumb = dumb
	t.line = liner.NewLiner()
	return t
}

func newTerm(proc *udi.Process, conf *config.Config, w io.Writer) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	cmds := DebugCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	return &Term{
		proc:   proc,
		conf:   conf,
		prompt: "(udi) ",
		cmds:   cmds,
		dumb:   true,
		stdout: w,
		log:    logflags.CoreLogger(),
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

// Run begins running udi in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	t.line.SetCompleter(t.completer())

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}

	t.line.ReadHistory(f)
	f.Close()
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			if err == liner.ErrPromptAborted {
				continue
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			if t.exited {
				fmt.Fprintf(os.Stderr, "Process has exited with status %d\n", t.exitCode)
				continue
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// completer completes command names and, after "set", register names.
func (t *Term) completer() liner.Completer {
	cmdTrie := trie.New()
	for _, alias := range t.cmds.aliases() {
		cmdTrie.Add(alias, nil)
	}
	var regTrie *trie.Trie
	return func(line string) []string {
		if strings.HasPrefix(line, "set ") {
			if regTrie == nil {
				arch, err := t.proc.Architecture()
				if err != nil {
					return nil
				}
				regTrie = trie.New()
				for _, reg := range engine.Registers(arch) {
					regTrie.Add(reg.Name(), nil)
				}
			}
			var c []string
			for _, name := range regTrie.PrefixSearch(strings.TrimSpace(line[len("set "):])) {
				c = append(c, "set "+name)
			}
			return c
		}
		return cmdTrie.PrefixSearch(strings.ToLower(line))
	}
}

// Println prints a line to the terminal.
func (t *Term) Println(prefix, str string) {
	t.colorPrintln(ansiBlue, prefix, str)
}

func (t *Term) colorPrintln(color int, prefix, str string) {
	if !t.dumb {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, color)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

// currentThread returns the selected thread, defaulting to the initial
// thread of the process.
func (t *Term) currentThread() (*udi.Thread, error) {
	if t.thread != nil {
		return t.thread, nil
	}
	th, err := t.proc.InitialThread()
	if err != nil {
		return nil, fmt.Errorf("no current thread: %v", err)
	}
	return th, nil
}

// waitEvents waits for the process to stop and prints every event
// received. An exit is followed by its cleanup event, both are collected
// before returning.
func (t *Term) waitEvents() error {
	for {
		events, err := t.proc.WaitForEvents()
		exiting := false
		for _, ev := range events {
			t.handleEvent(ev)
			if ev.Type() == udi.EventProcessExit {
				exiting = true
			}
		}
		if err != nil {
			return err
		}
		if !exiting {
			return nil
		}
	}
}

func (t *Term) handleEvent(ev udi.Event) {
	if logflags.Core() {
		t.log.Debugf("event %s", ev)
	}
	switch ev := ev.(type) {
	case *udi.ProcessExitEvent:
		t.exitCode = ev.ExitCode
		t.colorPrintln(ansiYellow, "> ", ev.String())
		return
	case *udi.ProcessCleanupEvent:
		t.exited = true
		t.thread = nil
		pid, _ := t.proc.Pid()
		fmt.Fprintf(t.stdout, "Process %d has exited with status %d\n", pid, t.exitCode)
		return
	case *udi.ThreadDeathEvent:
		if ev.Thread() == t.thread {
			t.thread = nil
		}
	case *udi.ErrorEvent, *udi.SignalEvent:
		t.colorPrintln(ansiRed, "> ", ev.String())
		if th := ev.Thread(); th != nil {
			t.thread = th
		}
		return
	default:
		if th := ev.Thread(); th != nil {
			t.thread = th
		}
	}
	t.colorPrintln(ansiGreen, "> ", ev.String())
}

func (t *Term) handleExit() (int, error) {
	if t.line != nil {
		fullHistoryFile, err := config.GetConfigFilePath(historyFile)
		if err != nil {
			fmt.Println("Error saving history file:", err)
		} else {
			if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
				_, err = t.line.WriteHistory(f)
				if err != nil {
					fmt.Println("readline history error:", err)
				}
				f.Close()
			}
		}
	}

	if t.proc.State() != udi.Closed {
		if err := t.proc.Close(); err != nil {
			return 1, err
		}
	}
	if t.exited {
		return int(t.exitCode), nil
	}
	return 0, nil
}

// RunBatch installs a breakpoint at each address of breaks and runs proc
// to completion, printing every event to out. The process is closed when
// it exits. The returned status is the exit code of the process.
func RunBatch(proc *udi.Process, breaks []uint64, out io.Writer) (int, error) {
	t := newTerm(proc, nil, out)
	for _, addr := range breaks {
		if err := breakpoint(t, fmt.Sprintf("%#x", addr)); err != nil {
			proc.Close()
			return 1, err
		}
	}
	for !t.exited {
		if err := cont(t, ""); err != nil {
			proc.Close()
			return 1, err
		}
	}
	if err := proc.Close(); err != nil {
		return 1, err
	}
	return int(t.exitCode), nil
}

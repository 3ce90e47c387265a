package gdbserial

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/libudi/udi/pkg/engine"
	"github.com/libudi/udi/pkg/logflags"
	isatty "github.com/mattn/go-isatty"
)

const (
	stubGdbserver  = "gdbserver"
	stubLLDBServer = "lldb-server"

	// SearchPathEnv names the environment variable consulted when
	// Config.SearchPath is empty.
	SearchPathEnv = "UDI_ENGINE_SEARCH_PATH"

	dialTimeout  = 10 * time.Second
	stubExitWait = 2 * time.Second
)

// ErrUnsupportedOS is returned when trying to use the engine on Windows.
var ErrUnsupportedOS = errors.New("gdbserial engine not supported on Windows")

// ErrStubUnavailable is returned when no usable stub executable was found.
type ErrStubUnavailable struct {
	Stub string
}

func (err *ErrStubUnavailable) Error() string {
	if err.Stub == "" {
		return "could not find gdbserver or lldb-server"
	}
	return fmt.Sprintf("could not find %s", err.Stub)
}

// Config selects and configures the stub driven by the engine.
type Config struct {
	// Stub is either "gdbserver" or "lldb-server", empty picks the first
	// one found.
	Stub string
	// StubArgs are passed to the stub before the debuggee command line.
	StubArgs []string
	// SearchPath is a list of directories, separated by os.PathListSeparator,
	// searched before PATH.
	SearchPath string
	// MemCacheBlocks is the number of memory blocks cached per process.
	MemCacheBlocks int
}

// findStub returns the kind and the path of the stub executable.
func findStub(cfg Config) (kind, path string, err error) {
	kinds := []string{stubGdbserver, stubLLDBServer}
	switch cfg.Stub {
	case "":
	case stubGdbserver, stubLLDBServer:
		kinds = []string{cfg.Stub}
	default:
		return "", "", fmt.Errorf("unknown stub %q", cfg.Stub)
	}
	searchPath := cfg.SearchPath
	if searchPath == "" {
		searchPath = os.Getenv(SearchPathEnv)
	}
	for _, kind := range kinds {
		for _, dir := range filepath.SplitList(searchPath) {
			if dir == "" {
				continue
			}
			path := filepath.Join(dir, kind)
			if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() && fi.Mode()&0111 != 0 {
				return kind, path, nil
			}
		}
		if path, err := exec.LookPath(kind); err == nil {
			return kind, path, nil
		}
	}
	return "", "", &ErrStubUnavailable{Stub: cfg.Stub}
}

// unusedPort returns an unused tcp port
// This is a hack and subject to a race condition with other running
// programs, but most (all?) OS will cycle through all ephemeral ports
// before reassigning one port they just assigned, unless there's heavy
// churn in the ephemeral range this should work.
func unusedPort() string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "127.0.0.1:8081"
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// stub is a running gdbserver or lldb-server instance.
type stub struct {
	cmd      *exec.Cmd
	waitChan chan *os.ProcessState
	logFile  *os.File
}

func stubCommandLine(kind string, args []string, addr, path string, argv []string) []string {
	var r []string
	switch kind {
	case stubLLDBServer:
		r = append(r, "gdbserver")
		r = append(r, args...)
		r = append(r, addr, "--", path)
	default:
		r = append(r, "--once")
		r = append(r, args...)
		r = append(r, addr, path)
	}
	if len(argv) > 1 {
		r = append(r, argv[1:]...)
	}
	return r
}

func stubEnv(envp []string, cfg engine.ProcConfig) []string {
	env := envp
	if env == nil {
		env = os.Environ()
	}
	if cfg.RuntimeLibPath != "" {
		env = append(env[:len(env):len(env)], "LD_PRELOAD="+cfg.RuntimeLibPath)
	}
	return env
}

// launchStub starts the stub asking it to run path and connects to it.
func (e *Engine) launchStub(path string, argv, envp []string, cfg engine.ProcConfig) (*stub, *gdbConn, error) {
	if runtime.GOOS == "windows" {
		return nil, nil, ErrUnsupportedOS
	}
	addr := unusedPort()
	args := stubCommandLine(e.kind, e.cfg.StubArgs, addr, path, argv)
	if logflags.Engine() {
		e.log.Debugf("launching %s %v", e.stubPath, args)
	}

	cmd := exec.Command(e.stubPath, args...)
	cmd.Env = stubEnv(envp, cfg)
	cmd.Stdout = os.Stdout
	if isatty.IsTerminal(os.Stdin.Fd()) {
		cmd.Stdin = os.Stdin
	}
	s := &stub{cmd: cmd}
	switch {
	case logflags.StubOutput():
		cmd.Stderr = os.Stderr
	case cfg.RootDir != "":
		if err := os.MkdirAll(cfg.RootDir, 0700); err != nil {
			return nil, nil, err
		}
		f, err := os.CreateTemp(cfg.RootDir, "stub-*.log")
		if err != nil {
			return nil, nil, err
		}
		s.logFile = f
		cmd.Stderr = f
	default:
		cmd.Stderr = io.Discard
	}
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		s.closeLog()
		return nil, nil, err
	}
	s.waitChan = make(chan *os.ProcessState, 1)
	go func() {
		state, _ := cmd.Process.Wait()
		s.waitChan <- state
	}()

	conn, err := s.dial(addr)
	if err != nil {
		s.kill()
		return nil, nil, err
	}
	return s, conn, nil
}

// dial attempts to connect to the stub.
func (s *stub) dial(addr string) (*gdbConn, error) {
	deadline := time.Now().Add(dialTimeout)
	for {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			conn := newConn(c)
			if err := conn.handshake(); err != nil {
				c.Close()
				return nil, err
			}
			return conn, nil
		}
		select {
		case status := <-s.waitChan:
			s.waitChan <- status
			return nil, fmt.Errorf("stub exited while attempting to connect: %v", status)
		default:
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("could not connect to stub at %s: %v", addr, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// kill stops the stub and everything in its process group.
func (s *stub) kill() {
	killGroup(s.cmd.Process.Pid)
	<-s.waitChan
	s.closeLog()
}

// shutdown gives the stub some time to exit on its own before killing it.
func (s *stub) shutdown() {
	select {
	case <-s.waitChan:
		s.closeLog()
	case <-time.After(stubExitWait):
		s.kill()
	}
}

func (s *stub) closeLog() {
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
}

package cmds

import (
	"io/ioutil"
	"os"
	"strings"
	"testing"

	"github.com/libudi/udi/pkg/config"
)

func TestDebuggeeArgs(t *testing.T) {
	args, err := debuggeeArgs([]string{"./hello"}, "")
	if err != nil || len(args) != 1 {
		t.Fatalf("unexpected args %q %v", args, err)
	}

	args, err = debuggeeArgs([]string{"./hello", "a"}, `-v "two words" 'x y'`)
	if err != nil {
		t.Fatal(err)
	}
	tgt := []string{"./hello", "a", "-v", "two words", "x y"}
	if strings.Join(args, "|") != strings.Join(tgt, "|") {
		t.Fatalf("expected %q got %q", tgt, args)
	}

	if _, err := debuggeeArgs([]string{"./hello"}, "`date`"); err == nil {
		t.Fatal("backtick accepted")
	}
	if _, err := debuggeeArgs([]string{"./hello"}, "a | b"); err == nil {
		t.Fatal("pipe accepted")
	}
}

func TestDebuggeeEnv(t *testing.T) {
	if envp := debuggeeEnv(nil); envp != nil {
		t.Fatalf("expected inherited environment, got %q", envp)
	}
	envp := debuggeeEnv(map[string]string{"B": "2", "A": "1"})
	n := len(envp)
	if n != len(os.Environ())+2 || envp[n-2] != "A=1" || envp[n-1] != "B=2" {
		t.Fatalf("unexpected environment tail %q", envp[n-2:])
	}
}

func TestParseBreaks(t *testing.T) {
	addrs, err := parseBreaks([]string{"0x401000", "4198400"})
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 || addrs[0] != 0x401000 || addrs[1] != 0x401000 {
		t.Fatalf("unexpected addresses %#x", addrs)
	}
	if _, err := parseBreaks([]string{"main"}); err == nil {
		t.Fatal("symbolic address accepted")
	}
}

func TestEngineConfig(t *testing.T) {
	blocks := 16
	conf := &config.Config{Stub: "gdbserver", StubArgs: `--debug "--wrapper x --"`, RootDir: "/var/tmp", MemCacheBlocks: &blocks}

	stub, rootDir, engineSearchPath = "lldb-server", "", "/opt/stubs"
	defer func() { stub, engineSearchPath = "", "" }()
	applyFlags(conf)

	if conf.Stub != "lldb-server" || conf.RootDir != "/var/tmp" || conf.EngineSearchPath != "/opt/stubs" {
		t.Fatalf("flags not applied: %#v", conf)
	}
	cfg := engineConfig(conf)
	if cfg.Stub != "lldb-server" || cfg.SearchPath != "/opt/stubs" || cfg.MemCacheBlocks != 16 {
		t.Fatalf("unexpected engine config %#v", cfg)
	}
	if len(cfg.StubArgs) != 2 || cfg.StubArgs[1] != "--wrapper x --" {
		t.Fatalf("unexpected stub args %q", cfg.StubArgs)
	}
}

func TestCommandTree(t *testing.T) {
	root := New()
	for _, name := range []string{"exec", "run", "version", "engine", "log"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("missing subcommand %s: %v", name, err)
		}
	}
	for _, flag := range []string{"log", "log-output", "log-dest", "stub", "root-dir", "rt-lib", "engine-search-path", "env"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("missing flag --%s", flag)
		}
	}

	root.SetArgs([]string{"exec"})
	root.SetOut(ioutil.Discard)
	root.SetErr(ioutil.Discard)
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "path to a binary") {
		t.Fatalf("exec without binary: %v", err)
	}
}

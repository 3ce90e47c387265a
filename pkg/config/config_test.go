package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
)

func TestDefaultConfigParses(t *testing.T) {
	p := filepath.Join(t.TempDir(), configFile)
	c := loadConfigFile(p)
	if c.Stub != "" || c.RootDir != "" || c.MemCacheBlocks != nil {
		t.Fatalf("default config should leave everything unset: %#v", c)
	}
	buf, err := ioutil.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) == 0 {
		t.Fatal("default config not written")
	}
}

func TestParseConfig(t *testing.T) {
	c, err := parseConfig([]byte(`
aliases:
  continue: ["go"]
root-dir: /tmp/udi
rt-lib-path: /usr/lib/libudirt.so
stub: lldb-server
stub-args: '--log-channels "gdb-remote packets"'
mem-cache-blocks: 16
`))
	if err != nil {
		t.Fatal(err)
	}
	if c.Aliases["continue"][0] != "go" {
		t.Errorf("aliases: %v", c.Aliases)
	}
	pc := c.ProcessConfig()
	if pc.RootDir != "/tmp/udi" || pc.RuntimeLibPath != "/usr/lib/libudirt.so" {
		t.Errorf("process config: %#v", pc)
	}
	if c.MemCacheBlocks == nil || *c.MemCacheBlocks != 16 {
		t.Errorf("mem-cache-blocks: %v", c.MemCacheBlocks)
	}
	args := c.StubArgList()
	if len(args) != 2 || args[1] != "gdb-remote packets" {
		t.Errorf("stub args: %q", args)
	}

	if _, err := parseConfig([]byte("stub: qemu\n")); err == nil {
		t.Error("unknown stub accepted")
	}
}

func TestStubArgListSpacing(t *testing.T) {
	c := &Config{StubArgs: "--once  --debug "}
	args := c.StubArgList()
	if len(args) != 2 || args[0] != "--once" || args[1] != "--debug" {
		t.Errorf("stub args: %q", args)
	}
	if args := (&Config{}).StubArgList(); len(args) != 0 {
		t.Errorf("stub args of an empty config: %q", args)
	}
}

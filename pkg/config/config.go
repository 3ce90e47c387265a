package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"github.com/libudi/udi/pkg/engine"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".udi"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// RootDir is the directory the engine uses for per-process state
	// (stub logs, sockets). Empty means a temporary directory.
	RootDir string `yaml:"root-dir,omitempty"`
	// RuntimeLibPath is the runtime library injected into every debuggee.
	RuntimeLibPath string `yaml:"rt-lib-path,omitempty"`
	// EngineSearchPath is a colon separated list of directories searched for
	// the stub binary before $PATH.
	EngineSearchPath string `yaml:"engine-search-path,omitempty"`

	// Stub selects the remote stub used by the engine, either "gdbserver"
	// or "lldb-server".
	Stub string `yaml:"stub,omitempty"`
	// StubArgs are extra arguments passed to the stub, split like a shell
	// would using double quotes.
	StubArgs string `yaml:"stub-args,omitempty"`

	// MemCacheBlocks is the number of memory blocks kept by the engine
	// between two resumes.
	MemCacheBlocks *int `yaml:"mem-cache-blocks,omitempty"`
}

// ProcessConfig returns the per-process configuration handed to the engine
// when a debuggee is created.
func (c *Config) ProcessConfig() engine.ProcConfig {
	return engine.ProcConfig{RootDir: c.RootDir, RuntimeLibPath: c.RuntimeLibPath}
}

// StubArgList returns StubArgs split into fields.
func (c *Config) StubArgList() []string {
	return SplitQuotedFields(c.StubArgs, '"')
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}
	return loadConfigFile(fullConfigFile)
}

func loadConfigFile(fullConfigFile string) *Config {
	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	c, err := parseConfig(data)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}
	return c
}

func parseConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	switch c.Stub {
	case "", "gdbserver", "lldb-server":
	default:
		return nil, fmt.Errorf("unknown stub %q", c.Stub)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for udi.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Directory used by the engine for per-process state. Defaults to a
# temporary directory.
# root-dir: /tmp/udi

# Runtime library preloaded into every debuggee.
# rt-lib-path: /usr/lib/libudirt.so

# Directories searched for the stub before $PATH.
# engine-search-path: /opt/udi/bin

# Remote stub driving the debuggee: gdbserver or lldb-server.
# stub: gdbserver
# stub-args: "--no-startup-with-shell"

# Number of 64 byte memory blocks cached between resumes.
# mem-cache-blocks: 256
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}

package cmds

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/cosiner/argv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/libudi/udi/pkg/config"
	"github.com/libudi/udi/pkg/engine/gdbserial"
	"github.com/libudi/udi/pkg/logflags"
	"github.com/libudi/udi/pkg/terminal"
	"github.com/libudi/udi/pkg/udi"
	"github.com/libudi/udi/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string

	// stub selects the remote stub driven by the engine.
	stub string
	// rootDir is the directory for per-process engine state.
	rootDir string
	// rtLib is the runtime library preloaded into the debuggee.
	rtLib string
	// engineSearchPath is searched for the stub before PATH.
	engineSearchPath string
	// env holds variables added to the environment of the debuggee.
	env map[string]string

	// breaks are the breakpoint addresses installed by 'run'.
	breaks []string
	// processArgsStr is the debuggee command line given as a single string.
	processArgsStr string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const udiCommandLongDesc = `udi is a process level debugger for x86 and x86-64 programs.

udi starts the program under a gdbserver compatible stub and lets you control
its threads, breakpoints, registers and memory.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`udi exec ./hello -- server --config conf/config.toml`"

type executeKind int

const (
	executeTerminal executeKind = iota
	executeBatch
)

// processFlags are the flags configuring how the debuggee is started.
func processFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("process", pflag.ContinueOnError)
	fs.StringVar(&stub, "stub", "", `Stub driven by the engine, gdbserver or lldb-server (see 'udi help engine').`)
	fs.StringVar(&rootDir, "root-dir", "", "Directory for per-process engine state such as stub logs.")
	fs.StringVar(&rtLib, "rt-lib", "", "Runtime library preloaded into the debuggee.")
	fs.StringVar(&engineSearchPath, "engine-search-path", "", "Directories searched for the stub before PATH.")
	fs.StringToStringVar(&env, "env", nil, "Environment variables added to the debuggee, as key=value.")
	return fs
}

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main udi root command.
	rootCommand = &cobra.Command{
		Use:   "udi",
		Short: "udi is a debugger for x86 and x86-64 processes.",
		Long:  udiCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'udi help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'udi help log').")
	rootCommand.PersistentFlags().AddFlagSet(processFlags())

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary> [-- args]",
		Short: "Execute a binary and begin a debug session.",
		Long: `Execute a binary and begin a debug session.

The binary is started halted at its entry point and the terminal is opened.
Type 'help' at the prompt for the list of commands.`,
		PersistentPreRunE: requireBinary,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(args, executeTerminal))
		},
	}
	execCommand.Flags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")
	execCommand.Flags().StringVar(&processArgsStr, "args", "", "Arguments of the debuggee, split like a shell would.")
	rootCommand.AddCommand(execCommand)

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run <path/to/binary> [-- args]",
		Short: "Run a binary to completion, printing its debug events.",
		Long: `Run a binary to completion, printing every debug event.

Breakpoints can be installed with --break before the binary starts. The exit
status of udi is the exit code of the debuggee.`,
		PersistentPreRunE: requireBinary,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(args, executeBatch))
		},
	}
	runCommand.Flags().StringSliceVar(&breaks, "break", nil, "Breakpoint addresses, can be repeated.")
	runCommand.Flags().StringVar(&processArgsStr, "args", "", "Arguments of the debuggee, split like a shell would.")
	rootCommand.AddCommand(runCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("udi\n%s\n", version.UDIVersion)
			if log {
				fmt.Print(version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "engine",
		Short: "Help about the --stub flag.",
		Long: `The debug engine drives the debuggee through a remote stub speaking the
GDB remote serial protocol. The --stub flag selects it, possible values are:

	gdbserver	Uses gdbserver.
	lldb-server	Uses lldb-server in gdbserver mode.

Without --stub the first of the two found is used. Stubs are searched in the
directories of --engine-search-path (or $` + gdbserial.SearchPathEnv + `), then in PATH.
Extra stub arguments can be set with 'stub-args' in the config file.
`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	udi		Log process and thread lifecycle (default)
	engine		Log requests handled by the debug engine
	gdbwire		Log connection to the stub
	events		Log every decoded debug event
	stubout		Copy output from the stub to standard output

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func requireBinary(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("you must provide a path to a binary")
	}
	return nil
}

// debuggeeArgs appends the --args string, split like a shell would, to
// processArgs.
func debuggeeArgs(processArgs []string, argstr string) ([]string, error) {
	if argstr == "" {
		return processArgs, nil
	}
	v, err := argv.Argv(argstr, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal arguments '%s'", argstr)
	}
	return append(processArgs, v[0]...), nil
}

// debuggeeEnv returns the environment of the debuggee, nil means the
// environment of udi.
func debuggeeEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	envp := os.Environ()
	for _, k := range keys {
		envp = append(envp, k+"="+env[k])
	}
	return envp
}

func parseBreaks(breaks []string) ([]uint64, error) {
	addrs := make([]uint64, 0, len(breaks))
	for _, s := range breaks {
		addr, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid breakpoint address %q: %v", s, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// applyFlags overrides the configuration file with the command line.
func applyFlags(conf *config.Config) {
	if stub != "" {
		conf.Stub = stub
	}
	if rootDir != "" {
		conf.RootDir = rootDir
	}
	if rtLib != "" {
		conf.RuntimeLibPath = rtLib
	}
	if engineSearchPath != "" {
		conf.EngineSearchPath = engineSearchPath
	}
}

func engineConfig(conf *config.Config) gdbserial.Config {
	cfg := gdbserial.Config{
		Stub:       conf.Stub,
		StubArgs:   conf.StubArgList(),
		SearchPath: conf.EngineSearchPath,
	}
	if conf.MemCacheBlocks != nil {
		cfg.MemCacheBlocks = *conf.MemCacheBlocks
	}
	return cfg
}

func execute(processArgs []string, kind executeKind) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	processArgs, err := debuggeeArgs(processArgs, processArgsStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	addrs, err := parseBreaks(breaks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	applyFlags(conf)

	eng, err := gdbserial.New(engineConfig(conf))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	mgr, err := udi.NewProcessManager(eng)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	proc, err := mgr.CreateProcess(processArgs[0], processArgs, debuggeeEnv(env), conf.ProcessConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not launch process: %v\n", err)
		return 1
	}

	var status int
	switch kind {
	case executeBatch:
		status, err = terminal.RunBatch(proc, addrs, os.Stdout)
	default:
		term := terminal.New(proc, conf)
		term.InitFile = initFile
		status, err = term.Run()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return status
}

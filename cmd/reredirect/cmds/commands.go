package cmds

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"

	"github.com/reredirect/reredirect/pkg/config"
	"github.com/reredirect/reredirect/pkg/logflags"
	"github.com/reredirect/reredirect/pkg/redirect"
	"github.com/reredirect/reredirect/pkg/version"
)

// Env is the part of the system the commands depend on. The zero value
// uses the real one.
type Env struct {
	// AttachFunc overrides how tracing control is acquired; nil means
	// ptrace.
	AttachFunc func(pid int) (redirect.Tracee, error)
	// ProcRoot overrides the procfs used by the process group check.
	ProcRoot string
	// YamaPtraceScope is consulted when the kernel refuses to let us
	// attach.
	YamaPtraceScope string
}

const defaultYamaPtraceScope = "/proc/sys/kernel/yama/ptrace_scope"

// command holds the flag values of one invocation.
type command struct {
	env Env

	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configFile overrides the default configuration file location.
	configFile string

	// merged is a file receiving both stdout and stderr.
	merged string
	// stdoutFile and stderrFile are the files stdout and stderr are
	// redirected to.
	stdoutFile string
	stderrFile string
	// stdoutFd and stderrFd are descriptors of the target that stdout and
	// stderr are redirected to, -1 if unset.
	stdoutFd int
	stderrFd int
	// noRestore disables saving the original stdout and stderr.
	noRestore bool
	// showVersion prints the version and exits.
	showVersion bool
}

const reredirectCommandLongDesc = `reredirect takes a running process and redirects its standard output
and standard error to a file or to another process.

The process is briefly stopped with ptrace(2) while the files are opened and
duplicated on its behalf, then resumed. Unless -N is given, the original
outputs are kept open in the process and the command needed to put them back
is printed.

Redirect the output of 1234 to a file:

	reredirect -m /tmp/out.log 1234

Send it to another program through a named pipe:

	mkfifo /tmp/fifo
	grep --line-buffered pattern < /tmp/fifo &
	reredirect -m /tmp/fifo 1234`

// usageError is an invalid invocation; the usage is printed along with it.
type usageError struct {
	msg string
}

func (e usageError) Error() string {
	return e.msg
}

// New returns an initialized command tree running against env.
func New(env Env) *cobra.Command {
	if env.YamaPtraceScope == "" {
		env.YamaPtraceScope = defaultYamaPtraceScope
	}
	c := &command{env: env}

	rootCommand := &cobra.Command{
		Use:           "reredirect [flags] PID",
		Short:         "Redirect the outputs of a running process.",
		Long:          reredirectCommandLongDesc,
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          c.redirectCmd,
	}

	rootCommand.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err.Error()}
	})

	flags := rootCommand.Flags()
	flags.SortFlags = false
	flags.StringVarP(&c.merged, "merged", "m", "", "Redirect both stdout and stderr to `FILE`.")
	flags.StringVarP(&c.stdoutFile, "stdout", "o", "", "Redirect stdout to `FILE`.")
	flags.StringVarP(&c.stderrFile, "stderr", "e", "", "Redirect stderr to `FILE`.")
	flags.VarP(newFdValue(&c.stdoutFd), "stdout-fd", "O", "Redirect stdout to descriptor `FD` of the process.")
	flags.VarP(newFdValue(&c.stderrFd), "stderr-fd", "E", "Redirect stderr to descriptor `FD` of the process.")
	flags.BoolVarP(&c.noRestore, "no-restore", "N", false, "Do not save the original stdout and stderr for a later restore.")
	flags.BoolVarP(&c.showVersion, "version", "V", false, "Print version and exit.")

	rootCommand.PersistentFlags().BoolVarP(&c.log, "log", "v", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&c.logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'reredirect help log')`)
	rootCommand.PersistentFlags().StringVarP(&c.logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'reredirect help log').")
	rootCommand.PersistentFlags().StringVarP(&c.configFile, "config", "", "", "Configuration file (default $XDG_CONFIG_HOME/reredirect/config.yml).")

	// 'version' subcommand.
	var buildInfo bool
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.ReredirectVersion)
			if buildInfo {
				fmt.Fprintln(cmd.OutOrStdout(), version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVar(&buildInfo, "build-info", false, "Also print the toolchain and module versions.")
	rootCommand.AddCommand(versionCommand)

	// 'config' subcommand.
	var initConfig bool
	configCommand := &cobra.Command{
		Use:   "config",
		Short: "Shows the configuration in effect.",
		Long: `Shows the location of the configuration file and the settings read from it.

With --init, a commented configuration file is written there if none exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.configCmd(cmd, initConfig)
		},
	}
	configCommand.Flags().BoolVar(&initConfig, "init", false, "Create a default configuration file.")
	rootCommand.AddCommand(configCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log (-v) flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	session		Log attach, scratch page and descriptor operations
	guard		Log the process group check
	ptrace		Log every ptrace request and injected syscall
	all		All of the above

When --log-output is not given, session is used.

Additionally --log-dest can be used to specify where the logs should be
written. 
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// Execute runs the command tree with args against env and returns the exit
// status.
func Execute(env Env, args []string, stdout, stderr io.Writer) int {
	root := New(env)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err == nil {
		return 0
	}
	if errors.Is(err, errAlreadyReported) {
		return 1
	}
	var uerr usageError
	if errors.As(err, &uerr) {
		fmt.Fprintf(stderr, "[!] %v\n", err)
		fmt.Fprint(stderr, root.UsageString())
		return 1
	}
	fmt.Fprintf(stderr, "%v\n", err)
	return 1
}

func (c *command) redirectCmd(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if c.showVersion {
		fmt.Fprintln(out, version.ReredirectVersion)
		return nil
	}

	conf, err := config.LoadConfig(c.configFile)
	if err != nil {
		return err
	}
	c.applyConfig(cmd.Flags(), conf)

	plan, err := c.parsePlan()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return usageError{"No pid specified to attach"}
	}
	if len(args) > 1 {
		return usageError{fmt.Sprintf("Unexpected arguments after pid: %s", strings.Join(args[1:], " "))}
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		return usageError{fmt.Sprintf("Invalid pid: %s", args[0])}
	}

	logFlags, err := logflags.Setup(c.log, c.logOutput, c.logDest)
	if err != nil {
		return err
	}
	defer logFlags.Close()

	opts := &redirect.Options{Log: logFlags, AttachFunc: c.env.AttachFunc}
	if c.env.ProcRoot != "" {
		opts.FS.Root = c.env.ProcRoot
	}
	if conf.FileMode != nil {
		opts.FileMode = uint32(*conf.FileMode)
	}

	res, err := redirect.Execute(pid, plan, opts)
	if err != nil {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "Unable to redirect pid %d: %v\n", pid, err)
		if errors.Is(err, redirect.PermissionDenied) {
			checkYamaPtraceScope(errOut, c.env.YamaPtraceScope)
		}
		// Descriptors saved before the failure are still open in the target.
		if res.Saved() {
			printRestore(out, res)
		}
		return errAlreadyReported
	}
	if plan.SaveOriginal {
		printRestore(out, res)
	}
	return nil
}

// errAlreadyReported makes Execute return a failure status without
// printing anything more.
var errAlreadyReported = errors.New("redirection failed")

func printRestore(w io.Writer, res redirect.Restore) {
	fmt.Fprintln(w, "# Previous state saved. To restore, use:")
	fmt.Fprintln(w, res.Command(os.Args[0]))
}

// applyConfig fills in the flags that were not given on the command line
// from the configuration file.
func (c *command) applyConfig(flags *pflag.FlagSet, conf *config.Config) {
	if !flags.Changed("no-restore") {
		c.noRestore = conf.NoRestore
	}
	if !flags.Changed("log") {
		c.log = conf.Log
	}
	if !flags.Changed("log-output") && c.log {
		c.logOutput = conf.LogOutput
	}
	if !flags.Changed("log-dest") {
		c.logDest = conf.LogDest
	}
}

// parsePlan turns the redirection flags into a plan, enforcing that each
// stream gets at most one destination.
func (c *command) parsePlan() (redirect.Plan, error) {
	plan := redirect.Plan{Stdout: redirect.Fd(c.stdoutFd), Stderr: redirect.Fd(c.stderrFd), SaveOriginal: !c.noRestore}
	if c.merged != "" {
		if c.stdoutFile != "" || c.stderrFile != "" || c.stdoutFd >= 0 || c.stderrFd >= 0 {
			return plan, usageError{"-m is exclusive with -o, -e, -O and -E"}
		}
		plan.Stdout, plan.Stderr = redirect.File(c.merged), redirect.File(c.merged)
		return plan, nil
	}
	if c.stdoutFile != "" {
		if c.stdoutFd >= 0 {
			return plan, usageError{"-m, -o and -O are exclusive"}
		}
		plan.Stdout = redirect.File(c.stdoutFile)
	}
	if c.stderrFile != "" {
		if c.stderrFd >= 0 {
			return plan, usageError{"-m, -e and -E are exclusive"}
		}
		plan.Stderr = redirect.File(c.stderrFile)
	}
	return plan, nil
}

// checkYamaPtraceScope explains the likely cause of a permission error
// when the Yama security module restricts ptrace.
func checkYamaPtraceScope(w io.Writer, path string) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
	} else if n, err := strconv.Atoi(strings.TrimSpace(string(buf))); err == nil && n == 0 {
		return
	}
	fmt.Fprintln(w, "The kernel denied permission while attaching. If your uid matches")
	fmt.Fprintln(w, "the target's, check the value of /proc/sys/kernel/yama/ptrace_scope.")
	fmt.Fprintln(w, "For more information, see /etc/sysctl.d/10-ptrace.conf")
}

func (c *command) configCmd(cmd *cobra.Command, initConfig bool) error {
	out := cmd.OutOrStdout()
	path := c.configFile
	if path == "" {
		var err error
		if path, err = config.GetConfigFilePath("config.yml"); err != nil {
			return err
		}
	}
	if initConfig {
		created, err := config.CreateDefaultConfig(path)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(out, "# Created %s\n", path)
		}
	}
	conf, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	buf, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "# %s\n%s", path, buf)
	return nil
}

// fdValue is a pflag.Value holding a file descriptor number, -1 meaning
// unset.
type fdValue int

func newFdValue(p *int) *fdValue {
	*p = -1
	return (*fdValue)(p)
}

func (f *fdValue) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < -1 {
		return fmt.Errorf("not a file descriptor: %q", s)
	}
	*f = fdValue(n)
	return nil
}

func (f *fdValue) String() string {
	return strconv.Itoa(int(*f))
}

func (f *fdValue) Type() string {
	return "fd"
}

package cmdline

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/osutil"
)

// options contains all command-line options for the ftthd binary.
type options struct {
	// confFile is the path to the TOML configuration file.
	confFile string

	// pidFile is the path to the file where to store the PID, if any.
	pidFile string

	// metricsAddr is the host:port the Prometheus /metrics endpoint is served
	// on.  Empty disables the metrics server.
	metricsAddr string

	// help, if true, instructs ftthd to print the usage message and quit with
	// a successful exit code.
	help bool

	// version, if true, instructs ftthd to print the version and quit with a
	// successful exit code.
	version bool

	// verbose, if true, enables debug-level logging.
	verbose bool
}

// Indexes into [commandLineOptions].
const (
	confFileIdx = iota
	pidFileIdx
	metricsAddrIdx
	helpIdx
	versionIdx
	verboseIdx
)

// commandLineOption describes one command-line flag: its long form, the
// value type shown in usage, the description, and the default.
type commandLineOption struct {
	defaultValue any
	description  string
	long         string
	valueType    string
}

// commandLineOptions are every flag ftthd currently recognizes.
var commandLineOptions = []*commandLineOption{
	confFileIdx: {
		defaultValue: "/etc/ftthd.toml",
		description:  "Path to the TOML configuration file.",
		long:         "config",
		valueType:    "path",
	},
	pidFileIdx: {
		defaultValue: "",
		description:  "Path to the file where to store the PID.",
		long:         "pid-file",
		valueType:    "path",
	},
	metricsAddrIdx: {
		defaultValue: "",
		description:  "Address to serve Prometheus metrics on, host:port. Empty disables it.",
		long:         "metrics-addr",
		valueType:    "host:port",
	},
	helpIdx: {
		defaultValue: false,
		description:  "Print this help message and quit.",
		long:         "help",
		valueType:    "",
	},
	versionIdx: {
		defaultValue: false,
		description:  "Print the version and quit.",
		long:         "version",
		valueType:    "",
	},
	verboseIdx: {
		defaultValue: false,
		description:  "Enable verbose (debug) logging.",
		long:         "verbose",
		valueType:    "",
	},
}

// parseOptions parses args, expecting the sole "start" subcommand.
func parseOptions(cmdName string, args []string) (opts *options, subcommand string, err error) {
	flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)

	opts = &options{}
	for i, fieldPtr := range []any{
		confFileIdx:    &opts.confFile,
		pidFileIdx:     &opts.pidFile,
		metricsAddrIdx: &opts.metricsAddr,
		helpIdx:        &opts.help,
		versionIdx:     &opts.version,
		verboseIdx:     &opts.verbose,
	} {
		addOption(flags, fieldPtr, commandLineOptions[i])
	}

	flags.Usage = func() { usage(cmdName, os.Stderr) }

	err = flags.Parse(args)
	if err != nil {
		return nil, "", err
	}

	if flags.NArg() > 0 {
		subcommand = flags.Arg(0)
	}

	return opts, subcommand, nil
}

// addOption registers one flag on flags using fieldPtr as its destination.
func addOption(flags *flag.FlagSet, fieldPtr any, o *commandLineOption) {
	switch fieldPtr := fieldPtr.(type) {
	case *string:
		flags.StringVar(fieldPtr, o.long, o.defaultValue.(string), o.description)
	case *bool:
		flags.BoolVar(fieldPtr, o.long, o.defaultValue.(bool), o.description)
	default:
		panic(fmt.Errorf("cmdline: unexpected field pointer type %T", fieldPtr))
	}
}

// usage prints a usage message for cmdName to output.
func usage(cmdName string, output io.Writer) {
	b := &strings.Builder{}
	_, _ = fmt.Fprintf(b, "Usage: %s [options] start\n\nOptions:\n", cmdName)

	for _, o := range commandLineOptions {
		if o.valueType == "" {
			_, _ = fmt.Fprintf(b, "  --%s\n", o.long)
		} else {
			_, _ = fmt.Fprintf(b, "  --%s=%s\n", o.long, o.valueType)
		}

		_, _ = fmt.Fprintf(b, "    \t%s\n", o.description)
	}

	_, _ = io.WriteString(output, b.String())
}

// processOptions decides whether ftthd should exit immediately, before
// starting any service, based on parsed flags and the subcommand.
func processOptions(
	opts *options,
	subcommand string,
	cmdName string,
	parseErr error,
) (exitCode osutil.ExitCode, needExit bool) {
	if parseErr != nil {
		return osutil.ExitCodeArgumentError, true
	}

	if opts.help {
		usage(cmdName, os.Stdout)

		return osutil.ExitCodeSuccess, true
	}

	if opts.version {
		fmt.Println(versionString())

		return osutil.ExitCodeSuccess, true
	}

	if subcommand != "start" {
		usage(cmdName, os.Stderr)

		return osutil.ExitCodeArgumentError, true
	}

	return 0, false
}

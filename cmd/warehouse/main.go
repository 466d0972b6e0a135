// warehouse serves the ISA record API and exposes offline tooling for its
// permission policy.
//
// Commands:
//
//	warehouse [serve]  run the HTTP gateway (default)
//	warehouse check    validate the config, models and policy, then exit
//	warehouse resolve  print the actions a set of roles holds on resources
//	warehouse encrypt  encrypt an auth token for use as "enc:..." in config
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return runServe(args, stderr)
	case "check":
		return runCheck(args, stdout)
	case "resolve":
		return runResolve(args, stdout)
	case "encrypt":
		return runEncrypt(args, stdout)
	case "help":
		showUsage(stdout)
		return nil
	default:
		return fmt.Errorf("unknown command %q (run 'warehouse help' for usage)", cmd)
	}
}

func showUsage(w io.Writer) {
	fmt.Fprint(w, `warehouse - ISA metadata record service

USAGE:
    warehouse [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the HTTP gateway (default)
    check       Validate configuration, models and policy
    resolve     Show the actions held by roles on resources
    encrypt     Encrypt a token with WAREHOUSE_CONFIG_KEY
    help        Show this help message

Run 'warehouse COMMAND --help' for command flags.

CONFIGURATION:
    Config file: ./config.yaml, or $WAREHOUSE_CONFIG, or --config
    Environment: WAREHOUSE_* variables override config
`)
}

// newFlagSet creates a command flag set carrying the shared --config flag.
func newFlagSet(name string, out io.Writer) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(out)
	path := fs.String("config", defaultConfigPath(), "path to the YAML config file")
	return fs, path
}

// parseFlags parses args into fs. It reports done when help was requested.
func parseFlags(fs *pflag.FlagSet, args []string) (done bool, err error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func defaultConfigPath() string {
	if p := os.Getenv("WAREHOUSE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

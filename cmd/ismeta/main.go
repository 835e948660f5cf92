package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"ISMeta/internal/logger"
)

const usage = `usage: ismeta <command> [flags]

commands:
  serve   run a metadata server
  build   build metadata for a message and print it as hex
  put     store a submodule's metadata for a message
  decode  print the slots of an aggregation metadata blob`

// errUsage is returned for a missing or unknown command.
var errUsage = errors.New(usage)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches to the subcommand named by args[0].
func run(args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	cmd, rest := args[0], args[1:]

	switch cmd {
	case "serve":
		return runServe(rest)
	case "build":
		return runBuild(rest)
	case "put":
		return runPut(rest)
	case "decode":
		return runDecode(rest)
	default:
		return fmt.Errorf("unknown command %q\n%w", cmd, errUsage)
	}
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string // configPath is the TOML config file
	debug      bool   // debug enables debug logging
}

// newFlagSet creates a subcommand flag set with the common flags bound.
func newFlagSet(name string, cf *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cf.configPath, "config", "node.toml", "path to the TOML config")
	fs.BoolVar(&cf.debug, "debug", false, "enable debug logging")

	return fs
}

// initLogging sets up the global logger for the run.
func initLogging(debug bool) {
	if debug {
		logger.InitLevel(slog.LevelDebug)
		return
	}

	logger.Init()
}

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/odvcencio/hypogate/pkg/config"
	hgerrors "github.com/odvcencio/hypogate/pkg/errors"
	"github.com/odvcencio/hypogate/pkg/logging"
	"github.com/odvcencio/hypogate/pkg/model"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var configPath string

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// loadConfigFn allows tests to supply configuration without touching the
// user's home directory.
var loadConfigFn = loadConfig

// newSourceFn allows tests to stub the model endpoint.
var newSourceFn = func(cfg *config.Config, logger *slog.Logger) model.Source {
	return model.NewClientFromConfig(cfg.Model, logger)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(raw []string) int {
	args, err := parseGlobalFlags(raw)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if handled, code := dispatchSubcommand(args); handled {
		return code
	}
	printHelp()
	return exitUsage
}

// parseGlobalFlags strips --config from anywhere in the argument list.
func parseGlobalFlags(raw []string) ([]string, error) {
	filtered := make([]string, 0, len(raw))
	nextConfig := false
	for _, arg := range raw {
		if nextConfig {
			configPath = arg
			nextConfig = false
			continue
		}
		switch {
		case arg == "--config" || arg == "-c":
			nextConfig = true
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
		default:
			filtered = append(filtered, arg)
		}
	}
	if nextConfig {
		return nil, fmt.Errorf("--config requires a path argument")
	}
	return filtered, nil
}

func dispatchSubcommand(args []string) (bool, int) {
	if len(args) == 0 {
		return false, 0
	}
	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return true, 0
	case "--help", "-h", "help":
		printHelp()
		return true, 0
	case "run":
		return true, runCommand(runRunCommand, args[1:])
	case "gate":
		return true, runCommand(runGateCommand, args[1:])
	case "state":
		return true, runCommand(runStateCommand, args[1:])
	case "validate":
		return true, runCommand(runValidateCommand, args[1:])
	default:
		fmt.Fprintf(stderr, "Error: unknown command: %s\n", args[0])
		return true, exitUsage
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintf(stderr, "Error: %v\n", msg)
			if hint := hgerrors.UserMessage(err); hint != msg {
				fmt.Fprintf(stderr, "  %s\n", hint)
			}
		}
		return exitCodeForError(err)
	}
	return 0
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// newLogger opens the session log for one command. A failure to open the
// log directory degrades to stderr-only logging.
func newLogger(cfg *config.Config, sessionID string) (*slog.Logger, func()) {
	var mirror io.Writer
	if cfg.Logging.Stderr {
		mirror = stderr
	}
	l, err := logging.NewLogger(cfg.LogDir(), sessionID, logging.Options{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Stderr: mirror,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Warning: %v\n", err)
		if mirror == nil {
			return nil, func() {}
		}
		return slog.New(slog.NewTextHandler(mirror, nil)), func() {}
	}
	return l.Slog(), func() { _ = l.Close() }
}

func printHelp() {
	fmt.Fprintln(stdout, "hypogate - hypothesis experiment gate")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "USAGE:")
	fmt.Fprintln(stdout, "  hypogate [--config FILE] COMMAND [FLAGS]")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "COMMANDS:")
	fmt.Fprintln(stdout, "  run --hypothesis TEXT            Plan, execute and gate one hypothesis")
	fmt.Fprintln(stdout, "      [--normalization FILE] [--falsification FILE] [--dataset PATH|URL]")
	fmt.Fprintln(stdout, "      [--conversation KEY] [--turn ID] [--discover] [--trace] [--json]")
	fmt.Fprintln(stdout, "  gate --results FILE              Re-evaluate a stored run result")
	fmt.Fprintln(stdout, "  state show --namespace NS --conversation KEY")
	fmt.Fprintln(stdout, "                                   Print a persisted state record")
	fmt.Fprintln(stdout, "  validate --schema ID FILE        Check a document against a stage contract")
	fmt.Fprintln(stdout, "  version                          Show version information")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "EXIT CODES:")
	fmt.Fprintln(stdout, "  0  pass, provisional pass or needs field")
	fmt.Fprintln(stdout, "  1  error")
	fmt.Fprintln(stdout, "  2  usage error")
	fmt.Fprintln(stdout, "  3  rejected early or definitive fail")
}

func printVersion() {
	fmt.Fprintf(stdout, "hypogate %s\n", version)
	if commit != "unknown" {
		fmt.Fprintf(stdout, "  Commit:     %s\n", commit)
	}
	if buildDate != "unknown" {
		fmt.Fprintf(stdout, "  Built:      %s\n", buildDate)
	}
	fmt.Fprintf(stdout, "  Go version: %s\n", runtime.Version())
}

// Package cli is responsible for parsing command-line arguments, validating
// user input, and handling process-level concerns like exit codes. It
// translates CLI flags into the application's internal configuration.
package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/osforge/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config, a
// boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("osforge", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
osforge - A multi-variant native-module build orchestrator.

Usage:
  osforge [options] [DESCRIPTOR_PATH]

Arguments:
  DESCRIPTOR_PATH
    Path to a single .hcl descriptor file or a directory containing them.

Options:
`)
		flagSet.PrintDefaults()
	}

	descriptorsFlag := flagSet.String("descriptors", "", "Path to the descriptor file or directory.")
	dFlag := flagSet.String("d", "", "Path to the descriptor file or directory (shorthand).")
	deviceFlag := flagSet.String("device", "", "Target device identifier. Required.")
	variantFlag := flagSet.String("variant", "release", "Build variant identifier, e.g. 'debug' or 'release'.")
	outFlag := flagSet.String("out", "out", "Root of the output tree.")
	modulesFlag := flagSet.String("module", "", "Comma-separated module names to build. Empty builds everything.")
	ccFlag := flagSet.String("cc", "gcc", "C compiler driver.")
	cxxFlag := flagSet.String("cxx", "g++", "C++ compiler driver.")
	stripFlag := flagSet.String("strip-tool", "strip", "Strip binary.")
	workersFlag := flagSet.Int("workers", 0, "Number of concurrent workers. 0 uses the host CPU count.")
	failFastFlag := flagSet.Bool("fail-fast", false, "Stop scheduling new steps after the first failure.")
	overwriteFlag := flagSet.Bool("overwrite", false, "On install path conflicts, warn and let the later module win instead of failing.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *descriptorsFlag != "" {
		path = *descriptorsFlag
	} else if *dFlag != "" {
		path = *dFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}

	if path == "" {
		slog.Debug("No descriptor path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}
	if *deviceFlag == "" {
		return nil, false, &ExitError{Code: 2, Message: "missing required -device flag"}
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	var modules []string
	for _, name := range strings.Split(*modulesFlag, ",") {
		if name = strings.TrimSpace(name); name != "" {
			modules = append(modules, name)
		}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		DescriptorPath: path,
		Device:         *deviceFlag,
		BuildVariant:   *variantFlag,
		OutDir:         *outFlag,
		Modules:        modules,
		CC:             *ccFlag,
		CXX:            *cxxFlag,
		StripTool:      *stripFlag,
		LogFormat:      logFormat,
		LogLevel:       logLevel,
		Workers:        *workersFlag,
		FailFast:       *failFastFlag,
		Overwrite:      *overwriteFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.")
	return config, false, nil
}

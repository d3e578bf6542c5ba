// Package main is the runbox command-line interface.
//
// runbox executes a single code snippet in the sandbox and prints the
// execution result as a JSON document on stdout. The process exits 0
// whenever a result was produced, regardless of the inner execution's
// success or failure; interpreting the result is the consumer's job.
// Caller errors (bad flags, unreadable config, unsupported runtime) exit
// non-zero without producing a document.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/sandbox"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("runbox", pflag.ContinueOnError)
	flags.SetOutput(stderr)

	lang := flags.String("lang", "python", "runtime language (python|nodejs)")
	code := flags.String("code", "", "code string or path to a file containing code")
	timeout := flags.Int("timeout", 0, "execution timeout in seconds (0 uses the configured default)")
	mode := flags.String("mode", "", "execution mode (isolated|fallback), overrides config")
	configPath := flags.String("config", "", "path to a config file")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *code == "" {
		fmt.Fprintln(stderr, "runbox: --code is required")
		fmt.Fprint(stderr, flags.FlagUsages())
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, "runbox:", err)
		return 2
	}
	if *mode != "" {
		cfg.Sandbox.Mode = *mode
	}

	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		fmt.Fprintln(stderr, "runbox:", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	executor, err := sandbox.NewExecutor(log, cfg)
	if err != nil {
		fmt.Fprintln(stderr, "runbox:", err)
		return 2
	}
	defer func() { _ = executor.Close() }()

	source, err := readCode(*code)
	if err != nil {
		fmt.Fprintln(stderr, "runbox:", err)
		return 2
	}

	result, err := executor.Execute(context.Background(), sandbox.ExecutionRequest{
		Code:       source,
		Runtime:    sandbox.Runtime(*lang),
		TimeoutSec: *timeout,
	})
	if err != nil {
		fmt.Fprintln(stderr, "runbox:", err)
		return 2
	}

	doc, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintln(stderr, "runbox:", err)
		return 2
	}
	fmt.Fprintln(stdout, string(doc))

	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.NewFromFile(path)
	}
	return config.New()
}

// readCode treats the argument as a file path when one exists, matching
// the convention of accepting either inline source or a script file.
func readCode(arg string) (string, error) {
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		data, readErr := os.ReadFile(arg)
		if readErr != nil {
			return "", fmt.Errorf("read code file %s: %w", arg, readErr)
		}
		return string(data), nil
	}
	return arg, nil
}

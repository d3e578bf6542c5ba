package sandbox

import (
	"context"
	"fmt"
	"strings"
)

// Runtime selects the interpreter a code snippet is executed with.
type Runtime string

// Supported runtimes.
const (
	RuntimePython Runtime = "python"
	RuntimeNodeJS Runtime = "nodejs"
)

// Engine name tags carried in result metadata.
const (
	EngineDocker     = "docker"
	EngineSubprocess = "subprocess"
)

// Execution defaults, applied when the request or config leaves a field unset.
const (
	DefaultTimeoutSec  = 30
	DefaultMemoryMB    = 512
	DefaultCPUs        = 0.5
	DefaultMaxOutputKB = 1024
)

// KilledExitCode is the sentinel exit code reported when a unit was
// forcibly terminated instead of exiting on its own.
const KilledExitCode = -1

// ExecutionRequest represents the parameters for a single code execution.
// A request is constructed per invocation and never mutated.
type ExecutionRequest struct {
	Code       string
	Runtime    Runtime
	TimeoutSec int // 0 means "use the configured default"
}

// ExecutionResult is the uniform outcome of an execution, regardless of
// which engine produced it.
//
// TimedOut == true implies Success == false, and ExitCode is only
// meaningful when TimedOut is false.
type ExecutionResult struct {
	Success    bool           `json:"success"`
	ExitCode   int            `json:"exit_code"`
	Stdout     string         `json:"stdout"`
	Stderr     string         `json:"stderr"`
	DurationMs float64        `json:"duration_ms"`
	TimedOut   bool           `json:"timed_out"`
	Metadata   map[string]any `json:"metadata"`
}

// RuntimeSpec describes how to execute code for one runtime: which base
// image the isolated engine uses and the interpreter argv the code string
// is appended to (e.g. ["python", "-c"]).
type RuntimeSpec struct {
	Image   string
	Command []string
}

// DefaultRuntimeSpecs returns the built-in runtime table.
func DefaultRuntimeSpecs() map[Runtime]RuntimeSpec {
	return map[Runtime]RuntimeSpec{
		RuntimePython: {Image: "python:3.10-slim", Command: []string{"python", "-c"}},
		RuntimeNodeJS: {Image: "node:18-slim", Command: []string{"node", "-e"}},
	}
}

// UnitSpec describes a single isolation unit to create.
type UnitSpec struct {
	Name        string
	Runtime     Runtime
	Image       string
	Command     []string // interpreter argv; the code is the final argument
	Code        string
	MemoryBytes int64
	NanoCPUs    int64
}

// Argv returns the full command line for the unit.
func (s UnitSpec) Argv() []string {
	argv := make([]string, 0, len(s.Command)+1)
	argv = append(argv, s.Command...)
	return append(argv, s.Code)
}

// WaitStatus is the terminal status of a unit. Err is set when the wait
// itself failed rather than the unit exiting.
type WaitStatus struct {
	ExitCode int
	Err      error
}

// Unit is one ephemeral execution environment, created per request and
// destroyed after use. Remove must be safe to call on every exit path,
// including after Kill.
type Unit interface {
	Start(ctx context.Context) error
	Wait(ctx context.Context) <-chan WaitStatus
	Kill(ctx context.Context) error
	Output(ctx context.Context) (stdout, stderr string, err error)
	Remove(ctx context.Context) error
}

// Engine is the capability interface an execution backend implements.
// Exactly one engine is selected when the executor is constructed.
type Engine interface {
	// Name identifies the engine in result metadata.
	Name() string
	// EnsureImage makes the base image available locally, pulling it if absent.
	// Engines without an image store treat this as a no-op.
	EnsureImage(ctx context.Context, image string) error
	// Create allocates a new isolation unit. The unit is not started.
	Create(ctx context.Context, spec UnitSpec) (Unit, error)
}

// truncateOutput caps a captured stream at maxBytes, marking the cut.
// Captured output is otherwise unbounded and a hostile snippet could
// exhaust memory through stdout alone.
func truncateOutput(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n[output truncated]"
}

// appendTimeoutNotice adds the timeout marker to whatever partial stderr
// was retrievable, rather than overwriting it.
func appendTimeoutNotice(stderr string, timeoutSec int) string {
	notice := fmt.Sprintf("Execution timed out after %ds", timeoutSec)
	if stderr == "" {
		return notice
	}
	return strings.TrimRight(stderr, "\n") + "\n" + notice
}

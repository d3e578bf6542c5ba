package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// outputDrainDelay bounds how long a finished command may keep its output
// pipes open, e.g. when a detached descendant escaped the process group
// but inherited stdout.
const outputDrainDelay = 2 * time.Second

// ProcessEngine implements Engine by spawning the interpreter as a plain
// child process on the host. It is the last-resort fallback path: there is
// no resource ceiling and no network restriction, so it is only selected
// when the isolation backend is unavailable.
type ProcessEngine struct {
	logger *zap.Logger
}

// NewProcessEngine creates the fallback engine.
func NewProcessEngine(logger *zap.Logger) *ProcessEngine {
	return &ProcessEngine{logger: logger}
}

// Name implements Engine.
func (*ProcessEngine) Name() string {
	return EngineSubprocess
}

// EnsureImage implements Engine. The host has no image store; the
// interpreter either exists on PATH or Start fails.
func (*ProcessEngine) EnsureImage(context.Context, string) error {
	return nil
}

// Create builds the child process for the unit spec without starting it.
func (*ProcessEngine) Create(_ context.Context, spec UnitSpec) (Unit, error) {
	argv := spec.Argv()
	if len(argv) < 2 {
		return nil, fmt.Errorf("no interpreter command configured for runtime %q", spec.Runtime)
	}

	unit := &processUnit{
		cmd:  exec.Command(argv[0], argv[1:]...),
		done: make(chan struct{}),
		wait: make(chan WaitStatus, 1),
	}
	unit.cmd.Stdout = &unit.stdout
	unit.cmd.Stderr = &unit.stderr
	// The child gets its own process group so Kill takes down everything
	// the snippet spawned, not just the interpreter. Snippet children
	// inherit the output pipes, and a survivor would hold them open and
	// stall the reaper long past the deadline.
	unit.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	unit.cmd.WaitDelay = outputDrainDelay
	return unit, nil
}

// processUnit is one child process owned by a single Execute call.
type processUnit struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer

	// done closes once the process has been reaped and the output buffers
	// are no longer written to.
	done chan struct{}
	wait chan WaitStatus
}

func (u *processUnit) Start(context.Context) error {
	if err := u.cmd.Start(); err != nil {
		close(u.done)
		return fmt.Errorf("spawn process: %w", err)
	}

	go func() {
		defer close(u.done)
		err := u.cmd.Wait()
		if err == nil {
			u.wait <- WaitStatus{ExitCode: 0}
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			u.wait <- WaitStatus{ExitCode: exitErr.ExitCode()}
			return
		}
		u.wait <- WaitStatus{Err: err}
	}()

	return nil
}

func (u *processUnit) Wait(context.Context) <-chan WaitStatus {
	return u.wait
}

// Kill terminates the entire process group, so nothing the snippet
// spawned can outlive the deadline or keep the output pipes open.
func (u *processUnit) Kill(context.Context) error {
	return u.killGroup()
}

func (u *processUnit) killGroup() error {
	if u.cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-u.cmd.Process.Pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// Group kill failed for another reason; at least take the child down.
	return u.cmd.Process.Kill()
}

// Output drains whatever the process wrote before it exited or was killed.
// It waits for the reaper so the buffers are quiescent when read.
func (u *processUnit) Output(ctx context.Context) (string, string, error) {
	select {
	case <-u.done:
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
	return u.stdout.String(), u.stderr.String(), nil
}

// Remove makes sure nothing is left running. The reaper goroutine handles
// the actual cleanup of a started process.
func (u *processUnit) Remove(context.Context) error {
	select {
	case <-u.done:
		return nil
	default:
	}
	_ = u.killGroup()
	return nil
}

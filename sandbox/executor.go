package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// Mode identifies which execution path an Executor resolved to.
type Mode string

// Execution modes.
const (
	ModeIsolated Mode = "isolated"
	ModeFallback Mode = "fallback"
)

// cleanupTimeout bounds the unconditional unit teardown so a wedged
// backend cannot block Execute from returning.
const cleanupTimeout = 10 * time.Second

// Config holds the execution limits applied to every request.
type Config struct {
	TimeoutSec  int
	MemoryMB    int
	CPUs        float64
	MaxOutputKB int
}

// Executor runs untrusted code snippets and always returns a well-formed
// result. Its mode and engine are fixed at construction, so the instance
// holds no per-call mutable state and concurrent Execute calls are safe.
type Executor struct {
	mode     Mode
	engine   Engine
	config   *Config
	runtimes map[Runtime]RuntimeSpec
	logger   *zap.Logger
}

// New builds an Executor on an already-selected engine. Most callers want
// NewExecutor, which probes the isolation backend and picks the engine;
// New exists so tests can hold executors in different modes side by side.
func New(logger *zap.Logger, config *Config, mode Mode, engine Engine) *Executor {
	cfg := *config
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = DefaultTimeoutSec
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = DefaultMemoryMB
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = DefaultCPUs
	}
	if cfg.MaxOutputKB <= 0 {
		cfg.MaxOutputKB = DefaultMaxOutputKB
	}

	return &Executor{
		mode:     mode,
		engine:   engine,
		config:   &cfg,
		runtimes: DefaultRuntimeSpecs(),
		logger:   logger,
	}
}

// Mode reports the execution mode resolved at construction time.
func (e *Executor) Mode() Mode {
	return e.mode
}

// Close releases resources held by the engine, such as the isolated
// engine's daemon connection. The executor must not be used afterwards.
func (e *Executor) Close() error {
	if closer, ok := e.engine.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// SetRuntimeSpec overrides the image and interpreter argv for a runtime.
func (e *Executor) SetRuntimeSpec(rt Runtime, spec RuntimeSpec) {
	e.runtimes[rt] = spec
}

// Execute runs the request to completion, timeout, or failure and returns
// a uniform result. The error return is reserved for caller errors (empty
// code, unsupported runtime, negative timeout); in that case nothing was
// dispatched and no unit was created. Every backend or internal failure is
// folded into a failure result instead of escaping this boundary.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	spec, timeoutSec, err := e.unitSpec(req)
	if err != nil {
		return ExecutionResult{}, err
	}

	if e.mode == ModeFallback {
		e.logger.Warn("executing code without isolation",
			zap.String("runtime", string(req.Runtime)),
			zap.String("engine", e.engine.Name()))
	}

	start := time.Now()
	result := e.run(ctx, spec, timeoutSec)
	result.DurationMs = float64(time.Since(start)) / float64(time.Millisecond)
	result.Metadata = map[string]any{"engine": e.engine.Name()}

	return result, nil
}

// unitSpec validates the request and resolves it into a concrete unit
// spec. Contract violations are rejected here, before any resource is
// allocated.
func (e *Executor) unitSpec(req ExecutionRequest) (UnitSpec, int, error) {
	if strings.TrimSpace(req.Code) == "" {
		return UnitSpec{}, 0, errors.New("code must not be empty")
	}

	rtSpec, ok := e.runtimes[req.Runtime]
	if !ok {
		return UnitSpec{}, 0, fmt.Errorf("unsupported runtime: %q, must be one of: %s, %s",
			req.Runtime, RuntimePython, RuntimeNodeJS)
	}

	timeoutSec := req.TimeoutSec
	if timeoutSec == 0 {
		timeoutSec = e.config.TimeoutSec
	}
	if timeoutSec < 0 {
		return UnitSpec{}, 0, fmt.Errorf("timeout must be positive, got: %d", req.TimeoutSec)
	}

	return UnitSpec{
		Name:        "runbox-" + xid.New().String(),
		Runtime:     req.Runtime,
		Image:       rtSpec.Image,
		Command:     rtSpec.Command,
		Code:        req.Code,
		MemoryBytes: int64(e.config.MemoryMB) * 1024 * 1024,
		NanoCPUs:    int64(e.config.CPUs * 1e9),
	}, timeoutSec, nil
}

// run drives a single execution through its lifecycle: create the unit,
// start it, race completion against the wall-clock deadline, and tear the
// unit down unconditionally before returning.
func (e *Executor) run(ctx context.Context, spec UnitSpec, timeoutSec int) ExecutionResult {
	unit, err := e.engine.Create(ctx, spec)
	if err != nil {
		return e.failure(fmt.Errorf("create isolation unit: %w", err))
	}

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if rmErr := unit.Remove(removeCtx); rmErr != nil {
			e.logger.Error("failed to remove isolation unit",
				zap.String("unit", spec.Name), zap.Error(rmErr))
		}
	}()

	if err := unit.Start(ctx); err != nil {
		return e.failure(fmt.Errorf("start isolation unit: %w", err))
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	select {
	case status := <-unit.Wait(deadlineCtx):
		if status.Err != nil {
			return e.failure(fmt.Errorf("wait for isolation unit: %w", status.Err))
		}
		stdout, stderr, outErr := unit.Output(ctx)
		if outErr != nil {
			e.logger.Warn("failed to capture unit output",
				zap.String("unit", spec.Name), zap.Error(outErr))
		}
		return ExecutionResult{
			Success:  status.ExitCode == 0,
			ExitCode: status.ExitCode,
			Stdout:   e.capOutput(stdout),
			Stderr:   e.capOutput(stderr),
		}

	case <-deadlineCtx.Done():
		if killErr := unit.Kill(context.WithoutCancel(ctx)); killErr != nil {
			e.logger.Warn("failed to kill isolation unit after deadline",
				zap.String("unit", spec.Name), zap.Error(killErr))
		}
		if !errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) || ctx.Err() != nil {
			// The caller's context was cancelled, not our deadline.
			return e.failure(fmt.Errorf("execution cancelled: %w", context.Cause(ctx)))
		}

		outputCtx, outputCancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer outputCancel()
		stdout, stderr, outErr := unit.Output(outputCtx)
		if outErr != nil {
			e.logger.Warn("failed to capture partial output after timeout",
				zap.String("unit", spec.Name), zap.Error(outErr))
		}
		return ExecutionResult{
			Success:  false,
			ExitCode: KilledExitCode,
			Stdout:   e.capOutput(stdout),
			Stderr:   appendTimeoutNotice(e.capOutput(stderr), timeoutSec),
			TimedOut: true,
		}
	}
}

// failure converts an internal error into the uniform failure result.
func (e *Executor) failure(err error) ExecutionResult {
	e.logger.Error("execution failed", zap.Error(err))
	return ExecutionResult{
		Success:  false,
		ExitCode: 1,
		Stderr:   err.Error(),
	}
}

func (e *Executor) capOutput(s string) string {
	return truncateOutput(s, e.config.MaxOutputKB*1024)
}

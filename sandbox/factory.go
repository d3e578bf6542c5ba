package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
)

// provisionTimeout bounds the construction-time image pulls so a wedged
// registry cannot block executor startup indefinitely.
const provisionTimeout = 2 * time.Minute

// NewExecutor resolves the execution mode once, from configuration, and
// returns a ready executor. When isolation is requested but the container
// daemon is unreachable, the executor degrades to fallback mode with a
// visible warning instead of failing construction.
func NewExecutor(logger *zap.Logger, cfg *config.Config) (*Executor, error) {
	execConfig := &Config{
		TimeoutSec:  cfg.Sandbox.TimeoutSec,
		MemoryMB:    cfg.Sandbox.MemoryMB,
		CPUs:        cfg.Sandbox.CPUs,
		MaxOutputKB: cfg.Sandbox.MaxOutputKB,
	}

	var executor *Executor
	switch Mode(cfg.Sandbox.Mode) {
	case ModeIsolated:
		engine, err := NewDockerEngine(logger)
		if err != nil {
			logger.Warn("isolation backend unavailable, degrading to unisolated subprocess execution",
				zap.Error(err))
			executor = New(logger, execConfig, ModeFallback, NewProcessEngine(logger))
		} else {
			executor = New(logger, execConfig, ModeIsolated, engine)
		}
	case ModeFallback:
		logger.Warn("fallback mode requested, code will execute without isolation")
		executor = New(logger, execConfig, ModeFallback, NewProcessEngine(logger))
	default:
		return nil, fmt.Errorf("unsupported sandbox.mode: %s", cfg.Sandbox.Mode)
	}

	applyRuntimeConfig(executor, cfg)

	if executor.Mode() == ModeIsolated {
		executor.provisionImages(context.Background())
	}

	return executor, nil
}

// applyRuntimeConfig overlays configured images and interpreter commands
// on the built-in runtime table.
func applyRuntimeConfig(executor *Executor, cfg *config.Config) {
	overlay := func(rt Runtime, rc config.RuntimeSpec) {
		spec := executor.runtimes[rt]
		if rc.Image != "" {
			spec.Image = rc.Image
		}
		if len(rc.Command) > 0 {
			spec.Command = rc.Command
		}
		executor.SetRuntimeSpec(rt, spec)
	}

	overlay(RuntimePython, cfg.Runtimes.Python)
	overlay(RuntimeNodeJS, cfg.Runtimes.NodeJS)
}

// provisionImages pulls any missing base image up front, under a bounded
// deadline. Failures are non-fatal here; the affected runtime surfaces
// the problem as an execution failure result when it is actually
// requested.
func (e *Executor) provisionImages(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, provisionTimeout)
	defer cancel()

	for rt, spec := range e.runtimes {
		if err := e.engine.EnsureImage(ctx, spec.Image); err != nil {
			e.logger.Warn("failed to provision runtime image",
				zap.String("runtime", string(rt)),
				zap.String("image", spec.Image),
				zap.Error(err))
		}
	}
}

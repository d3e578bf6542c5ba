package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeUnit implements Unit for testing and records lifecycle calls.
type fakeUnit struct {
	exitCode  int
	stdout    string
	stderr    string
	runFor    time.Duration
	startErr  error
	waitErr   error
	outputErr error
	killErr   error

	mu      sync.Mutex
	started bool
	killed  bool
	removed bool
}

func (u *fakeUnit) Start(context.Context) error {
	u.mu.Lock()
	u.started = true
	u.mu.Unlock()
	return u.startErr
}

func (u *fakeUnit) Wait(ctx context.Context) <-chan WaitStatus {
	ch := make(chan WaitStatus, 1)
	go func() {
		if u.runFor > 0 {
			select {
			case <-time.After(u.runFor):
			case <-ctx.Done():
				return
			}
		}
		if u.waitErr != nil {
			ch <- WaitStatus{Err: u.waitErr}
			return
		}
		ch <- WaitStatus{ExitCode: u.exitCode}
	}()
	return ch
}

func (u *fakeUnit) Kill(context.Context) error {
	u.mu.Lock()
	u.killed = true
	u.mu.Unlock()
	return u.killErr
}

func (u *fakeUnit) Output(context.Context) (string, string, error) {
	return u.stdout, u.stderr, u.outputErr
}

func (u *fakeUnit) Remove(context.Context) error {
	u.mu.Lock()
	u.removed = true
	u.mu.Unlock()
	return nil
}

func (u *fakeUnit) wasRemoved() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.removed
}

func (u *fakeUnit) wasKilled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.killed
}

// fakeEngine implements Engine, handing out a fresh copy of the unit
// template per Create call.
type fakeEngine struct {
	name      string
	createErr error
	template  fakeUnit

	mu      sync.Mutex
	created []*fakeUnit
}

func (e *fakeEngine) Name() string {
	if e.name == "" {
		return EngineDocker
	}
	return e.name
}

func (e *fakeEngine) EnsureImage(context.Context, string) error {
	return nil
}

func (e *fakeEngine) Create(_ context.Context, _ UnitSpec) (Unit, error) {
	if e.createErr != nil {
		return nil, e.createErr
	}
	unit := &fakeUnit{
		exitCode:  e.template.exitCode,
		stdout:    e.template.stdout,
		stderr:    e.template.stderr,
		runFor:    e.template.runFor,
		startErr:  e.template.startErr,
		waitErr:   e.template.waitErr,
		outputErr: e.template.outputErr,
		killErr:   e.template.killErr,
	}
	e.mu.Lock()
	e.created = append(e.created, unit)
	e.mu.Unlock()
	return unit, nil
}

func (e *fakeEngine) createdUnits() []*fakeUnit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeUnit(nil), e.created...)
}

func newTestExecutor(t *testing.T, engine *fakeEngine, mode Mode, cfg *Config) *Executor {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	return New(zaptest.NewLogger(t), cfg, mode, engine)
}

func TestExecuteSuccess(t *testing.T) {
	engine := &fakeEngine{template: fakeUnit{exitCode: 0, stdout: "4\n"}}
	executor := newTestExecutor(t, engine, ModeIsolated, nil)

	result, err := executor.Execute(context.Background(), ExecutionRequest{
		Code:       "print(2+2)",
		Runtime:    RuntimePython,
		TimeoutSec: 10,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "4")
	assert.False(t, result.TimedOut)
	assert.Equal(t, EngineDocker, result.Metadata["engine"])
	assert.GreaterOrEqual(t, result.DurationMs, 0.0)

	units := engine.createdUnits()
	require.Len(t, units, 1)
	assert.True(t, units[0].wasRemoved())
}

func TestExecuteExitCodeFidelity(t *testing.T) {
	engine := &fakeEngine{template: fakeUnit{exitCode: 7, stderr: "boom"}}
	executor := newTestExecutor(t, engine, ModeIsolated, nil)

	result, err := executor.Execute(context.Background(), ExecutionRequest{
		Code:    "import sys; sys.exit(7)",
		Runtime: RuntimePython,
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 7, result.ExitCode)
	assert.False(t, result.TimedOut)
	assert.Contains(t, result.Stderr, "boom")
}

func TestExecuteTimeout(t *testing.T) {
	engine := &fakeEngine{template: fakeUnit{
		runFor: 10 * time.Second,
		stderr: "partial output",
	}}
	executor := newTestExecutor(t, engine, ModeIsolated, nil)

	start := time.Now()
	result, err := executor.Execute(context.Background(), ExecutionRequest{
		Code:       "while True: pass",
		Runtime:    RuntimePython,
		TimeoutSec: 1,
	})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.True(t, result.TimedOut)
	assert.False(t, result.Success)
	assert.Equal(t, KilledExitCode, result.ExitCode)
	assert.Contains(t, result.Stderr, "partial output")
	assert.Contains(t, result.Stderr, "timed out after 1s")
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 5*time.Second)

	units := engine.createdUnits()
	require.Len(t, units, 1)
	assert.True(t, units[0].wasKilled())
	assert.True(t, units[0].wasRemoved())
}

func TestExecuteCallerErrors(t *testing.T) {
	tests := []struct {
		name string
		req  ExecutionRequest
	}{
		{"EmptyCode", ExecutionRequest{Code: "", Runtime: RuntimePython}},
		{"WhitespaceCode", ExecutionRequest{Code: "   \n\t", Runtime: RuntimePython}},
		{"UnsupportedRuntime", ExecutionRequest{Code: "puts 1", Runtime: Runtime("ruby")}},
		{"NegativeTimeout", ExecutionRequest{Code: "print(1)", Runtime: RuntimePython, TimeoutSec: -5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{}
			executor := newTestExecutor(t, engine, ModeIsolated, nil)

			_, err := executor.Execute(context.Background(), tt.req)
			require.Error(t, err)
			// Rejected before any resource allocation.
			assert.Empty(t, engine.createdUnits())
		})
	}
}

func TestExecuteCreateFailure(t *testing.T) {
	engine := &fakeEngine{createErr: errors.New("image not found locally")}
	executor := newTestExecutor(t, engine, ModeIsolated, nil)

	result, err := executor.Execute(context.Background(), ExecutionRequest{
		Code:    "print(1)",
		Runtime: RuntimePython,
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.ExitCode)
	assert.False(t, result.TimedOut)
	assert.Contains(t, result.Stderr, "image not found locally")
}

func TestExecuteStartFailure(t *testing.T) {
	engine := &fakeEngine{template: fakeUnit{startErr: errors.New("daemon went away")}}
	executor := newTestExecutor(t, engine, ModeIsolated, nil)

	result, err := executor.Execute(context.Background(), ExecutionRequest{
		Code:    "print(1)",
		Runtime: RuntimePython,
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.ExitCode)
	assert.Contains(t, result.Stderr, "daemon went away")

	units := engine.createdUnits()
	require.Len(t, units, 1)
	assert.True(t, units[0].wasRemoved(), "unit must be removed even when start fails")
}

func TestExecuteWaitFailure(t *testing.T) {
	engine := &fakeEngine{template: fakeUnit{waitErr: errors.New("connection reset")}}
	executor := newTestExecutor(t, engine, ModeIsolated, nil)

	result, err := executor.Execute(context.Background(), ExecutionRequest{
		Code:    "print(1)",
		Runtime: RuntimePython,
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.ExitCode)
	assert.Contains(t, result.Stderr, "connection reset")

	units := engine.createdUnits()
	require.Len(t, units, 1)
	assert.True(t, units[0].wasRemoved())
}

func TestExecuteOutputTruncation(t *testing.T) {
	engine := &fakeEngine{template: fakeUnit{stdout: strings.Repeat("x", 3000)}}
	executor := newTestExecutor(t, engine, ModeIsolated, &Config{MaxOutputKB: 1})

	result, err := executor.Execute(context.Background(), ExecutionRequest{
		Code:    "print('x'*3000)",
		Runtime: RuntimePython,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Less(t, len(result.Stdout), 3000)
	assert.Contains(t, result.Stdout, "[output truncated]")
}

func TestExecuteDefaultTimeoutApplied(t *testing.T) {
	engine := &fakeEngine{template: fakeUnit{exitCode: 0}}
	executor := newTestExecutor(t, engine, ModeIsolated, &Config{TimeoutSec: 3})

	result, err := executor.Execute(context.Background(), ExecutionRequest{
		Code:    "print(1)",
		Runtime: RuntimePython,
		// TimeoutSec omitted: the configured default applies.
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestExecuteFallbackMetadata(t *testing.T) {
	engine := &fakeEngine{name: EngineSubprocess, template: fakeUnit{exitCode: 0}}
	executor := newTestExecutor(t, engine, ModeFallback, nil)

	assert.Equal(t, ModeFallback, executor.Mode())

	result, err := executor.Execute(context.Background(), ExecutionRequest{
		Code:    "print(1)",
		Runtime: RuntimePython,
	})
	require.NoError(t, err)
	assert.Equal(t, EngineSubprocess, result.Metadata["engine"])
}

func TestExecuteCallerCancellation(t *testing.T) {
	engine := &fakeEngine{template: fakeUnit{runFor: 10 * time.Second}}
	executor := newTestExecutor(t, engine, ModeIsolated, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result, err := executor.Execute(ctx, ExecutionRequest{
		Code:       "while True: pass",
		Runtime:    RuntimePython,
		TimeoutSec: 30,
	})
	require.NoError(t, err)

	// Cancellation by the caller is a failure, not a timeout.
	assert.False(t, result.Success)
	assert.False(t, result.TimedOut)

	units := engine.createdUnits()
	require.Len(t, units, 1)
	assert.True(t, units[0].wasRemoved())
}

// closableEngine is a fakeEngine that also tracks Close, like the docker
// engine's daemon connection.
type closableEngine struct {
	fakeEngine
	closed bool
}

func (e *closableEngine) Close() error {
	e.closed = true
	return nil
}

func TestExecutorClose(t *testing.T) {
	t.Run("ClosesEngine", func(t *testing.T) {
		engine := &closableEngine{}
		executor := New(zaptest.NewLogger(t), &Config{}, ModeIsolated, engine)

		require.NoError(t, executor.Close())
		assert.True(t, engine.closed)
	})

	t.Run("EngineWithoutCloser", func(t *testing.T) {
		executor := New(zaptest.NewLogger(t), &Config{}, ModeFallback, &fakeEngine{})
		require.NoError(t, executor.Close())
	})
}

func TestExecuteConcurrentCalls(t *testing.T) {
	engine := &fakeEngine{template: fakeUnit{exitCode: 0, stdout: "ok"}}
	executor := newTestExecutor(t, engine, ModeIsolated, nil)

	const calls = 8
	var wg sync.WaitGroup
	results := make([]ExecutionResult, calls)
	errs := make([]error, calls)

	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = executor.Execute(context.Background(), ExecutionRequest{
				Code:    "print('ok')",
				Runtime: RuntimePython,
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < calls; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Success)
	}

	units := engine.createdUnits()
	require.Len(t, units, calls, "each call owns its own unit")
	for _, unit := range units {
		assert.True(t, unit.wasRemoved())
	}
}

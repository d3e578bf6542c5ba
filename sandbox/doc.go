// Package sandbox provides bounded execution of untrusted code snippets.
//
// The sandbox package implements the execution engine for running
// agent-generated code under a hard wall-clock deadline with enforced
// resource limits. Execution is delegated to an Engine: the Docker engine
// runs each snippet in an ephemeral container with memory/CPU ceilings and
// no network access, while the process engine spawns the interpreter
// directly and is used only as a degraded fallback when no container
// daemon is reachable.
//
// The execution mode is resolved once, when the Executor is constructed,
// and every result carries an "engine" metadata tag identifying which path
// produced it.
//
// Usage:
//
//	executor, err := sandbox.NewExecutor(logger, cfg)
//	result, err := executor.Execute(ctx, sandbox.ExecutionRequest{
//	    Runtime:    sandbox.RuntimePython,
//	    Code:       "print('Hello, World!')",
//	    TimeoutSec: 10,
//	})
package sandbox

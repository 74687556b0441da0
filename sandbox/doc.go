// Package sandbox provides the managed executor for console snippets.
//
// The sandbox package runs classified snippets inside a fresh,
// capability-limited Lua state per call. Only the base, table, string,
// math and coroutine libraries are opened; loaders and the io, os and debug
// libraries are never reachable. Host functions are injected explicitly as
// Capability values.
//
// Each execution runs on a worker goroutine under a hard wall-clock budget.
// The Lua state carries the deadline, so the VM aborts at the next
// instruction, and the caller returns a *TimeoutError at the deadline
// whatever the worker is doing. Syntax and runtime failures are normalized
// into the Result.
//
// Usage:
//
//	executor := sandbox.NewExecutor(logger, &sandbox.Config{
//	    DefaultTimeout: 5 * time.Second,
//	    MaxResults:     100,
//	})
//	result, err := executor.Execute(ctx, "1 + 1", sandbox.Options{CaptureOutput: true}, nil)
package sandbox

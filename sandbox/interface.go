package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// ErrorKind classifies a failed execution.
type ErrorKind string

// Error kinds reported in Result.Error
const (
	KindSyntax    ErrorKind = "SyntaxError"
	KindExecution ErrorKind = "ExecutionError"
	KindTimeout   ErrorKind = "TimeoutError"
)

// Options are the resolved per-call execution options.
type Options struct {
	Timeout       time.Duration
	SafeMode      bool
	CaptureOutput bool
}

type optionsKey struct{}

// ContextWithOptions returns a copy of ctx carrying the options of the
// execution it belongs to.
func ContextWithOptions(ctx context.Context, opts Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

// OptionsFromContext returns the options stored by ContextWithOptions. The
// zero Options is returned outside an execution.
func OptionsFromContext(ctx context.Context) Options {
	opts, _ := ctx.Value(optionsKey{}).(Options)
	return opts
}

// ErrorInfo describes a failure that was normalized into the result.
type ErrorInfo struct {
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind"`
}

// Result is the outcome of one execution. A Result is never shared between calls.
type Result struct {
	ID            string        `json:"id"`
	Success       bool          `json:"success"`
	ReturnValue   *string       `json:"return_value,omitempty"`
	Output        *string       `json:"output,omitempty"`
	Error         *ErrorInfo    `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"-"`
	Truncated     bool          `json:"truncated"`
}

// MarshalJSON renders ExecutionTime as milliseconds.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		ExecutionTimeMS float64 `json:"execution_time_ms"`
	}{
		plain:           plain(r),
		ExecutionTimeMS: float64(r.ExecutionTime.Microseconds()) / 1000,
	})
}

// TimeoutError is returned when an execution exceeds its budget. The
// in-flight evaluation has been abandoned.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution exceeded timeout of %s", e.Budget)
}

// Capability installs host functions or values into a fresh Lua state.
type Capability interface {
	Install(L *lua.LState) error
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(L *lua.LState) error

// Install calls f.
func (f CapabilityFunc) Install(L *lua.LState) error {
	return f(L)
}

// ErrScopeSkipped is returned when a Scope returns without error but never
// ran the evaluation.
var ErrScopeSkipped = errors.New("execution scope returned without running the evaluation")

// Scope wraps an evaluation with whatever resource lease it needs. Run must
// invoke fn exactly once, or return an error, and release the lease on every
// exit path of fn, even when the caller of Execute has already given up
// waiting. The ctx given to Run carries the call's Options.
type Scope interface {
	Run(ctx context.Context, fn func(ctx context.Context, caps []Capability) error) error
}

// ScopeFunc adapts a function to Scope.
type ScopeFunc func(ctx context.Context, fn func(ctx context.Context, caps []Capability) error) error

// Run calls f.
func (f ScopeFunc) Run(ctx context.Context, fn func(ctx context.Context, caps []Capability) error) error {
	return f(ctx, fn)
}

// Unscoped runs the evaluation without leasing anything, installing caps.
func Unscoped(caps ...Capability) Scope {
	return ScopeFunc(func(ctx context.Context, fn func(ctx context.Context, caps []Capability) error) error {
		return fn(ctx, caps)
	})
}

// Sequence is implemented by userdata values that materialize lazily into a
// list, such as model relations.
type Sequence interface {
	Materialize(ctx context.Context, L *lua.LState, limit int) (*lua.LTable, error)
}

// Call invokes a bound function directly, without compiling caller text.
type Call struct {
	Global string
	Method string
	Args   []any
	Limit  int
}

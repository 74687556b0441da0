package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/isdmx/consolebox/sandbox/capture"
)

// Config holds executor limits
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxResults     int
	MaxOutputBytes int
}

const minTimeout = time.Millisecond

// Executor runs snippets in fresh Lua states under a hard timeout.
type Executor struct {
	logger       *zap.Logger
	config       *Config
	redirector   *capture.Redirector
	passthrough  io.Writer
	capabilities []Capability
}

// ExecutorOption defines a functional option for Executor
type ExecutorOption func(*Executor)

// WithRedirector sets the process stream redirector used while capturing
func WithRedirector(r *capture.Redirector) ExecutorOption {
	return func(e *Executor) {
		e.redirector = r
	}
}

// WithPassthrough sets where print writes when output is not captured
func WithPassthrough(w io.Writer) ExecutorOption {
	return func(e *Executor) {
		e.passthrough = w
	}
}

// WithCapabilities adds capabilities installed into every state
func WithCapabilities(caps ...Capability) ExecutorOption {
	return func(e *Executor) {
		e.capabilities = append(e.capabilities, caps...)
	}
}

// NewExecutor creates an Executor with default implementations and optional overrides
func NewExecutor(logger *zap.Logger, config *Config, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	executor := &Executor{
		logger:      logger,
		config:      config,
		redirector:  capture.Process(),
		passthrough: os.Stdout,
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// Budget resolves the effective timeout for a requested one.
func (e *Executor) Budget(requested time.Duration) time.Duration {
	budget := requested
	if budget <= 0 {
		budget = e.config.DefaultTimeout
	}
	if e.config.MaxTimeout > 0 && budget > e.config.MaxTimeout {
		budget = e.config.MaxTimeout
	}
	if budget < minTimeout {
		budget = minTimeout
	}
	return budget
}

// Execute evaluates snippet. Syntax and runtime failures are reported in
// the Result; exceeding the budget returns *TimeoutError.
func (e *Executor) Execute(ctx context.Context, snippet string, opts Options, scope Scope) (*Result, error) {
	return e.run(ctx, opts, scope, 0, func(L *lua.LState) ([]lua.LValue, error) {
		fn, err := compile(L, snippet)
		if err != nil {
			return nil, err
		}
		return invoke(L, fn)
	})
}

// Call invokes call.Global[call.Method](args...) in a fresh state.
func (e *Executor) Call(ctx context.Context, call Call, opts Options, scope Scope) (*Result, error) {
	return e.run(ctx, opts, scope, call.Limit, func(L *lua.LState) ([]lua.LValue, error) {
		target := L.GetGlobal(call.Global)
		if target == lua.LNil {
			return nil, fmt.Errorf("%s is not defined", call.Global)
		}
		// tables and userdata both resolve through __index
		fn, ok := L.GetField(target, call.Method).(*lua.LFunction)
		if !ok {
			return nil, fmt.Errorf("%s.%s is not a function", call.Global, call.Method)
		}
		args := make([]lua.LValue, len(call.Args))
		for i, a := range call.Args {
			args[i] = ToLua(L, a)
		}
		return invoke(L, fn, args...)
	})
}

type evalFunc func(L *lua.LState) ([]lua.LValue, error)

type outcome struct {
	result *Result
	err    error
}

func (e *Executor) run(ctx context.Context, opts Options, scope Scope, limit int, eval evalFunc) (*Result, error) {
	if scope == nil {
		scope = Unscoped()
	}

	budget := e.Budget(opts.Timeout)
	start := time.Now()
	id := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan outcome, 1)
	go e.work(ctx, id, opts, scope, limit, eval, done)

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				return nil, e.interrupted(ctx, id, budget)
			}
			return nil, out.err
		}
		out.result.ExecutionTime = time.Since(start)
		e.logger.Debug("execution finished",
			zap.String("id", id),
			zap.Bool("success", out.result.Success),
			zap.Duration("elapsed", out.result.ExecutionTime))
		return out.result, nil
	case <-ctx.Done():
		return nil, e.interrupted(ctx, id, budget)
	}
}

func (e *Executor) interrupted(ctx context.Context, id string, budget time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.logger.Warn("execution timed out, abandoning evaluation",
			zap.String("id", id),
			zap.Duration("budget", budget))
		return &TimeoutError{Budget: budget}
	}
	return ctx.Err()
}

// work runs on its own goroutine. The scope's release happens here, so it
// completes even after run has returned on timeout.
func (e *Executor) work(ctx context.Context, id string, opts Options, scope Scope, limit int, eval evalFunc, done chan<- outcome) {
	var out outcome
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("evaluation panicked", zap.String("id", id), zap.Any("panic", rec))
			out = outcome{result: failed(id, &ErrorInfo{Message: fmt.Sprint(rec), Kind: KindExecution}, nil)}
		}
		done <- out
	}()

	err := scope.Run(ContextWithOptions(ctx, opts), func(ctx context.Context, caps []Capability) error {
		result, err := e.evaluate(ctx, id, opts, caps, limit, eval)
		out = outcome{result: result, err: err}
		return err
	})
	switch {
	case err != nil && out.err == nil:
		out = outcome{err: fmt.Errorf("execution scope: %w", err)}
	case out.result == nil && out.err == nil:
		out = outcome{err: ErrScopeSkipped}
	}
}

func (e *Executor) evaluate(ctx context.Context, id string, opts Options, caps []Capability, limit int, eval evalFunc) (*Result, error) {
	L, err := newState(ctx)
	if err != nil {
		return nil, err
	}
	defer L.Close()

	var sink io.Writer = e.passthrough
	var buf *capture.Buffer
	if opts.CaptureOutput {
		buf = capture.NewBuffer(e.config.MaxOutputBytes)
		sink = buf
	}

	installs := append([]Capability{helpers(sink)}, e.capabilities...)
	installs = append(installs, caps...)
	for _, c := range installs {
		if err := c.Install(L); err != nil {
			return nil, fmt.Errorf("installing capability: %w", err)
		}
	}

	var result *Result
	body := func() error {
		values, err := eval(L)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			result = failed(id, classify(err), nil)
			return nil
		}
		result = e.present(ctx, L, id, values, limit)
		return nil
	}

	if opts.CaptureOutput {
		err = e.redirector.Capture(buf, body)
	} else {
		err = body()
	}
	if err != nil {
		return nil, err
	}

	if buf != nil {
		output := buf.String()
		result.Output = &output
	}
	return result, nil
}

// present converts the returned values into the result, truncating
// sequences to the configured maximum.
func (e *Executor) present(ctx context.Context, L *lua.LState, id string, values []lua.LValue, limit int) *Result {
	result := &Result{ID: id, Success: true}

	maxResults := e.config.MaxResults
	if limit > 0 && (maxResults <= 0 || limit < maxResults) {
		maxResults = limit
	}

	if len(values) == 1 {
		v := values[0]
		if ud, ok := v.(*lua.LUserData); ok {
			if seq, ok := ud.Value.(Sequence); ok {
				fetch := 0
				if maxResults > 0 {
					fetch = maxResults + 1
				}
				tbl, err := seq.Materialize(ctx, L, fetch)
				if err != nil {
					return failed(id, classify(err), nil)
				}
				v = tbl
			}
		}
		if tbl, ok := v.(*lua.LTable); ok && maxResults > 0 && isSequence(tbl) && tbl.Len() > maxResults {
			v = truncate(L, tbl, maxResults)
			result.Truncated = true
		}
		values[0] = v
	}

	repr := "nil"
	if len(values) > 0 {
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = Inspect(v)
		}
		repr = joinValues(parts)
	}
	result.ReturnValue = &repr
	return result
}

func joinValues(parts []string) string {
	if len(parts) == 1 {
		return parts[0]
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

func failed(id string, info *ErrorInfo, output *string) *Result {
	return &Result{ID: id, Success: false, Error: info, Output: output}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/isdmx/consolebox/audit"
	"github.com/isdmx/consolebox/catalog"
	"github.com/isdmx/consolebox/safety"
	"github.com/isdmx/consolebox/sandbox"
)

const tracerName = "github.com/isdmx/consolebox/engine"

// Operation names used in audit entries and metrics
const (
	OpRun       = "run"
	OpSafeQuery = "safe_query"
)

// Settings is the resolved, read-only configuration of the engine.
type Settings struct {
	Rules                *safety.RuleSet
	CustomRules          safety.Rules
	SafeModeDefault      bool
	CaptureOutputDefault bool
	TimeoutDefault       time.Duration
	MaxTimeout           time.Duration
	MaxResults           int
	AllowedQueryMethods  []string
	AllowedModels        []string
}

// RunOptions are the caller-supplied options of Run. Nil fields take the
// configured defaults.
type RunOptions struct {
	Timeout       time.Duration
	SafeMode      *bool
	CaptureOutput *bool
	// Override admits a snippet the classifier marked unsafe, as long as it
	// has no critical violation. It is recorded in the audit log.
	Override bool
	Actor    string
}

// SafeQuery is a constrained call of one model accessor.
type SafeQuery struct {
	Entity   string
	Accessor string
	Args     []any
	Limit    int
	Actor    string
}

// Executor runs admitted snippets.
type Executor interface {
	Execute(ctx context.Context, snippet string, opts sandbox.Options, scope sandbox.Scope) (*sandbox.Result, error)
	Call(ctx context.Context, call sandbox.Call, opts sandbox.Options, scope sandbox.Scope) (*sandbox.Result, error)
}

// Recorder receives one audit entry per call. Record must not block.
type Recorder interface {
	Record(e audit.Entry)
}

// Models resolves registered model names.
type Models interface {
	Lookup(name string) (catalog.Model, bool)
}

// Service is the execution orchestrator: classify, reject or admit, execute
// inside a resource scope, record and return.
type Service struct {
	logger   *zap.Logger
	settings Settings
	executor Executor
	scope    sandbox.Scope
	recorder Recorder
	models   Models
	metrics  *Metrics
	tracer   trace.Tracer

	allowedMethods map[string]struct{}
	allowedModels  map[string]struct{}
}

// Option defines a functional option for Service
type Option func(*Service)

// WithScope sets the resource scope wrapped around every execution.
func WithScope(scope sandbox.Scope) Option {
	return func(s *Service) {
		s.scope = scope
	}
}

// WithRecorder sets the audit recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithModels sets the registry checked by RunSafeQuery.
func WithModels(m Models) Option {
	return func(s *Service) {
		s.models = m
	}
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTracerProvider sets the tracer provider. The global provider is used
// by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		s.tracer = tp.Tracer(tracerName)
	}
}

// New creates a Service.
func New(logger *zap.Logger, settings Settings, executor Executor, opts ...Option) (*Service, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if settings.Rules == nil {
		return nil, errors.New("rule set is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		logger:         logger,
		settings:       settings,
		executor:       executor,
		scope:          sandbox.Unscoped(),
		tracer:         otel.Tracer(tracerName),
		allowedMethods: toSet(settings.AllowedQueryMethods),
		allowedModels:  toSet(settings.AllowedModels),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// Settings returns the resolved settings.
func (s *Service) Settings() Settings {
	return s.settings
}

func (s *Service) options(opts RunOptions) sandbox.Options {
	resolved := sandbox.Options{
		Timeout:       opts.Timeout,
		SafeMode:      s.settings.SafeModeDefault,
		CaptureOutput: s.settings.CaptureOutputDefault,
	}
	if resolved.Timeout <= 0 {
		resolved.Timeout = s.settings.TimeoutDefault
	}
	if s.settings.MaxTimeout > 0 && resolved.Timeout > s.settings.MaxTimeout {
		resolved.Timeout = s.settings.MaxTimeout
	}
	if opts.SafeMode != nil {
		resolved.SafeMode = *opts.SafeMode
	}
	if opts.CaptureOutput != nil {
		resolved.CaptureOutput = *opts.CaptureOutput
	}
	return resolved
}

// AnalyzeOnly classifies snippet under the default mode without executing it.
func (s *Service) AnalyzeOnly(snippet string) safety.Analysis {
	analysis := safety.Analyze(snippet, s.settings.Rules, s.settings.CustomRules, safety.Mode{SafeMode: s.settings.SafeModeDefault})
	s.metrics.classified(analysis.Safe, analysis.ReadOnly)
	return analysis
}

// Run classifies snippet and executes it when admitted. A rejection returns
// *SafetyError and a blown budget *TimeoutError; every other failure of the
// snippet is reported inside the Result. Calls are never retried.
func (s *Service) Run(ctx context.Context, snippet string, opts RunOptions) (*sandbox.Result, error) {
	start := time.Now()
	resolved := s.options(opts)

	ctx, span := s.tracer.Start(ctx, "engine.Run", trace.WithAttributes(
		attribute.Bool("consolebox.safe_mode", resolved.SafeMode),
		attribute.Bool("consolebox.override", opts.Override),
		attribute.Int64("consolebox.timeout_ms", resolved.Timeout.Milliseconds()),
	))
	defer span.End()

	// Received -> Classified
	analysis := safety.Analyze(snippet, s.settings.Rules, s.settings.CustomRules, safety.Mode{SafeMode: resolved.SafeMode})
	s.metrics.classified(analysis.Safe, analysis.ReadOnly)
	span.SetAttributes(
		attribute.Bool("consolebox.safe", analysis.Safe),
		attribute.Bool("consolebox.read_only", analysis.ReadOnly),
		attribute.Int("consolebox.violations", len(analysis.Violations)),
	)
	s.logger.Debug("snippet classified",
		zap.Bool("safe", analysis.Safe),
		zap.Bool("read_only", analysis.ReadOnly),
		zap.String("summary", analysis.Summary))

	meta := audit.Meta{Operation: OpRun, Actor: opts.Actor, Override: opts.Override}

	// Classified -> Rejected
	if !admit(analysis, opts.Override) {
		return nil, s.reject(span, snippet, analysis, meta, start)
	}
	if !analysis.Safe {
		s.logger.Warn("unsafe snippet admitted by override",
			zap.String("actor", opts.Actor),
			zap.String("summary", analysis.Summary))
		// the override also lifts the bindings' safe-mode guard
		resolved.SafeMode = false
	}

	// Admitted -> Executed
	result, err := s.executor.Execute(ctx, snippet, resolved, s.scope)
	return s.finish(span, snippet, analysis, meta, start, result, err)
}

// admit applies the gate. Critical violations are never overridable.
func admit(analysis safety.Analysis, override bool) bool {
	return analysis.Safe || (override && !analysis.HasCritical())
}

// RunSafeQuery calls one allowlisted accessor of one allowlisted model.
// The allowlists take the place of pattern classification.
func (s *Service) RunSafeQuery(ctx context.Context, q SafeQuery) (*sandbox.Result, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "engine.RunSafeQuery", trace.WithAttributes(
		attribute.String("consolebox.model", q.Entity),
		attribute.String("consolebox.method", q.Accessor),
	))
	defer span.End()

	snippet := formatQuery(q)
	analysis := s.classifyQuery(q)
	s.metrics.classified(analysis.Safe, analysis.ReadOnly)
	s.logger.Debug("safe query classified",
		zap.String("model", q.Entity),
		zap.String("method", q.Accessor),
		zap.Bool("safe", analysis.Safe))

	meta := audit.Meta{Operation: OpSafeQuery, Actor: q.Actor}
	if !analysis.Safe {
		return nil, s.reject(span, snippet, analysis, meta, start)
	}

	opts := sandbox.Options{
		Timeout:       s.settings.TimeoutDefault,
		SafeMode:      true,
		CaptureOutput: s.settings.CaptureOutputDefault,
	}
	limit := q.Limit
	if limit <= 0 || (s.settings.MaxResults > 0 && limit > s.settings.MaxResults) {
		limit = s.settings.MaxResults
	}
	call := sandbox.Call{Global: q.Entity, Method: q.Accessor, Args: q.Args, Limit: limit}
	result, err := s.executor.Call(ctx, call, opts, s.scope)
	return s.finish(span, snippet, analysis, meta, start, result, err)
}

func (s *Service) classifyQuery(q SafeQuery) safety.Analysis {
	var violations []safety.Violation
	if _, ok := s.allowedMethods[q.Accessor]; !ok {
		violations = append(violations, safety.Violation{
			Pattern:     q.Accessor,
			Description: MethodNotAllowed,
			Severity:    safety.SeverityCritical,
			Match:       q.Accessor,
		})
	}
	if !s.modelAllowed(q.Entity) {
		violations = append(violations, safety.Violation{
			Pattern:     q.Entity,
			Description: ModelNotAllowed,
			Severity:    safety.SeverityCritical,
			Match:       q.Entity,
		})
	}
	return safety.Analysis{
		Safe:       len(violations) == 0,
		ReadOnly:   len(violations) == 0,
		Violations: violations,
		Summary:    safety.Summarize(violations),
	}
}

// modelAllowed requires the model to be registered and, when an allowlist is
// configured, listed in it.
func (s *Service) modelAllowed(name string) bool {
	if len(s.allowedModels) > 0 {
		if _, ok := s.allowedModels[name]; !ok {
			return false
		}
	}
	if s.models == nil {
		return len(s.allowedModels) > 0
	}
	_, ok := s.models.Lookup(name)
	return ok
}

func formatQuery(q SafeQuery) string {
	args := make([]string, len(q.Args))
	for i, a := range q.Args {
		if str, ok := a.(string); ok {
			args[i] = fmt.Sprintf("%q", str)
			continue
		}
		args[i] = fmt.Sprint(a)
	}
	return fmt.Sprintf("%s.%s(%s)", q.Entity, q.Accessor, strings.Join(args, ", "))
}

// reject records and returns the SafetyError of a Rejected call.
func (s *Service) reject(span trace.Span, snippet string, analysis safety.Analysis, meta audit.Meta, start time.Time) error {
	err := &SafetyError{Analysis: analysis}
	span.SetStatus(codes.Error, "rejected")
	s.logger.Debug("snippet rejected", zap.Strings("reasons", analysis.Reasons()))

	meta.Rejected = true
	meta.Elapsed = time.Since(start)
	s.record(snippet, analysis, nil, err, meta)
	s.metrics.finished(meta.Operation, string(audit.StatusRejected), meta.Elapsed, false)
	return err
}

// finish handles Executed -> Recorded -> Returned.
func (s *Service) finish(span trace.Span, snippet string, analysis safety.Analysis, meta audit.Meta, start time.Time, result *sandbox.Result, err error) (*sandbox.Result, error) {
	meta.Elapsed = time.Since(start)
	entry := s.record(snippet, analysis, result, err, meta)
	s.metrics.finished(meta.Operation, string(entry.Outcome.Status), meta.Elapsed, true)

	span.SetAttributes(attribute.String("consolebox.status", string(entry.Outcome.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Debug("execution aborted", zap.String("status", string(entry.Outcome.Status)), zap.Error(err))
		return nil, err
	}

	s.logger.Debug("execution returned",
		zap.String("id", result.ID),
		zap.String("status", string(entry.Outcome.Status)),
		zap.Duration("elapsed", result.ExecutionTime))
	return result, nil
}

func (s *Service) record(snippet string, analysis safety.Analysis, result *sandbox.Result, err error, meta audit.Meta) (entry audit.Entry) {
	entry = audit.NewEntry(snippet, analysis, result, err, meta)
	if s.recorder == nil {
		return entry
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Warn("audit recorder panicked", zap.Any("panic", rec))
		}
	}()
	s.recorder.Record(entry)
	return entry
}

// Package pipeline runs a fixed, ordered list of role steps over a shared,
// append-only execution context. Each step gets one completion call per
// attempt, bounded by a timeout and retried a fixed number of times.
package pipeline

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/crew/pkg/core"
	"github.com/jllopis/crew/pkg/errors"
	"github.com/jllopis/crew/pkg/resilience"
	"github.com/jllopis/crew/pkg/telemetry"
)

// ExecConfig bounds how long and how often each step may try.
type ExecConfig struct {
	// StepTimeout bounds each completion attempt; zero means only the request
	// context bounds it.
	StepTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration
}

// Validate checks the execution limits.
func (c ExecConfig) Validate() error {
	if c.StepTimeout < 0 {
		return errors.New(errors.CodeInvalidInput, "step timeout must not be negative", nil)
	}
	if c.MaxRetries < 0 {
		return errors.New(errors.CodeInvalidInput, "max retries must not be negative", nil)
	}
	if c.RetryDelay < 0 {
		return errors.New(errors.CodeInvalidInput, "retry delay must not be negative", nil)
	}
	return nil
}

// StepResult summarizes one successful step.
type StepResult struct {
	Index    int           `json:"index"`
	Role     string        `json:"role"`
	Model    string        `json:"model"`
	Output   string        `json:"output"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of a successful run. Output is the last step's text.
type Result struct {
	RunID  string       `json:"run_id"`
	Output string       `json:"output"`
	Steps  []StepResult `json:"steps"`
}

// Pipeline is an immutable, ordered list of steps. It holds no per-request
// state and may execute concurrently for independent requests.
type Pipeline struct {
	steps   []Step
	logger  *slog.Logger
	emitter core.EventEmitter
	metrics *telemetry.PipelineMetrics
	audit   AuditStore
	tracer  trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for audit failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithEmitter sets the receiver of run and step events.
func WithEmitter(emitter core.EventEmitter) Option {
	return func(p *Pipeline) {
		if emitter != nil {
			p.emitter = emitter
		}
	}
}

// WithMetrics records run and attempt metrics.
func WithMetrics(metrics *telemetry.PipelineMetrics) Option {
	return func(p *Pipeline) { p.metrics = metrics }
}

// WithAuditStore records every completion attempt.
func WithAuditStore(store AuditStore) Option {
	return func(p *Pipeline) { p.audit = store }
}

// WithTracer overrides the tracer (defaults to the global provider).
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// New builds a pipeline over steps, which must be non-empty and built with NewStep.
func New(steps []Step, opts ...Option) (*Pipeline, error) {
	if len(steps) == 0 {
		return nil, errors.New(errors.CodeInvalidInput, "pipeline needs at least one step", nil)
	}
	for i, s := range steps {
		if s.tmpl == nil {
			return nil, errors.New(errors.CodeInvalidInput, "step was not built with NewStep", nil).
				WithContext("step", i)
		}
	}
	p := &Pipeline{
		steps:   append([]Step(nil), steps...),
		logger:  slog.Default(),
		emitter: core.NoopEventEmitter{},
		tracer:  otel.Tracer("crew/pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Steps returns a copy of the pipeline steps.
func (p *Pipeline) Steps() []Step {
	return append([]Step(nil), p.steps...)
}

// Execute runs every step in order for request. On success the result holds
// the last step's output; on failure the error is a *PipelineError naming the
// first step that failed and no partial output is returned.
func (p *Pipeline) Execute(ctx context.Context, request string, cfg ExecConfig) (*Result, error) {
	if strings.TrimSpace(request) == "" {
		return nil, errors.New(errors.CodeMissingField, "request is required", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, runID := core.EnsureRunID(ctx)
	ctx, span := p.tracer.Start(ctx, "Pipeline.Run",
		trace.WithAttributes(telemetry.RunAttributes(runID, len(p.steps))...),
	)
	defer span.End()

	ec := NewExecutionContext(runID, request)
	p.emitter.Emit(ctx, core.NewEvent(core.EventRunStarted, runID, "", -1, map[string]any{
		"steps": len(p.steps),
	}))

	result := &Result{RunID: runID, Steps: make([]StepResult, 0, len(p.steps))}
	for i, step := range p.steps {
		sr, err := p.runStep(ctx, ec, i, step, cfg)
		if err == nil {
			err = ec.Append(i, step.Role.Name, sr.Output)
		}
		if err != nil {
			perr := &PipelineError{
				StepIndex: i,
				StepCount: len(p.steps),
				Role:      step.Role.Name,
				Attempts:  sr.Attempts,
				Cause:     err,
			}
			span.RecordError(perr)
			span.SetStatus(codes.Error, perr.UserMessage())
			span.SetAttributes(attribute.String(telemetry.AttrRunOutcome, runOutcome(perr)))
			p.emitter.Emit(ctx, core.NewEvent(core.EventRunFailed, runID, step.Role.Name, -1, map[string]any{
				"failed_step": i,
				"role":        step.Role.Name,
				"error":       perr.Kind(),
			}))
			p.metrics.RecordRun(ctx, perr)
			return nil, perr
		}
		result.Steps = append(result.Steps, sr)
	}

	result.Output = result.Steps[len(result.Steps)-1].Output
	span.SetAttributes(attribute.String(telemetry.AttrRunOutcome, telemetry.OutcomeSuccess))
	span.SetStatus(codes.Ok, "")
	p.emitter.Emit(ctx, core.NewEvent(core.EventRunCompleted, runID, "", -1, map[string]any{
		"output_chars": len(result.Output),
	}))
	p.metrics.RecordRun(ctx, nil)
	return result, nil
}

func (p *Pipeline) runStep(ctx context.Context, ec *ExecutionContext, index int, step Step, cfg ExecConfig) (StepResult, error) {
	role := step.Role
	model := role.Endpoint.Model()
	sr := StepResult{Index: index, Role: role.Name, Model: model}

	stepCtx, span := p.tracer.Start(ctx, "Pipeline.Step",
		trace.WithAttributes(telemetry.StepAttributes(ec.RunID, index, role.Name, model, role.CanDelegate)...),
	)
	defer span.End()
	started := time.Now()

	prompt, err := step.BuildPrompt(ec, index)
	if err != nil {
		p.failStep(stepCtx, span, ec.RunID, index, role.Name, 0, err)
		return sr, err
	}

	p.emitter.Emit(stepCtx, core.NewEvent(core.EventStepStarted, ec.RunID, role.Name, index, map[string]any{
		"model":        model,
		"prompt_chars": len(prompt),
	}))

	retry := resilience.FixedRetryConfig(cfg.MaxRetries, cfg.RetryDelay).
		WithIsRecoverable(func(err error) bool {
			var ce *core.CompletionError
			return stderrors.As(err, &ce) && stepCtx.Err() == nil
		}).
		WithOnRetry(func(retry int, err error) {
			span.AddEvent("step.retry", trace.WithAttributes(
				attribute.Int(telemetry.AttrStepAttempt, retry+1),
				attribute.String(telemetry.AttrErrorCode, string(errors.CodeOf(err))),
			))
			p.emitter.Emit(stepCtx, core.NewEvent(core.EventStepRetry, ec.RunID, role.Name, index, map[string]any{
				"attempt": retry + 1,
				"error":   string(errors.CodeOf(err)),
			}))
		})

	var output string
	err = retry.Do(stepCtx, func(attempt int) error {
		sr.Attempts++
		attemptStart := time.Now()
		text, err := role.Endpoint.Complete(stepCtx, prompt, cfg.StepTimeout)
		attemptEnd := time.Now()

		p.metrics.RecordAttempt(stepCtx, role.Name, model, attemptEnd.Sub(attemptStart), err)
		p.record(stepCtx, AuditRecord{
			RunID:      ec.RunID,
			StepIndex:  index,
			Role:       role.Name,
			Model:      model,
			Attempt:    attempt + 1,
			Status:     auditStatus(err),
			Output:     text,
			Error:      auditError(err),
			StartedAt:  attemptStart,
			FinishedAt: attemptEnd,
		})
		if err != nil {
			return err
		}
		output = text
		return nil
	})
	sr.Duration = time.Since(started)
	if err != nil {
		p.failStep(stepCtx, span, ec.RunID, index, role.Name, sr.Attempts, err)
		return sr, err
	}

	sr.Output = output
	span.SetAttributes(telemetry.AttemptAttributes(sr.Attempts, len(prompt), len(output))...)
	span.SetAttributes(attribute.String(telemetry.AttrStepOutcome, telemetry.OutcomeSuccess))
	span.SetStatus(codes.Ok, "")
	p.emitter.Emit(stepCtx, core.NewEvent(core.EventStepCompleted, ec.RunID, role.Name, index, map[string]any{
		"attempts":     sr.Attempts,
		"output_chars": len(output),
		"duration_ms":  sr.Duration.Milliseconds(),
	}))
	return sr, nil
}

func (p *Pipeline) failStep(ctx context.Context, span trace.Span, runID string, index int, role string, attempts int, err error) {
	code := errors.CodeOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))
	span.SetAttributes(
		attribute.String(telemetry.AttrErrorCode, string(code)),
		attribute.Int(telemetry.AttrStepAttempt, attempts),
	)
	var ce *core.CompletionError
	if stderrors.As(err, &ce) {
		span.SetAttributes(attribute.String(telemetry.AttrLLMErrorKind, string(ce.Kind)))
	}
	if code == errors.CodeContextLost {
		span.SetAttributes(attribute.String(telemetry.AttrStepOutcome, telemetry.OutcomeCanceled))
	} else {
		span.SetAttributes(attribute.String(telemetry.AttrStepOutcome, telemetry.OutcomeFailure))
	}
	p.emitter.Emit(ctx, core.NewEvent(core.EventStepFailed, runID, role, index, map[string]any{
		"attempts": attempts,
		"error":    string(code),
	}))
}

func (p *Pipeline) record(ctx context.Context, rec AuditRecord) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Record(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.WarnContext(ctx, "audit record failed",
			slog.String("run_id", rec.RunID),
			slog.Int("step", rec.StepIndex),
			slog.String("error", err.Error()),
		)
	}
}

func runOutcome(err *PipelineError) string {
	if err.Code() == errors.CodeContextLost {
		return telemetry.OutcomeCanceled
	}
	return telemetry.OutcomeFailure
}

func auditStatus(err error) string {
	if err != nil {
		return AuditStatusFailure
	}
	return AuditStatusSuccess
}

// auditError keeps the failure kind and code only. Raw completion errors
// carry the host address and must not reach /runs.
func auditError(err error) string {
	if err == nil {
		return ""
	}
	code := errors.CodeOf(err)
	var ce *core.CompletionError
	if stderrors.As(err, &ce) {
		return string(ce.Kind) + " (" + string(code) + ")"
	}
	return string(code)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/executor"
	"github.com/AleutianAI/AleutianFlow/services/flow/planner"
	"github.com/AleutianAI/AleutianFlow/services/flow/result"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
	"github.com/AleutianAI/AleutianFlow/services/flow/validation"
)

var tracer = otel.Tracer("aleutian.flow.pipeline")

// ExecutionResult is everything a run produced.
type ExecutionResult struct {
	ExecutionID string         `json:"executionId"`
	Name        string         `json:"name"`
	Version     string         `json:"version,omitempty"`
	Status      execctx.Status `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`

	// Plans are keyed by scope path.
	Plans map[string]*planner.Plan `json:"plans,omitempty"`

	// Root is the pipeline-level result. It is zero when the run ended
	// before executing.
	Root result.Result `json:"root"`

	Validation  validation.Report      `json:"validation"`
	Metrics     Metrics                `json:"metrics"`
	History     []execctx.HistoryEntry `json:"history,omitempty"`
	Transitions []execctx.StatusChange `json:"transitions,omitempty"`

	// Error describes why the run did not complete.
	Error string `json:"error,omitempty"`

	err error
}

// IsSuccess reports whether the run completed.
func (r *ExecutionResult) IsSuccess() bool { return r.Status == execctx.StatusCompleted }

// Duration returns the wall-clock duration of the run.
func (r *ExecutionResult) Duration() time.Duration { return r.CompletedAt.Sub(r.StartedAt) }

// Err returns the error that stopped the run, or nil. Pipelines that ran
// to the end but had failing units report a failed status and an error
// describing them.
func (r *ExecutionResult) Err() error { return r.err }

// Runner drives pipelines through their lifecycle.
//
// # Thread Safety
//
// A Runner is safe for concurrent use. Every run gets its own execution
// context, gate and executor.
type Runner struct {
	cfg     executor.Config
	opts    Options
	logger  *slog.Logger
	exOpts  []executor.Option
	metrics *telemetry.Metrics
	now     func() time.Time
	newID   func() string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithExecutorOptions passes options to every executor the runner creates.
func WithExecutorOptions(opts ...executor.Option) RunnerOption {
	return func(r *Runner) { r.exOpts = append(r.exOpts, opts...) }
}

// WithMetrics records run and unit metrics on m.
func WithMetrics(m *telemetry.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithIDSource replaces the execution id generator.
func WithIDSource(newID func() string) RunnerOption {
	return func(r *Runner) { r.newID = newID }
}

// NewRunner creates a Runner.
func NewRunner(cfg executor.Config, opts Options, ropts ...RunnerOption) *Runner {
	r := &Runner{
		cfg:    cfg,
		opts:   opts,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range ropts {
		o(r)
	}
	return r
}

// Run executes p and blocks until it finishes.
func (r *Runner) Run(ctx context.Context, p *Pipeline) *ExecutionResult {
	return r.Start(ctx, p).Wait()
}

// Start launches p in the background and returns a handle to control it.
func (r *Runner) Start(ctx context.Context, p *Pipeline) *Run {
	id := r.newID()
	ctx, cancel := context.WithCancelCause(ctx)

	var ec *execctx.Context
	if p != nil {
		ec = execctx.NewWithData(id, p.Variables)
	} else {
		ec = execctx.New(id)
	}

	run := &Run{
		id:     id,
		ec:     ec,
		gate:   executor.NewGate(),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: r.logger.With(slog.String("execution_id", id)),
	}

	opts := append([]executor.Option{
		executor.WithLogger(run.logger),
		executor.WithGate(run.gate),
	}, r.exOpts...)
	if r.metrics != nil {
		opts = append(opts, executor.WithMetrics(r.metrics))
	}
	ex := executor.New(r.cfg, opts...)

	go func() {
		defer close(run.done)
		defer cancel(nil)
		run.res = r.drive(ctx, run, ex, p)
	}()
	return run
}

// drive runs the lifecycle stages in order.
func (r *Runner) drive(ctx context.Context, run *Run, ex *executor.Executor, p *Pipeline) *ExecutionResult {
	res := &ExecutionResult{ExecutionID: run.id, StartedAt: r.now()}
	if p != nil {
		res.Name, res.Version = p.Name, p.Version
	}
	ctx, span := tracer.Start(ctx, "flow.Pipeline",
		trace.WithAttributes(
			attribute.String("flow.pipeline", res.Name),
			attribute.String("flow.execution_id", run.id),
		),
	)
	defer span.End()

	log := run.logger
	log.Info("pipeline run starting", slog.String("pipeline", res.Name), slog.String("version", res.Version))

	finish := func(err error) *ExecutionResult {
		status := r.settle(ctx, run, err)
		res.Status = status
		res.CompletedAt = r.now()
		res.History = run.ec.History()
		if res.Plans != nil {
			res.Metrics = ComputeMetrics(res.Root, res.Plans, res.History, res.Duration())
		} else {
			res.Metrics.Duration = res.Duration()
		}
		if err == nil && status == execctx.StatusCancelled {
			if err = context.Cause(ctx); err == nil {
				err = ErrCancelled
			}
		}
		if err != nil {
			res.err = err
			res.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		_ = run.ec.Transition(execctx.StatusCleaningUp)
		res.Transitions = run.ec.Transitions()
		ex.Metrics().RecordRun(ctx, res.Name, status.String(), res.Duration())

		log.Info("pipeline run finished",
			slog.String("pipeline", res.Name),
			slog.String("status", status.String()),
			slog.Duration("duration", res.Duration()),
			slog.Int("commands", res.Metrics.Commands.Total),
			slog.Int("failed", res.Metrics.Commands.Failed),
			slog.Int("skipped", res.Metrics.Commands.Skipped),
		)
		return res
	}

	if p == nil || p.Root == nil {
		_ = run.ec.Transition(execctx.StatusInitializing)
		return finish(ErrNilPipeline)
	}
	if !run.advance(ctx, execctx.StatusInitializing) {
		return finish(nil)
	}

	if !run.advance(ctx, execctx.StatusValidating) {
		return finish(nil)
	}
	res.Validation = p.Validate()
	for _, w := range res.Validation.Warnings {
		log.Warn("validation warning", slog.String("code", w.Code), slog.String("path", w.Path), slog.String("message", w.Message))
	}
	if !res.Validation.IsValid() {
		for _, e := range res.Validation.Errors {
			log.Error("validation error", slog.String("code", e.Code), slog.String("path", e.Path), slog.String("message", e.Message))
		}
		if r.opts.FailOnError {
			return finish(fmt.Errorf("%w: %w", ErrValidationFailed, res.Validation.Err()))
		}
	}

	if !run.advance(ctx, execctx.StatusPlanning) {
		return finish(nil)
	}
	pl := planner.New(planner.WithClock(r.now), planner.WithIDSource(func() string { return run.id }))
	scopes, err := p.planScopes(r.opts, pl)
	if err != nil {
		log.Error("planning failed", slog.String("error", err.Error()))
		return finish(err)
	}
	res.Plans = make(map[string]*planner.Plan, len(scopes))
	for path, b := range scopes {
		res.Plans[path] = b.plan
		log.Debug("scope planned",
			slog.String("scope", path),
			slog.Int("phases", len(b.plan.Phases)),
			slog.Duration("estimate", b.plan.EstimatedDuration),
		)
	}

	if !run.advance(ctx, execctx.StatusExecuting) {
		return finish(nil)
	}
	res.Root = p.Root.Run(withScopes(ctx, scopes), ex, run.ec)

	if ctx.Err() == nil && !res.Root.IsSuccess() {
		return finish(fmt.Errorf("pipeline %q %s: %s", res.Name, res.Root.Status, res.Root.ErrorMessage))
	}
	return finish(nil)
}

// settle moves the run into its terminal status and returns it.
func (r *Runner) settle(ctx context.Context, run *Run, err error) execctx.Status {
	if ctx.Err() != nil || run.ec.Status() == execctx.StatusCancelling {
		if run.ec.Status() != execctx.StatusCancelling {
			_ = run.ec.Transition(execctx.StatusCancelling)
		}
		_ = run.ec.Transition(execctx.StatusCancelled)
		return execctx.StatusCancelled
	}
	if run.ec.Status() == execctx.StatusPaused {
		_ = run.ec.Transition(execctx.StatusExecuting)
	}
	if err != nil {
		_ = run.ec.Transition(execctx.StatusFailed)
		return execctx.StatusFailed
	}
	_ = run.ec.Transition(execctx.StatusCompleted)
	return execctx.StatusCompleted
}

// Run is a handle on a pipeline run started with Runner.Start.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Run struct {
	id     string
	ec     *execctx.Context
	gate   *executor.Gate
	cancel context.CancelCauseFunc
	done   chan struct{}
	logger *slog.Logger

	// res is written once before done is closed.
	res *ExecutionResult
}

// ID returns the execution id.
func (run *Run) ID() string { return run.id }

// Status returns the current lifecycle status.
func (run *Run) Status() execctx.Status { return run.ec.Status() }

// Context returns the run's execution context.
func (run *Run) Context() *execctx.Context { return run.ec }

// Done is closed when the run has finished.
func (run *Run) Done() <-chan struct{} { return run.done }

// Pause stops new units from starting. Units already running finish.
// It reports false unless the run was executing.
func (run *Run) Pause() bool {
	if err := run.ec.Transition(execctx.StatusPaused); err != nil {
		return false
	}
	run.gate.Pause()
	run.logger.Info("pipeline run paused")
	return true
}

// Resume continues a paused run. It reports false unless the run was
// paused.
func (run *Run) Resume() bool {
	if err := run.ec.Transition(execctx.StatusExecuting); err != nil {
		return false
	}
	run.gate.Resume()
	run.logger.Info("pipeline run resumed")
	return true
}

// Cancel stops the run. Running units are cancelled, units not yet
// started are abandoned. It reports false if the run already ended or is
// already cancelling.
func (run *Run) Cancel(reason string) bool {
	if err := run.ec.Transition(execctx.StatusCancelling); err != nil {
		return false
	}
	cause := ErrCancelled
	if reason != "" {
		cause = fmt.Errorf("%w: %s", ErrCancelled, reason)
	}
	run.logger.Warn("pipeline run cancelling", slog.String("reason", reason))
	run.cancel(cause)
	return true
}

// Wait blocks until the run finishes and returns its result.
func (run *Run) Wait() *ExecutionResult {
	<-run.done
	return run.res
}

// advance moves to the next stage unless the run was cancelled.
func (run *Run) advance(ctx context.Context, to execctx.Status) bool {
	if ctx.Err() != nil {
		return false
	}
	if err := run.ec.Transition(to); err != nil {
		if !errors.Is(err, execctx.ErrInvalidTransition) {
			run.logger.Error("status transition failed", slog.String("error", err.Error()))
		}
		return false
	}
	return true
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs execution plans.
//
// Phases run strictly in order. A sequential phase runs its units one at a
// time; a parallel phase launches them concurrently, never more than
// MaxParallelExecutions at once. Every command attempt is bounded by the
// unit's timeout and failed attempts are retried with exponential backoff.
// Units whose required dependencies did not succeed are skipped, which
// propagates transitively because each phase sees the statuses of all
// earlier ones.
//
// # Cancellation
//
// Cancelling the context passed to RunScope cancels every running attempt.
// Units that have not started are abandoned and do not appear in the
// results.
//
// # Thread Safety
//
// An Executor is safe for concurrent use. State of a run lives in the
// execctx.Context and in per-call locals.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/planner"
	"github.com/AleutianAI/AleutianFlow/services/flow/result"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
)

var tracer = otel.Tracer("aleutian.flow")

// DefaultMaxParallelExecutions bounds parallel phases when Config leaves it
// unset.
const DefaultMaxParallelExecutions = 4

// Config holds the engine-wide execution knobs.
type Config struct {
	// MaxParallelExecutions bounds concurrent units within one parallel
	// phase. Values <= 0 use DefaultMaxParallelExecutions.
	MaxParallelExecutions int `yaml:"maxParallelExecutions" validate:"gte=0"`

	// FailFast skips every later phase of a scope once a required unit of
	// that scope has failed.
	FailFast bool `yaml:"failFast"`

	// LaunchRate limits unit starts per second across the run. Zero means
	// unlimited.
	LaunchRate float64 `yaml:"launchRate" validate:"gte=0"`

	// LaunchBurst is the limiter burst. Defaults to 1 when LaunchRate is set.
	LaunchBurst int `yaml:"launchBurst" validate:"gte=0"`
}

// DefaultConfig returns the default engine knobs.
func DefaultConfig() Config {
	return Config{MaxParallelExecutions: DefaultMaxParallelExecutions}
}

// Composite is a unit that owns a nested scope, such as a behavior or an
// aggregator. The executor applies skip rules and, when the descriptor sets
// one, a timeout to composites, but never retries them; their children carry
// their own retry policies.
type Composite interface {
	unit.Unit

	// Level is the result level the composite reports at.
	Level() result.Level

	// Run executes the nested scope and folds its children.
	Run(ctx context.Context, ex *Executor, ec *execctx.Context) result.Result
}

// Scope is one nesting level ready to execute.
type Scope struct {
	Path     string
	Strategy unit.Strategy
	Profile  unit.Profile
	Retry    *unit.RetryPolicy

	// Units are the schedulable units: commands or composites.
	Units []unit.Unit

	// Fallbacks maps a primary id to the unit run when the primary fails.
	// Only used under StrategyFallback.
	Fallbacks map[string]unit.Unit
}

// PlanScope returns the planner view of the scope.
func (s Scope) PlanScope() planner.Scope {
	ps := planner.Scope{
		Path:     s.Path,
		Strategy: s.Strategy,
		Profile:  s.Profile,
		Retry:    s.Retry,
		Units:    make([]unit.Descriptor, 0, len(s.Units)),
	}
	for _, u := range s.Units {
		ps.Units = append(ps.Units, u.Descriptor())
	}
	if len(s.Fallbacks) > 0 {
		ps.Fallbacks = make(map[string]unit.Descriptor, len(s.Fallbacks))
		for id, fb := range s.Fallbacks {
			ps.Fallbacks[id] = fb.Descriptor()
		}
	}
	return ps
}

// Executor runs scopes.
type Executor struct {
	cfg     Config
	logger  *slog.Logger
	gate    *Gate
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	meter       metric.Meter
	metricsOnce sync.Once
	metrics     *telemetry.Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithGate sets the pause gate consulted before each phase and launch.
func WithGate(g *Gate) Option {
	return func(e *Executor) { e.gate = g }
}

// WithSleep replaces the backoff wait. fn must return ctx.Err() when ctx is
// done before d elapses.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithClock sets the time source for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithMeter sets the meter the executor's instruments are created on.
func WithMeter(m metric.Meter) Option {
	return func(e *Executor) { e.meter = m }
}

// WithMetrics sets prebuilt instruments, shared with the caller.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
		e.metricsOnce.Do(func() {})
	}
}

// Now returns the current time from the executor's clock. Composites use
// it so their timestamps follow WithClock.
func (e *Executor) Now() time.Time { return e.now() }

// New creates an Executor.
func New(cfg Config, opts ...Option) *Executor {
	if cfg.MaxParallelExecutions <= 0 {
		cfg.MaxParallelExecutions = DefaultMaxParallelExecutions
	}
	e := &Executor{
		cfg:    cfg,
		logger: slog.Default(),
		sleep:  sleepCtx,
		now:    time.Now,
		meter:  otel.Meter("aleutian.flow"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if cfg.LaunchRate > 0 {
		burst := cfg.LaunchBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.LaunchRate), burst)
	}
	return e
}

// Config returns the executor's configuration.
func (e *Executor) Config() Config { return e.cfg }

// Metrics returns the executor's instruments, creating them on first use.
func (e *Executor) Metrics() *telemetry.Metrics {
	e.metricsOnce.Do(func() {
		m, err := telemetry.NewMetrics(e.meter)
		if err != nil {
			e.logger.Error("failed to initialize some flow metrics (observability degraded)",
				slog.String("error", err.Error()),
			)
		}
		e.metrics = m
	})
	return e.metrics
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scopeState tracks the results of one RunScope call.
type scopeState struct {
	mu      sync.Mutex
	results map[string]result.Result
}

func (s *scopeState) set(r result.Result) {
	s.mu.Lock()
	s.results[r.ID] = r
	s.mu.Unlock()
}

func (s *scopeState) get(id string) (result.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	return r, ok
}

// RunScope executes plan over scope and returns the child results in plan
// order.
//
// Description:
//
//	Walks the phases in order. Before each phase the pause gate is
//	consulted. Each unit is checked against its dependencies and
//	conditions, then executed, retried and, under the Fallback strategy,
//	replaced by its fallback on failure. With FailFast, a required failure
//	skips every later phase.
//
// Inputs:
//
//	ctx - Cancellation for the whole scope.
//	ec - The run's execution context. Must not be nil.
//	scope - Units to run.
//	plan - Plan built for scope. Nil plans are built on the fly.
//
// Outputs:
//
//	[]result.Result - One result per unit that started or was skipped.
//	                  Units abandoned by cancellation are omitted.
//	error - Non-nil only for a nil context or a plan that cannot be built.
func (e *Executor) RunScope(ctx context.Context, ec *execctx.Context, scope Scope, plan *planner.Plan) ([]result.Result, error) {
	if ec == nil {
		return nil, ErrNilContext
	}
	if plan == nil {
		p, err := planner.New().Plan(scope.PlanScope())
		if err != nil {
			return nil, err
		}
		plan = p
	}
	metrics := e.Metrics()

	ctx, span := tracer.Start(ctx, "flow.Scope",
		trace.WithAttributes(
			attribute.String("flow.scope", scope.Path),
			attribute.String("flow.strategy", scope.Strategy.String()),
			attribute.Int("flow.phases", len(plan.Phases)),
			attribute.String("flow.execution_id", ec.ID()),
		),
	)
	defer span.End()

	start := e.now()
	units := make(map[string]unit.Unit, len(scope.Units))
	for _, u := range scope.Units {
		units[u.Descriptor().ID] = u
	}
	state := &scopeState{results: make(map[string]result.Result)}
	failFast := false

	e.logger.Debug("scope started",
		slog.String("scope", scope.Path),
		slog.String("execution_id", ec.ID()),
		slog.Int("phases", len(plan.Phases)),
	)

phases:
	for _, phase := range plan.Phases {
		if err := e.gate.Wait(ctx); err != nil {
			break
		}

		if failFast {
			for _, id := range phase.Units {
				if u, ok := units[id]; ok {
					state.set(e.skip(ec, scope, u, phase.Number, result.SkipFailFast, "an earlier phase failed"))
				}
			}
			continue
		}

		e.logger.Debug("phase started",
			slog.String("scope", scope.Path),
			slog.Int("phase", phase.Number),
			slog.Bool("parallel", phase.Parallel),
			slog.Int("units", len(phase.Units)),
		)

		if phase.Parallel {
			e.runParallel(ctx, ec, scope, plan, phase, units, state)
		} else {
			for _, id := range phase.Units {
				if ctx.Err() != nil {
					break phases
				}
				if err := e.gate.Wait(ctx); err != nil {
					break phases
				}
				e.runOne(ctx, ec, scope, plan, phase, units[id], state)
			}
		}

		if ctx.Err() != nil {
			break
		}
		if e.cfg.FailFast && phaseFailed(phase, state) {
			failFast = true
			e.logger.Warn("fail-fast: skipping remaining phases",
				slog.String("scope", scope.Path),
				slog.Int("phase", phase.Number),
			)
		}
	}

	out := make([]result.Result, 0, len(plan.Units))
	for _, phase := range plan.Phases {
		for _, id := range phase.Units {
			if r, ok := state.get(id); ok {
				out = append(out, r)
			}
		}
	}

	status := "completed"
	if ctx.Err() != nil {
		status = "cancelled"
		span.SetStatus(codes.Error, "cancelled")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	metrics.RecordScope(ctx, scope.Path, status, e.now().Sub(start))
	return out, nil
}

func (e *Executor) runParallel(ctx context.Context, ec *execctx.Context, scope Scope, plan *planner.Plan, phase planner.Phase, units map[string]unit.Unit, state *scopeState) {
	limit := int64(e.cfg.MaxParallelExecutions)
	if limit > int64(len(phase.Units)) {
		limit = int64(len(phase.Units))
	}
	sem := semaphore.NewWeighted(max(limit, 1))

	var wg sync.WaitGroup
	for _, id := range phase.Units {
		if err := e.gate.Wait(ctx); err != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(u unit.Unit) {
			defer wg.Done()
			defer sem.Release(1)
			e.runOne(ctx, ec, scope, plan, phase, u, state)
		}(units[id])
	}
	wg.Wait()
}

// phaseFailed reports whether a required unit of phase failed.
func phaseFailed(phase planner.Phase, state *scopeState) bool {
	for _, id := range phase.Units {
		r, ok := state.get(id)
		if ok && !r.Optional && (r.Status.IsFailure() || r.Status == result.StatusCancelled) {
			return true
		}
	}
	return false
}

// runOne decides whether u runs, runs it and stores its result.
func (e *Executor) runOne(ctx context.Context, ec *execctx.Context, scope Scope, plan *planner.Plan, phase planner.Phase, u unit.Unit, state *scopeState) {
	if u == nil {
		return
	}
	d := u.Descriptor()

	reason, detail, warnings := e.checkDependencies(ec, scope, d, phase, state)
	if reason != result.SkipNone {
		state.set(e.skip(ec, scope, u, phase.Number, reason, detail))
		return
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	policy := e.policyFor(scope, plan, d)
	r := e.execute(ctx, ec, scope, u, policy, "")

	if r.Status.IsFailure() && scope.Strategy == unit.StrategyFallback && ctx.Err() == nil {
		if fb, ok := scope.Fallbacks[d.ID]; ok {
			r = e.runFallback(ctx, ec, scope, d, fb, policy, r)
		}
	}

	r = r.WithPhase(phase.Number).WithOptional(d.Optional).WithWarnings(warnings...)
	state.set(r)
}

// checkDependencies applies the skip rules to d.
//
// A required execution dependency is satisfied when the target succeeded,
// or when the target is optional and finished, or when the dependent's
// phase is optional. A conditional dependency is satisfied when its
// predicate holds; unsatisfied optional conditionals only skip under the
// Conditional strategy.
func (e *Executor) checkDependencies(ec *execctx.Context, scope Scope, d unit.Descriptor, phase planner.Phase, state *scopeState) (result.SkipReason, string, []string) {
	var warnings []string
	for _, dep := range d.Dependencies {
		if dep.Target == d.ID {
			continue
		}
		target, known := state.get(dep.Target)

		switch dep.Type {
		case unit.DependencyExecution:
			if !dep.Required || !known || target.Status == result.StatusSucceeded {
				continue
			}
			if target.Optional && target.Status != result.StatusSkipped && target.Status != result.StatusCancelled {
				continue
			}
			if phase.Optional {
				warnings = append(warnings, fmt.Sprintf("ran although dependency %q ended %s", dep.Target, target.Status))
				continue
			}
			return result.SkipDependency, fmt.Sprintf("dependency %q ended %s", dep.Target, target.Status), nil

		case unit.DependencyConditional:
			cond, err := execctx.ParseCondition(dep.Condition)
			if err != nil {
				if dep.Required {
					return result.SkipCondition, err.Error(), nil
				}
				warnings = append(warnings, err.Error())
				continue
			}
			outcome := execctx.OutcomePending
			if known {
				outcome = outcomeOf(target.Status)
			}
			if cond.Eval(ec, outcome) {
				continue
			}
			if dep.Required || scope.Strategy == unit.StrategyConditional {
				return result.SkipCondition, fmt.Sprintf("condition %q on %q not satisfied", cond.String(), dep.Target), nil
			}

		case unit.DependencyData, unit.DependencyResource:
			// informational only
		}
	}
	return result.SkipNone, "", warnings
}

func (e *Executor) policyFor(scope Scope, plan *planner.Plan, d unit.Descriptor) planner.Policy {
	if pu, ok := plan.Unit(d.ID); ok {
		return pu.Policy
	}
	policy, _, _, _ := planner.ResolvePolicy(scope.PlanScope(), d)
	return policy
}

func (e *Executor) skip(ec *execctx.Context, scope Scope, u unit.Unit, phase int, reason result.SkipReason, detail string) result.Result {
	d := u.Descriptor()
	now := e.now()
	ec.Record(execctx.HistoryEntry{
		Scope:      scope.Path,
		UnitID:     d.ID,
		Outcome:    execctx.OutcomeSkipped,
		Error:      detail,
		StartedAt:  now,
		FinishedAt: now,
	})
	e.logger.Info("unit skipped",
		slog.String("scope", scope.Path),
		slog.String("unit", d.ID),
		slog.String("reason", string(reason)),
		slog.String("detail", detail),
	)
	return result.Skip(d.ID, d.DisplayName(), levelOf(u), reason, detail).
		WithPhase(phase).
		WithOptional(d.Optional)
}

// runFallback runs fb after primary failed and merges the outcome into the
// primary's result.
func (e *Executor) runFallback(ctx context.Context, ec *execctx.Context, scope Scope, primary unit.Descriptor, fb unit.Unit, policy planner.Policy, failed result.Result) result.Result {
	fbDesc := fb.Descriptor()
	e.logger.Warn("primary failed, running fallback",
		slog.String("scope", scope.Path),
		slog.String("unit", primary.ID),
		slog.String("fallback", fbDesc.ID),
		slog.String("error", failed.ErrorMessage),
	)
	e.Metrics().RecordFallback(ctx, scope.Path)

	fr := e.execute(ctx, ec, scope, fb, policy, primary.ID)
	merged := failed.
		WithTiming(failed.StartedAt, fr.CompletedAt).
		WithAttempts(failed.Attempts + fr.Attempts).
		WithWarnings(fr.Warnings...).
		WithInformation(fr.Information...)

	if fr.IsSuccess() {
		merged = merged.
			WithStatus(result.StatusSucceeded).
			WithData(fr.Data).
			WithFallback(fbDesc.ID).
			WithWarnings(fmt.Sprintf("primary %q failed: %s", primary.ID, failed.ErrorMessage))
		merged.ErrorMessage = ""
		return merged
	}
	return merged.WithError(fr.Status, fmt.Errorf("%s; fallback %q: %s", failed.ErrorMessage, fbDesc.ID, fr.ErrorMessage))
}

// execute runs u with its policy. fallbackFor is the primary id when u is
// running as a fallback.
func (e *Executor) execute(ctx context.Context, ec *execctx.Context, scope Scope, u unit.Unit, policy planner.Policy, fallbackFor string) result.Result {
	switch t := u.(type) {
	case Composite:
		return e.runComposite(ctx, ec, scope, t, fallbackFor)
	case unit.Command:
		return e.runCommand(ctx, ec, scope, t, policy, fallbackFor)
	default:
		d := u.Descriptor()
		now := e.now()
		return result.New(d.ID, d.DisplayName(), result.LevelCommand).
			WithTiming(now, now).
			WithError(result.StatusFailed, ErrNotCommand)
	}
}

func (e *Executor) runComposite(ctx context.Context, ec *execctx.Context, scope Scope, c Composite, fallbackFor string) result.Result {
	d := c.Descriptor()
	runCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	start := e.now()
	r := c.Run(runCtx, e, ec)
	end := e.now()

	if !r.IsSuccess() && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		r = r.WithError(result.StatusTimedOut, fmt.Errorf("%w after %s", ErrUnitTimeout, d.Timeout))
	}

	ec.Record(execctx.HistoryEntry{
		Scope:      scope.Path,
		UnitID:     d.ID,
		Attempt:    1,
		Outcome:    outcomeOf(r.Status),
		Error:      r.ErrorMessage,
		Fallback:   fallbackFor,
		StartedAt:  start,
		FinishedAt: end,
	})
	e.Metrics().RecordUnit(ctx, scope.Path, r.Status.String(), 1, end.Sub(start))
	return r
}

// attemptOutcome is what one attempt produced.
type attemptOutcome struct {
	status result.Status
	out    unit.Output
	err    error
}

// runCommand runs the retry loop for one command.
func (e *Executor) runCommand(ctx context.Context, ec *execctx.Context, scope Scope, cmd unit.Command, policy planner.Policy, fallbackFor string) result.Result {
	d := cmd.Descriptor()
	start := e.now()
	retry := policy.Retry

	var last attemptOutcome
	attempts := 0
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			delay := retry.Backoff(attempt - 2)
			e.logger.Warn("unit attempt failed, retrying",
				slog.String("scope", scope.Path),
				slog.String("unit", d.ID),
				slog.Int("attempt", attempt-1),
				slog.Duration("delay", delay),
				slog.String("error", last.err.Error()),
			)
			if err := e.sleep(ctx, delay); err != nil {
				last = attemptOutcome{status: result.StatusCancelled, err: err}
				break
			}
		}

		attempts = attempt
		last = e.attempt(ctx, ec, scope, cmd, policy.Timeout, attempt, fallbackFor)
		if last.status == result.StatusSucceeded || last.status == result.StatusCancelled {
			break
		}
		if unit.IsPermanent(last.err) || attempt > retry.MaxRetries {
			break
		}
	}
	end := e.now()

	r := result.New(d.ID, d.DisplayName(), result.LevelCommand).
		WithTiming(start, end).
		WithAttempts(attempts)

	switch last.status {
	case result.StatusSucceeded:
		r = r.WithStatus(result.StatusSucceeded).
			WithData(last.out.Data).
			WithWarnings(last.out.Warnings...).
			WithInformation(last.out.Information...)
		e.logger.Info("unit completed",
			slog.String("scope", scope.Path),
			slog.String("unit", d.ID),
			slog.Int("attempts", attempts),
			slog.Duration("duration", end.Sub(start)),
		)
	default:
		r = r.WithError(last.status, last.err).WithWarnings(last.out.Warnings...)
		if last.status != result.StatusCancelled {
			e.logger.Error("unit failed",
				slog.String("scope", scope.Path),
				slog.String("unit", d.ID),
				slog.String("status", last.status.String()),
				slog.Duration("duration", end.Sub(start)),
				slog.String("error", (&UnitError{Scope: scope.Path, UnitID: d.ID, Attempts: attempts, Err: last.err}).Error()),
			)
		}
	}
	e.Metrics().RecordUnit(ctx, scope.Path, r.Status.String(), attempts, end.Sub(start))
	return r
}

// attempt runs one invocation of cmd under timeout.
//
// The command runs in its own goroutine so that an attempt ends at its
// deadline even if the command ignores ctx. Such a command keeps running
// in the background until it returns; its result is discarded.
func (e *Executor) attempt(ctx context.Context, ec *execctx.Context, scope Scope, cmd unit.Command, timeout time.Duration, n int, fallbackFor string) attemptOutcome {
	d := cmd.Descriptor()
	ctx, span := tracer.Start(ctx, "flow.Unit",
		trace.WithAttributes(
			attribute.String("flow.scope", scope.Path),
			attribute.String("flow.unit", d.ID),
			attribute.Int("flow.attempt", n),
			attribute.String("flow.category", d.Category.String()),
		),
	)
	defer span.End()
	defer e.Metrics().UnitStarted(ctx)()

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	e.logger.Debug("unit starting",
		slog.String("scope", scope.Path),
		slog.String("unit", d.ID),
		slog.Int("attempt", n),
		slog.String("execution_id", ec.ID()),
	)

	started := e.now()
	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- attemptOutcome{status: result.StatusFailed, err: fmt.Errorf("%w: %v\n%s", ErrUnitPanic, p, debug.Stack())}
			}
		}()
		out, err := cmd.Execute(attemptCtx, ec)
		if err != nil {
			done <- attemptOutcome{status: result.StatusFailed, out: out, err: err}
			return
		}
		done <- attemptOutcome{status: result.StatusSucceeded, out: out}
	}()

	var got attemptOutcome
	select {
	case got = <-done:
	case <-attemptCtx.Done():
		select {
		case got = <-done:
		default:
			got = attemptOutcome{status: result.StatusFailed, err: attemptCtx.Err()}
		}
	}

	if got.status != result.StatusSucceeded {
		switch {
		case ctx.Err() != nil:
			got.status = result.StatusCancelled
			got.err = fmt.Errorf("cancelled: %w", ctx.Err())
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			got.status = result.StatusTimedOut
			got.err = fmt.Errorf("%w after %s", ErrUnitTimeout, timeout)
		}
	}

	entry := execctx.HistoryEntry{
		Scope:      scope.Path,
		UnitID:     d.ID,
		Attempt:    n,
		Outcome:    outcomeOf(got.status),
		Fallback:   fallbackFor,
		StartedAt:  started,
		FinishedAt: e.now(),
	}
	if got.err != nil {
		entry.Error = got.err.Error()
		span.RecordError(got.err)
		span.SetStatus(codes.Error, got.err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	ec.Record(entry)
	return got
}

func outcomeOf(s result.Status) execctx.Outcome {
	switch s {
	case result.StatusSucceeded:
		return execctx.OutcomeSucceeded
	case result.StatusFailed:
		return execctx.OutcomeFailed
	case result.StatusTimedOut:
		return execctx.OutcomeTimedOut
	case result.StatusSkipped:
		return execctx.OutcomeSkipped
	case result.StatusCancelled:
		return execctx.OutcomeCancelled
	default:
		return execctx.OutcomePending
	}
}

func levelOf(u unit.Unit) result.Level {
	if c, ok := u.(Composite); ok {
		return c.Level()
	}
	return result.LevelCommand
}

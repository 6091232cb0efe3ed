// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the flow engine's instruments. All Record methods are safe
// on a nil receiver, which disables recording.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// UnitExecutionsTotal counts finished units by scope and status.
	UnitExecutionsTotal metric.Int64Counter

	// UnitDuration records unit wall time in seconds, retries included.
	UnitDuration metric.Float64Histogram

	// UnitRetriesTotal counts attempts beyond the first.
	UnitRetriesTotal metric.Int64Counter

	// FallbacksTotal counts fallback units run after a primary failed.
	FallbacksTotal metric.Int64Counter

	// ActiveUnits tracks in-flight unit attempts.
	ActiveUnits metric.Int64UpDownCounter

	// ScopeDuration records scope wall time in seconds.
	ScopeDuration metric.Float64Histogram

	// RunsTotal counts pipeline runs by terminal status.
	RunsTotal metric.Int64Counter

	// RunDuration records pipeline run wall time in seconds.
	RunDuration metric.Float64Histogram
}

// NewMetrics creates every instrument on meter.
//
// Outputs:
//
//	*Metrics - Instruments. Always non-nil; instruments that failed to
//	           register are no-ops.
//	error - Joined registration errors, if any.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var errs []error
	var err error

	m.UnitExecutionsTotal, err = meter.Int64Counter("flow_unit_executions_total",
		metric.WithDescription("Finished units by scope and status"))
	errs = appendErr(errs, "unit_executions_total", err)

	m.UnitDuration, err = meter.Float64Histogram("flow_unit_duration_seconds",
		metric.WithDescription("Unit wall time including retries"),
		metric.WithUnit("s"))
	errs = appendErr(errs, "unit_duration_seconds", err)

	m.UnitRetriesTotal, err = meter.Int64Counter("flow_unit_retries_total",
		metric.WithDescription("Unit attempts beyond the first"))
	errs = appendErr(errs, "unit_retries_total", err)

	m.FallbacksTotal, err = meter.Int64Counter("flow_fallbacks_total",
		metric.WithDescription("Fallback units executed after a primary failed"))
	errs = appendErr(errs, "fallbacks_total", err)

	m.ActiveUnits, err = meter.Int64UpDownCounter("flow_active_units",
		metric.WithDescription("Unit attempts currently running"))
	errs = appendErr(errs, "active_units", err)

	m.ScopeDuration, err = meter.Float64Histogram("flow_scope_duration_seconds",
		metric.WithDescription("Scope wall time"),
		metric.WithUnit("s"))
	errs = appendErr(errs, "scope_duration_seconds", err)

	m.RunsTotal, err = meter.Int64Counter("flow_runs_total",
		metric.WithDescription("Pipeline runs by terminal status"))
	errs = appendErr(errs, "runs_total", err)

	m.RunDuration, err = meter.Float64Histogram("flow_run_duration_seconds",
		metric.WithDescription("Pipeline run wall time"),
		metric.WithUnit("s"))
	errs = appendErr(errs, "run_duration_seconds", err)

	return m, errors.Join(errs...)
}

func appendErr(errs []error, name string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errs
}

// RecordUnit records one finished unit.
func (m *Metrics) RecordUnit(ctx context.Context, scope, status string, attempts int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("scope", scope), attribute.String("status", status))
	if m.UnitExecutionsTotal != nil {
		m.UnitExecutionsTotal.Add(ctx, 1, attrs)
	}
	if m.UnitDuration != nil {
		m.UnitDuration.Record(ctx, d.Seconds(), attrs)
	}
	if attempts > 1 && m.UnitRetriesTotal != nil {
		m.UnitRetriesTotal.Add(ctx, int64(attempts-1), metric.WithAttributes(attribute.String("scope", scope)))
	}
}

// RecordFallback records a fallback execution.
func (m *Metrics) RecordFallback(ctx context.Context, scope string) {
	if m == nil || m.FallbacksTotal == nil {
		return
	}
	m.FallbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

// UnitStarted increments the active gauge and returns its decrement.
func (m *Metrics) UnitStarted(ctx context.Context) func() {
	if m == nil || m.ActiveUnits == nil {
		return func() {}
	}
	m.ActiveUnits.Add(ctx, 1)
	return func() { m.ActiveUnits.Add(ctx, -1) }
}

// RecordScope records a finished scope.
func (m *Metrics) RecordScope(ctx context.Context, scope, status string, d time.Duration) {
	if m == nil || m.ScopeDuration == nil {
		return
	}
	m.ScopeDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("scope", scope), attribute.String("status", status)))
}

// RecordRun records a finished pipeline run.
func (m *Metrics) RecordRun(ctx context.Context, pipeline, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("pipeline", pipeline), attribute.String("status", status))
	if m.RunsTotal != nil {
		m.RunsTotal.Add(ctx, 1, attrs)
	}
	if m.RunDuration != nil {
		m.RunDuration.Record(ctx, d.Seconds(), attrs)
	}
}

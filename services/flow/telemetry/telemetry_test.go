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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	done := m.UnitStarted(ctx)
	m.RecordUnit(ctx, "pipe", "succeeded", 3, 2*time.Second)
	done()
	m.RecordFallback(ctx, "pipe")
	m.RecordScope(ctx, "pipe", "succeeded", time.Second)
	m.RecordRun(ctx, "demo", "completed", time.Second)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			names[metric.Name] = true
			if metric.Name == "flow_unit_retries_total" {
				sum := metric.Data.(metricdata.Sum[int64])
				require.Len(t, sum.DataPoints, 1)
				assert.Equal(t, int64(2), sum.DataPoints[0].Value)
			}
		}
	}
	for _, want := range []string{
		"flow_unit_executions_total", "flow_unit_duration_seconds", "flow_unit_retries_total",
		"flow_fallbacks_total", "flow_active_units", "flow_scope_duration_seconds",
		"flow_runs_total", "flow_run_duration_seconds",
	} {
		assert.True(t, names[want], want)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordUnit(ctx, "s", "failed", 2, time.Second)
	m.RecordFallback(ctx, "s")
	m.RecordScope(ctx, "s", "failed", time.Second)
	m.RecordRun(ctx, "p", "failed", time.Second)
	m.UnitStarted(ctx)()
}

func TestInit_NoneExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{TraceExporter: "none", MetricExporter: "none"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{TraceExporter: "none", MetricExporter: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"defaults", func(*Config) {}, nil},
		{"unknown trace exporter", func(c *Config) { c.TraceExporter = "jaeger" }, ErrUnknownExporter},
		{"unknown metric exporter", func(c *Config) { c.MetricExporter = "influx" }, ErrUnknownExporter},
		{"ratio above one", func(c *Config) { c.SampleRatio = 1.5 }, ErrInvalidConfig},
		{"negative interval", func(c *Config) { c.ExportInterval = -time.Second }, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{TraceExporter: ExporterNone, MetricExporter: ExporterNone, SampleRatio: 1}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConfig_ResourceNamesPipeline(t *testing.T) {
	cfg := Config{ServiceName: "aleutian-flow", Pipeline: "nightly", PipelineVersion: "2.1", Document: "nightly.yaml"}
	attrs := map[string]string{}
	for _, kv := range cfg.Resource().Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "nightly", attrs["flow.pipeline.name"])
	assert.Equal(t, "2.1", attrs["flow.pipeline.version"])
	assert.Equal(t, "nightly.yaml", attrs["flow.document"])

	bare := map[string]bool{}
	for _, kv := range (Config{ServiceName: "x"}).Resource().Attributes() {
		bare[string(kv.Key)] = true
	}
	assert.False(t, bare["flow.pipeline.name"])
}

func TestSampler(t *testing.T) {
	assert.Equal(t, "AlwaysOnSampler", Sampler(0).Description())
	assert.Equal(t, "AlwaysOnSampler", Sampler(1).Description())
	assert.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestInit_StdoutTracesCarryPipeline(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	var out bytes.Buffer
	shutdown, err := Init(context.Background(), Config{
		ServiceName:    "aleutian-flow",
		Pipeline:       "nightly",
		TraceExporter:  ExporterStdout,
		MetricExporter: ExporterNone,
		Output:         &out,
	})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "scope nightly")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, out.String(), "scope nightly")
	assert.Contains(t, out.String(), "flow.pipeline.name")
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for the flow
// engine and defines the engine's metric instruments.
//
// Providers carry a resource that names the pipeline being run, so every
// span and series exported during a run can be traced back to the
// document that produced it.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

var (
	// ErrNilContext is returned when Init is called with a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnknownExporter is returned for an exporter name Init does not know.
	ErrUnknownExporter = errors.New("unknown exporter")

	// ErrInvalidConfig is returned when Config fails Validate.
	ErrInvalidConfig = errors.New("invalid telemetry config")
)

// Exporter names accepted by Config.
const (
	ExporterNone       = "none"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
)

// Resource attribute keys describing the pipeline.
const (
	AttrPipelineName    = attribute.Key("flow.pipeline.name")
	AttrPipelineVersion = attribute.Key("flow.pipeline.version")
	AttrDocument        = attribute.Key("flow.document")
)

// DefaultExportInterval is how often the stdout metric reader flushes.
const DefaultExportInterval = 30 * time.Second

// Config controls telemetry behavior.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Pipeline, PipelineVersion and Document identify the run and become
	// resource attributes.
	Pipeline        string
	PipelineVersion string
	Document        string

	// TraceExporter is one of otlp, stdout or none.
	TraceExporter string

	// MetricExporter is one of prometheus, stdout or none.
	MetricExporter string

	// OTLPEndpoint is the OTLP gRPC receiver for traces.
	OTLPEndpoint string
	OTLPInsecure bool

	// SampleRatio is the fraction of root traces kept. Zero or one keeps
	// every trace. Child spans follow their parent.
	SampleRatio float64

	// ExportInterval applies to the stdout metric reader.
	ExportInterval time.Duration

	// Output receives stdout exporter output. Nil means os.Stdout.
	Output io.Writer
}

// DefaultConfig returns defaults for local runs.
//
// Environment variables override defaults:
//   - FLOW_ENV: environment name
//   - OTEL_TRACES_EXPORTER: trace exporter type
//   - OTEL_METRICS_EXPORTER: metric exporter type
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint
//   - OTEL_TRACES_SAMPLER_ARG: sample ratio
//
// Tracing is off unless OTEL_TRACES_EXPORTER is set, since a CLI run
// usually has no collector listening.
func DefaultConfig() Config {
	ratio, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64)
	if err != nil {
		ratio = 1
	}
	return Config{
		ServiceName:    "aleutian-flow",
		ServiceVersion: "1.0.0",
		Environment:    getEnvOr("FLOW_ENV", "development"),
		TraceExporter:  getEnvOr("OTEL_TRACES_EXPORTER", ExporterNone),
		MetricExporter: getEnvOr("OTEL_METRICS_EXPORTER", ExporterPrometheus),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
		SampleRatio:    ratio,
		ExportInterval: DefaultExportInterval,
	}
}

// Validate checks exporter names and the sample ratio.
func (c Config) Validate() error {
	switch c.TraceExporter {
	case "", ExporterNone, ExporterOTLP, ExporterStdout:
	default:
		return fmt.Errorf("%w: trace exporter %q", ErrUnknownExporter, c.TraceExporter)
	}
	switch c.MetricExporter {
	case "", ExporterNone, ExporterPrometheus, ExporterStdout:
	default:
		return fmt.Errorf("%w: metric exporter %q", ErrUnknownExporter, c.MetricExporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("%w: sample ratio %v outside [0, 1]", ErrInvalidConfig, c.SampleRatio)
	}
	if c.ExportInterval < 0 {
		return fmt.Errorf("%w: negative export interval", ErrInvalidConfig)
	}
	return nil
}

// Resource describes the process and the pipeline it runs. Empty pipeline
// fields are left out.
func (c Config) Resource() *resource.Resource {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.ServiceVersion),
		attribute.String("deployment.environment", c.Environment),
	}
	if c.Pipeline != "" {
		attrs = append(attrs, AttrPipelineName.String(c.Pipeline))
	}
	if c.PipelineVersion != "" {
		attrs = append(attrs, AttrPipelineVersion.String(c.PipelineVersion))
	}
	if c.Document != "" {
		attrs = append(attrs, AttrDocument.String(c.Document))
	}
	return resource.NewWithAttributes("", attrs...)
}

// Init installs global tracer and meter providers built from cfg.
//
// Outputs:
//
//	shutdown - Flushes and stops the providers. Must be called.
//	error - Non-nil if cfg is invalid or an exporter cannot be created.
//
// Thread Safety: Call once per process, before runs start.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var stops []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for i := len(stops) - 1; i >= 0; i-- {
			errs = append(errs, stops[i](ctx))
		}
		return errors.Join(errs...)
	}

	res := cfg.Resource()

	if enabled(cfg.TraceExporter) {
		exp, err := spanExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		tp := trace.NewTracerProvider(
			trace.WithBatcher(exp),
			trace.WithResource(res),
			trace.WithSampler(Sampler(cfg.SampleRatio)),
		)
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}

	if enabled(cfg.MetricExporter) {
		reader, err := metricReader(cfg)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader))
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}

	return shutdown, nil
}

// Sampler keeps every trace for ratios outside (0, 1) and otherwise a
// ratio of root traces. Children follow the parent's decision.
func Sampler(ratio float64) trace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return trace.AlwaysSample()
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}

func enabled(exporter string) bool {
	return exporter != "" && exporter != ExporterNone
}

func (c Config) output() io.Writer {
	if c.Output != nil {
		return c.Output
	}
	return os.Stdout
}

func spanExporter(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
	switch cfg.TraceExporter {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithWriter(cfg.output()), stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
}

// ===== Prometheus endpoint =====

var (
	handlerMu sync.RWMutex
	handler   http.Handler
)

// MetricsHandler returns the /metrics handler once the Prometheus reader
// is installed, or nil.
func MetricsHandler() http.Handler {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	return handler
}

func metricReader(cfg Config) (metric.Reader, error) {
	switch cfg.MetricExporter {
	case ExporterPrometheus:
		reader, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		handlerMu.Lock()
		handler = promhttp.Handler()
		handlerMu.Unlock()
		return reader, nil
	case ExporterStdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.output()))
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = DefaultExportInterval
		}
		return metric.NewPeriodicReader(exp, metric.WithInterval(interval)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

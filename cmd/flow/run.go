// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/report"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// errRunFailed is returned when a run ends Failed. The rendered report
// already explains why.
var errRunFailed = errors.New("run failed")

type runFlags struct {
	maxParallel int
	failFast    bool
	failOnError bool
	launchRate  float64
	reportPath  string
	details     bool
	watch       bool
	metricsAddr string
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <document>",
		Short: "Run a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd)

			doc, err := config.Load(args[0], a.env)
			if err != nil {
				return withCode(exitInvalid, err)
			}
			shutdown, err := a.startTelemetry(ctx, f.metricsAddr, doc.Telemetry(args[0]))
			if err != nil {
				return err
			}
			defer shutdown()

			if f.watch {
				return a.watch(ctx, args[0], func(ctx context.Context) error {
					return a.runOnce(ctx, cmd, args[0], f)
				})
			}
			return a.runOnce(ctx, cmd, args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&f.maxParallel, "max-parallel", 0, "override settings.maxParallelExecutions")
	fl.BoolVar(&f.failFast, "fail-fast", false, "override settings.failFast")
	fl.BoolVar(&f.failOnError, "fail-on-error", true, "override settings.failOnError")
	fl.Float64Var(&f.launchRate, "launch-rate", 0, "override settings.launchRate (unit starts per second)")
	fl.StringVar(&f.reportPath, "report", "", "save the result to this file")
	fl.BoolVar(&f.details, "details", false, "show unit warnings and information")
	fl.BoolVar(&f.watch, "watch", false, "re-run whenever the document changes")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// runOnce loads, runs and reports the document at path.
func (a *app) runOnce(ctx context.Context, cmd *cobra.Command, path string, f runFlags) error {
	l, err := a.load(path)
	if err != nil {
		return err
	}
	cfg, opts, err := l.doc.Runtime()
	if err != nil {
		return withCode(exitInvalid, err)
	}
	flags := cmd.Flags()
	if flags.Changed("max-parallel") {
		cfg.MaxParallelExecutions = f.maxParallel
	}
	if flags.Changed("fail-fast") {
		cfg.FailFast = f.failFast
	}
	if flags.Changed("fail-on-error") {
		opts.FailOnError = f.failOnError
	}
	if flags.Changed("launch-rate") {
		cfg.LaunchRate = f.launchRate
	}

	ropts := []pipeline.RunnerOption{pipeline.WithLogger(a.logger.ForPipeline(l.pipeline.Name, path))}
	if m, err := telemetry.NewMetrics(otel.Meter("aleutian.flow")); err == nil {
		ropts = append(ropts, pipeline.WithMetrics(m))
	} else {
		a.log().Warn("metrics disabled", slog.String("error", err.Error()))
	}

	// The run gets its own context so an interrupt cancels it through the
	// handle and the result records why.
	run := pipeline.NewRunner(cfg, opts, ropts...).Start(context.WithoutCancel(ctx), l.pipeline)
	stop := context.AfterFunc(ctx, func() { run.Cancel("interrupted") })
	res := run.Wait()
	stop()

	if f.reportPath != "" {
		if err := report.Save(res, f.reportPath); err != nil {
			return err
		}
	}
	if a.jsonOut {
		if err := a.printJSON(res); err != nil {
			return err
		}
	} else if err := report.Render(a.stdout, res, report.RenderOptions{Color: colorEnabled(a.stdout), Details: f.details}); err != nil {
		return err
	}

	switch res.Status {
	case execctx.StatusCompleted:
		return nil
	case execctx.StatusCancelled:
		return withCode(exitCancelled, res.Err())
	default:
		if errors.Is(res.Err(), pipeline.ErrValidationFailed) {
			return withCode(exitInvalid, res.Err())
		}
		return withCode(exitFailed, fmt.Errorf("%w: %w", errRunFailed, res.Err()))
	}
}

// startTelemetry installs the providers described by tcfg. The default
// Prometheus reader is only installed when there is an address to serve
// it on or OTEL_METRICS_EXPORTER asks for it.
func (a *app) startTelemetry(ctx context.Context, metricsAddr string, tcfg telemetry.Config) (func(), error) {
	if tcfg.MetricExporter == telemetry.ExporterPrometheus && metricsAddr == "" && os.Getenv("OTEL_METRICS_EXPORTER") == "" {
		tcfg.MetricExporter = telemetry.ExporterNone
	}
	shutdownProviders, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return nil, err
	}

	var srv *http.Server
	if metricsAddr != "" {
		handler := telemetry.MetricsHandler()
		if handler == nil {
			_ = shutdownProviders(ctx)
			return nil, fmt.Errorf("--metrics-addr needs the prometheus exporter, got %q", tcfg.MetricExporter)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log().Error("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
		a.log().Info("serving metrics", slog.String("addr", metricsAddr))
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
		if err := shutdownProviders(ctx); err != nil {
			a.log().Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}, nil
}

func newShowCmd(a *app) *cobra.Command {
	var details bool
	cmd := &cobra.Command{
		Use:   "show <report>",
		Short: "Render a saved run report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := report.Load(args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(rep)
			}
			return report.Render(a.stdout, rep.Result, report.RenderOptions{Color: colorEnabled(a.stdout), Details: details})
		},
	}
	cmd.Flags().BoolVar(&details, "details", false, "show unit warnings and information")
	return cmd
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads declarative pipeline documents and builds pipelines
// from them.
//
// Documents are YAML. Parse decodes and validates one, applying the
// overlay of the selected environment. Build turns a document into a
// pipeline.Pipeline, creating commands through the factories of a
// Registry. FromPlan goes the other way, describing a planned scope as a
// document.
//
// Thread Safety:
//
//	Documents are plain values. Registry is safe for concurrent use.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
	"github.com/AleutianAI/AleutianFlow/services/flow/value"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxDocumentSize is the largest document Load and Parse accept (1MB).
	MaxDocumentSize = 1024 * 1024

	// EnvVar names the environment variable Load reads when no environment
	// is given.
	EnvVar = "FLOW_ENV"
)

// =============================================================================
// Metrics
// =============================================================================

var (
	documentLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_document_loads_total",
		Help: "Pipeline documents parsed, by result",
	}, []string{"result"})

	documentLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flow_document_load_duration_seconds",
		Help:    "Duration of pipeline document parsing and validation",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})
)

var tracer = otel.Tracer("aleutian.flow.config")

// =============================================================================
// Validator
// =============================================================================

// docValidate checks struct tags of documents. Enum tags reuse the unit
// package parsers so documents and code accept the same spellings.
var docValidate *validator.Validate

func init() {
	docValidate = validator.New()
	_ = docValidate.RegisterValidation("strategy", enumValidator(func(s string) error { _, err := unit.ParseStrategy(s); return err }))
	_ = docValidate.RegisterValidation("profile", enumValidator(func(s string) error { _, err := unit.ParseProfile(s); return err }))
	_ = docValidate.RegisterValidation("category", enumValidator(func(s string) error { _, err := unit.ParseCategory(s); return err }))
	_ = docValidate.RegisterValidation("priority", enumValidator(func(s string) error { _, err := unit.ParsePriority(s); return err }))
	_ = docValidate.RegisterValidation("deptype", enumValidator(func(s string) error { _, err := unit.ParseDependencyType(s); return err }))
}

func enumValidator(parse func(string) error) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return parse(fl.Field().String()) == nil
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load reads and parses the document at path.
//
// Description:
//
//	env selects the environment overlay. When env is empty the FLOW_ENV
//	environment variable is used; when both are empty no overlay applies.
//
// Outputs:
//
//	*Document - The validated document with the overlay applied.
//	error - ErrDocumentTooLarge, ErrInvalidDocument, ErrUnknownEnvironment,
//	        or the file system error.
func Load(path, env string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pipeline document: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading pipeline document: %w", err)
	}
	if env == "" {
		env = os.Getenv(EnvVar)
	}
	doc, err := Parse(data, env)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Debug("pipeline document loaded",
		slog.String("path", path),
		slog.String("pipeline", doc.Name),
		slog.String("environment", env),
	)
	return doc, nil
}

// Parse decodes and validates a document and applies the overlay of env.
// Unknown keys are rejected.
func Parse(data []byte, env string) (*Document, error) {
	_, span := tracer.Start(context.Background(), "config.Parse")
	defer span.End()
	span.SetAttributes(attribute.Int("document_size", len(data)), attribute.String("environment", env))

	start := time.Now()
	defer func() { documentLoadDuration.Observe(time.Since(start).Seconds()) }()

	doc, err := parse(data, env)
	if err != nil {
		documentLoads.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, err
	}
	documentLoads.WithLabelValues("ok").Inc()
	return doc, nil
}

func parse(data []byte, env string) (*Document, error) {
	if len(data) > MaxDocumentSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrDocumentTooLarge, len(data), MaxDocumentSize)
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	if env != "" {
		if err := doc.applyEnvironment(env); err != nil {
			return nil, err
		}
		doc.Env = env
	}
	if err := docValidate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &doc, nil
}

// applyEnvironment merges the overlay of env into d.
func (d *Document) applyEnvironment(env string) error {
	overlay, ok := d.Environments[env]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}
	if len(overlay.Variables) > 0 {
		merged := make(map[string]value.Value, len(d.Variables)+len(overlay.Variables))
		for k, v := range d.Variables {
			merged[k] = v
		}
		for k, v := range overlay.Variables {
			merged[k] = v
		}
		d.Variables = merged
	}
	if overlay.Settings.Kind != 0 {
		if err := overlay.Settings.Decode(&d.Settings); err != nil {
			return fmt.Errorf("%w: environment %q settings: %v", ErrInvalidDocument, env, err)
		}
	}
	return nil
}

// Marshal encodes d as YAML.
func Marshal(d *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("encoding pipeline document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding pipeline document: %w", err)
	}
	return buf.Bytes(), nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
	"github.com/AleutianAI/AleutianFlow/services/flow/value"
)

// =============================================================================
// Document Types
// =============================================================================

// Document is the declarative description of a pipeline.
//
// Units of every kind share one id namespace. Behaviors list the commands
// they contain, aggregators list behaviors and commands. Units that no
// group contains, and that are nobody's fallback, form the top level of the
// pipeline, in document order: aggregators, then behaviors, then commands.
type Document struct {
	Name         string                 `yaml:"name" validate:"required"`
	Version      string                 `yaml:"version,omitempty"`
	Variables    map[string]value.Value `yaml:"variables,omitempty"`
	Settings     Settings               `yaml:"settings,omitempty"`
	Commands     []CommandSpec          `yaml:"commands,omitempty" validate:"dive"`
	Behaviors    []BehaviorSpec         `yaml:"behaviors,omitempty" validate:"dive"`
	Aggregators  []AggregatorSpec       `yaml:"aggregators,omitempty" validate:"dive"`
	Environments map[string]Environment `yaml:"environments,omitempty"`

	// Env is the environment overlay applied by Load or Parse, if any.
	Env string `yaml:"-"`
}

// Settings are the pipeline-wide knobs.
type Settings struct {
	// ExecutionStrategy applies to the top-level units.
	ExecutionStrategy     string     `yaml:"executionStrategy,omitempty" validate:"omitempty,strategy"`
	MaxParallelExecutions int        `yaml:"maxParallelExecutions,omitempty" validate:"gte=0"`
	FailOnError           *bool      `yaml:"failOnError,omitempty"`
	FailFast              bool       `yaml:"failFast,omitempty"`
	Profile               string     `yaml:"profile,omitempty" validate:"omitempty,profile"`
	Retry                 *RetrySpec `yaml:"retry,omitempty"`
	LaunchRate            float64    `yaml:"launchRate,omitempty" validate:"gte=0"`
	LaunchBurst           int        `yaml:"launchBurst,omitempty" validate:"gte=0"`

	Telemetry *TelemetrySpec `yaml:"telemetry,omitempty"`
}

// TelemetrySpec selects exporters for runs of the document. OTEL_*
// environment variables take precedence over these values.
type TelemetrySpec struct {
	TraceExporter    string   `yaml:"traceExporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`
	MetricExporter   string   `yaml:"metricExporter,omitempty" validate:"omitempty,oneof=prometheus stdout none"`
	OTLPEndpoint     string   `yaml:"otlpEndpoint,omitempty" validate:"omitempty,hostname_port"`
	OTLPInsecure     *bool    `yaml:"otlpInsecure,omitempty"`
	SampleRatio      *float64 `yaml:"sampleRatio,omitempty" validate:"omitempty,gte=0,lte=1"`
	ExportIntervalMs int64    `yaml:"exportIntervalMs,omitempty" validate:"gte=0"`
}

// Environment overlays variables and settings for one deployment target.
// Only the settings keys present in the overlay replace base values.
type Environment struct {
	Variables map[string]value.Value `yaml:"variables,omitempty"`
	Settings  yaml.Node              `yaml:"settings,omitempty"`
}

// RetrySpec is the document form of unit.RetryPolicy.
type RetrySpec struct {
	MaxRetries        int     `yaml:"maxRetries" validate:"gte=0"`
	DelayMs           int64   `yaml:"delayMs,omitempty" validate:"gte=0"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier,omitempty" validate:"gte=0"`
	MaxDelayMs        int64   `yaml:"maxDelayMs,omitempty" validate:"gte=0"`
}

// Policy converts the retry block into a unit policy.
func (r RetrySpec) Policy() unit.RetryPolicy {
	return unit.RetryPolicy{
		MaxRetries:        r.MaxRetries,
		Delay:             time.Duration(r.DelayMs) * time.Millisecond,
		BackoffMultiplier: r.BackoffMultiplier,
		MaxDelay:          time.Duration(r.MaxDelayMs) * time.Millisecond,
	}
}

func retrySpecOf(p unit.RetryPolicy) *RetrySpec {
	return &RetrySpec{
		MaxRetries:        p.MaxRetries,
		DelayMs:           p.Delay.Milliseconds(),
		BackoffMultiplier: p.BackoffMultiplier,
		MaxDelayMs:        p.MaxDelay.Milliseconds(),
	}
}

// UnitSpec holds the fields shared by every kind of unit.
type UnitSpec struct {
	ID           string                     `yaml:"id" validate:"required"`
	Name         string                     `yaml:"name,omitempty"`
	Category     string                     `yaml:"category,omitempty" validate:"omitempty,category"`
	Priority     string                     `yaml:"priority,omitempty" validate:"omitempty,priority"`
	Parallel     *bool                      `yaml:"parallel,omitempty"`
	Optional     bool                       `yaml:"optional,omitempty"`
	TimeoutMs    int64                      `yaml:"timeoutMs,omitempty" validate:"gte=0"`
	EstimateMs   int64                      `yaml:"estimateMs,omitempty" validate:"gte=0"`
	Profile      string                     `yaml:"profile,omitempty" validate:"omitempty,profile"`
	Retry        *RetrySpec                 `yaml:"retry,omitempty"`
	Resources    *unit.ResourceRequirements `yaml:"resources,omitempty"`
	Fallback     string                     `yaml:"fallback,omitempty"`
	Dependencies []DependencySpec           `yaml:"dependencies,omitempty" validate:"dive"`
}

// CommandSpec describes a leaf command.
type CommandSpec struct {
	UnitSpec `yaml:",inline"`

	// Type selects the Factory in the Registry.
	Type   string `yaml:"type" validate:"required"`
	Params Params `yaml:"params,omitempty"`
}

// BehaviorSpec describes a group of commands.
type BehaviorSpec struct {
	UnitSpec          `yaml:",inline"`
	ExecutionStrategy string   `yaml:"executionStrategy,omitempty" validate:"omitempty,strategy"`
	Commands          []string `yaml:"commands"`
}

// AggregatorSpec describes a group of behaviors and commands.
type AggregatorSpec struct {
	UnitSpec          `yaml:",inline"`
	ExecutionStrategy string   `yaml:"executionStrategy,omitempty" validate:"omitempty,strategy"`
	Behaviors         []string `yaml:"behaviors,omitempty"`
	Commands          []string `yaml:"commands,omitempty"`
}

// DependencySpec is one declared edge. In YAML it is either the target id,
// meaning a required execution dependency, or a mapping.
type DependencySpec struct {
	ID        string `yaml:"id" validate:"required"`
	Type      string `yaml:"type,omitempty" validate:"omitempty,deptype"`
	Required  *bool  `yaml:"required,omitempty"`
	Condition string `yaml:"condition,omitempty"`
}

// UnmarshalYAML accepts the scalar shorthand.
func (d *DependencySpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*d = DependencySpec{ID: node.Value}
		return nil
	}
	type plain DependencySpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = DependencySpec(p)
	return nil
}

// MarshalYAML writes plain required execution edges in shorthand.
func (d DependencySpec) MarshalYAML() (any, error) {
	dep, err := d.Dependency()
	if err == nil && dep.Type == unit.DependencyExecution && dep.Required && dep.Condition == "" {
		return d.ID, nil
	}
	type plain DependencySpec
	return plain(d), nil
}

// Dependency converts the YAML edge. Edges are required unless stated.
func (d DependencySpec) Dependency() (unit.Dependency, error) {
	t := unit.DependencyExecution
	if d.Type != "" {
		parsed, err := unit.ParseDependencyType(d.Type)
		if err != nil {
			return unit.Dependency{}, err
		}
		t = parsed
	}
	required := true
	if d.Required != nil {
		required = *d.Required
	}
	return unit.Dependency{Target: d.ID, Type: t, Required: required, Condition: d.Condition}, nil
}

// Descriptor converts the shared fields.
func (u UnitSpec) Descriptor() (unit.Descriptor, error) {
	d := unit.Descriptor{
		ID:        u.ID,
		Name:      u.Name,
		Parallel:  true,
		Optional:  u.Optional,
		Timeout:   time.Duration(u.TimeoutMs) * time.Millisecond,
		Estimate:  time.Duration(u.EstimateMs) * time.Millisecond,
		Resources: u.Resources,
	}
	if u.Parallel != nil {
		d.Parallel = *u.Parallel
	}
	var err error
	if u.Category != "" {
		if d.Category, err = unit.ParseCategory(u.Category); err != nil {
			return d, fmt.Errorf("unit %q: %w", u.ID, err)
		}
	}
	if u.Priority != "" {
		if d.Priority, err = unit.ParsePriority(u.Priority); err != nil {
			return d, fmt.Errorf("unit %q: %w", u.ID, err)
		}
	} else {
		d.Priority = unit.PriorityNormal
	}
	if u.Profile != "" {
		if d.Profile, err = unit.ParseProfile(u.Profile); err != nil {
			return d, fmt.Errorf("unit %q: %w", u.ID, err)
		}
	}
	for _, ds := range u.Dependencies {
		dep, err := ds.Dependency()
		if err != nil {
			return d, fmt.Errorf("unit %q: %w", u.ID, err)
		}
		d.Dependencies = append(d.Dependencies, dep)
	}
	return d, nil
}

// Strategy returns the top-level execution strategy. Sequential when unset.
func (s Settings) Strategy() (unit.Strategy, error) {
	return parseStrategy(s.ExecutionStrategy)
}

func parseStrategy(s string) (unit.Strategy, error) {
	if s == "" {
		return unit.StrategySequential, nil
	}
	return unit.ParseStrategy(s)
}

// =============================================================================
// Params
// =============================================================================

// Params are the free-form settings of one command.
type Params map[string]value.Value

// Value returns the raw value at key.
func (p Params) Value(key string) (value.Value, bool) {
	v, ok := p[key]
	return v, ok
}

// String returns the string at key, or def when absent.
func (p Params) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v.IsNull() {
		return def, nil
	}
	s, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("%w: %q is %s, want string", ErrParamType, key, v.Kind())
	}
	return s, nil
}

// RequiredString returns the string at key.
func (p Params) RequiredString(key string) (string, error) {
	if _, ok := p[key]; !ok {
		return "", fmt.Errorf("%w: %q", ErrMissingParam, key)
	}
	return p.String(key, "")
}

// Number returns the number at key, or def when absent.
func (p Params) Number(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v.IsNull() {
		return def, nil
	}
	n, ok := v.AsNumber()
	if !ok {
		return 0, fmt.Errorf("%w: %q is %s, want number", ErrParamType, key, v.Kind())
	}
	return n, nil
}

// Duration reads a millisecond count at key, or def when absent.
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v.IsNull() {
		return def, nil
	}
	if s, ok := v.AsString(); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrParamType, key, err)
		}
		return d, nil
	}
	n, ok := v.AsNumber()
	if !ok {
		return 0, fmt.Errorf("%w: %q is %s, want milliseconds or a duration string", ErrParamType, key, v.Kind())
	}
	return time.Duration(n * float64(time.Millisecond)), nil
}

// Map returns the map at key, or nil when absent.
func (p Params) Map(key string) (map[string]value.Value, error) {
	v, ok := p[key]
	if !ok || v.IsNull() {
		return nil, nil
	}
	m, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("%w: %q is %s, want map", ErrParamType, key, v.Kind())
	}
	return m, nil
}

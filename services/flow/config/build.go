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
	"os"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/executor"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
)

// Build creates the pipeline described by doc.
//
// Description:
//
//	Commands are created through reg. Behaviors and aggregators become
//	pipeline groups containing the units they list, in order. A unit with
//	a fallback is paired with it inside the group that contains the
//	unit. Every unit may have at most one place in the tree.
//
// Outputs:
//
//	*pipeline.Pipeline - The pipeline. Its structure is not validated here;
//	                     the runner validates before executing.
//	error - ErrDuplicateID, ErrUnknownReference, ErrUnitReused,
//	        ErrNestingCycle, ErrUnknownCommandType, or a factory error.
func Build(doc *Document, reg *Registry) (*pipeline.Pipeline, error) {
	b := &builder{
		doc:      doc,
		reg:      reg,
		kinds:    make(map[string]string),
		built:    make(map[string]unit.Unit),
		building: make(map[string]bool),
		placed:   make(map[string]string),
	}
	if err := b.index(); err != nil {
		return nil, err
	}

	for _, a := range doc.Aggregators {
		if _, err := b.unit(a.ID); err != nil {
			return nil, err
		}
	}
	for _, bh := range doc.Behaviors {
		if _, err := b.unit(bh.ID); err != nil {
			return nil, err
		}
	}
	for _, c := range doc.Commands {
		if _, err := b.unit(c.ID); err != nil {
			return nil, err
		}
	}

	strategy, err := doc.Settings.Strategy()
	if err != nil {
		return nil, err
	}
	// Fallbacks of top-level units are placed with their primary.
	topFallback := make(map[string]bool)
	for _, id := range b.order {
		if _, ok := b.placed[id]; !ok {
			if fb := b.spec(id).Fallback; fb != "" {
				topFallback[fb] = true
			}
		}
	}
	var top []string
	for _, id := range b.order {
		if _, ok := b.placed[id]; !ok && !topFallback[id] {
			top = append(top, id)
		}
	}
	members, fallbacks, err := b.members(doc.Name, top)
	if err != nil {
		return nil, err
	}

	p := pipeline.New(doc.Name, doc.Version, strategy, members...)
	for primary, fb := range fallbacks {
		p.Root = p.Root.WithFallback(primary, fb)
	}
	if len(doc.Variables) > 0 {
		p = p.WithVariables(doc.Variables)
	}
	return p, nil
}

// Runtime returns the engine knobs and runner options described by the
// settings.
func (d *Document) Runtime() (executor.Config, pipeline.Options, error) {
	s := d.Settings
	cfg := executor.DefaultConfig()
	if s.MaxParallelExecutions > 0 {
		cfg.MaxParallelExecutions = s.MaxParallelExecutions
	}
	cfg.FailFast = s.FailFast
	cfg.LaunchRate = s.LaunchRate
	cfg.LaunchBurst = s.LaunchBurst

	opts := pipeline.DefaultOptions()
	if s.FailOnError != nil {
		opts.FailOnError = *s.FailOnError
	}
	if s.Profile != "" {
		profile, err := unit.ParseProfile(s.Profile)
		if err != nil {
			return cfg, opts, err
		}
		opts.Profile = profile
	}
	if s.Retry != nil {
		p := s.Retry.Policy()
		opts.Retry = &p
	}
	return cfg, opts, nil
}

// Telemetry returns the telemetry config for runs of d loaded from path.
// The resource names the pipeline and the applied environment. Values in
// settings.telemetry replace the defaults unless the matching OTEL_*
// variable is set.
func (d *Document) Telemetry(path string) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Pipeline = d.Name
	cfg.PipelineVersion = d.Version
	cfg.Document = path
	if d.Env != "" {
		cfg.Environment = d.Env
	}

	t := d.Settings.Telemetry
	if t == nil {
		return cfg
	}
	unlessEnv := func(key, v string, dst *string) {
		if v != "" && os.Getenv(key) == "" {
			*dst = v
		}
	}
	unlessEnv("OTEL_TRACES_EXPORTER", t.TraceExporter, &cfg.TraceExporter)
	unlessEnv("OTEL_METRICS_EXPORTER", t.MetricExporter, &cfg.MetricExporter)
	unlessEnv("OTEL_EXPORTER_OTLP_ENDPOINT", t.OTLPEndpoint, &cfg.OTLPEndpoint)
	if t.OTLPInsecure != nil {
		cfg.OTLPInsecure = *t.OTLPInsecure
	}
	if t.SampleRatio != nil && os.Getenv("OTEL_TRACES_SAMPLER_ARG") == "" {
		cfg.SampleRatio = *t.SampleRatio
	}
	if t.ExportIntervalMs > 0 {
		cfg.ExportInterval = time.Duration(t.ExportIntervalMs) * time.Millisecond
	}
	return cfg
}

const (
	kindCommand    = "command"
	kindBehavior   = "behavior"
	kindAggregator = "aggregator"
)

type builder struct {
	doc *Document
	reg *Registry

	kinds    map[string]string
	order    []string
	built    map[string]unit.Unit
	building map[string]bool

	// placed maps a unit id to the group that contains it.
	placed map[string]string
}

// index records every id with its kind, in top-level order.
func (b *builder) index() error {
	add := func(id, kind string) error {
		if prev, ok := b.kinds[id]; ok {
			return fmt.Errorf("%w: %q is declared as %s and %s", ErrDuplicateID, id, prev, kind)
		}
		b.kinds[id] = kind
		b.order = append(b.order, id)
		return nil
	}
	for _, a := range b.doc.Aggregators {
		if err := add(a.ID, kindAggregator); err != nil {
			return err
		}
	}
	for _, bh := range b.doc.Behaviors {
		if err := add(bh.ID, kindBehavior); err != nil {
			return err
		}
	}
	for _, c := range b.doc.Commands {
		if err := add(c.ID, kindCommand); err != nil {
			return err
		}
	}
	return nil
}

// unit builds id once.
func (b *builder) unit(id string) (unit.Unit, error) {
	if u, ok := b.built[id]; ok {
		return u, nil
	}
	if b.building[id] {
		return nil, fmt.Errorf("%w: %q", ErrNestingCycle, id)
	}
	b.building[id] = true
	defer delete(b.building, id)

	var (
		u   unit.Unit
		err error
	)
	switch b.kinds[id] {
	case kindCommand:
		u, err = b.reg.NewCommand(b.command(id))
	case kindBehavior:
		u, err = b.behavior(id)
	case kindAggregator:
		u, err = b.aggregator(id)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownReference, id)
	}
	if err != nil {
		return nil, err
	}
	b.built[id] = u
	return u, nil
}

func (b *builder) command(id string) CommandSpec {
	for _, c := range b.doc.Commands {
		if c.ID == id {
			return c
		}
	}
	return CommandSpec{}
}

func (b *builder) spec(id string) UnitSpec {
	switch b.kinds[id] {
	case kindCommand:
		return b.command(id).UnitSpec
	case kindBehavior:
		for _, bh := range b.doc.Behaviors {
			if bh.ID == id {
				return bh.UnitSpec
			}
		}
	case kindAggregator:
		for _, a := range b.doc.Aggregators {
			if a.ID == id {
				return a.UnitSpec
			}
		}
	}
	return UnitSpec{}
}

func (b *builder) behavior(id string) (unit.Unit, error) {
	var spec BehaviorSpec
	for _, bh := range b.doc.Behaviors {
		if bh.ID == id {
			spec = bh
		}
	}
	if err := b.expectKind(id, spec.Commands, kindCommand); err != nil {
		return nil, err
	}
	return b.group(id, spec.UnitSpec, spec.ExecutionStrategy, spec.Commands, false)
}

func (b *builder) aggregator(id string) (unit.Unit, error) {
	var spec AggregatorSpec
	for _, a := range b.doc.Aggregators {
		if a.ID == id {
			spec = a
		}
	}
	if err := b.expectKind(id, spec.Behaviors, kindBehavior); err != nil {
		return nil, err
	}
	if err := b.expectKind(id, spec.Commands, kindCommand); err != nil {
		return nil, err
	}
	ids := append(append([]string(nil), spec.Behaviors...), spec.Commands...)
	return b.group(id, spec.UnitSpec, spec.ExecutionStrategy, ids, true)
}

func (b *builder) expectKind(parent string, ids []string, kind string) error {
	for _, id := range ids {
		if b.kinds[id] != kind {
			return fmt.Errorf("%w: %q lists %q, which is not a %s", ErrUnknownReference, parent, id, kind)
		}
	}
	return nil
}

func (b *builder) group(id string, spec UnitSpec, strategy string, ids []string, aggregator bool) (unit.Unit, error) {
	desc, err := spec.Descriptor()
	if err != nil {
		return nil, err
	}
	st, err := parseStrategy(strategy)
	if err != nil {
		return nil, fmt.Errorf("unit %q: %w", id, err)
	}
	members, fallbacks, err := b.members(id, ids)
	if err != nil {
		return nil, err
	}

	var g *pipeline.Group
	if aggregator {
		g = pipeline.NewAggregator(desc, st, members...)
	} else {
		g = pipeline.NewBehavior(desc, st, members...)
	}
	if spec.Retry != nil {
		g = g.WithRetry(spec.Retry.Policy())
	}
	for primary, fb := range fallbacks {
		g = g.WithFallback(primary, fb)
	}
	return g, nil
}

// members builds ids as the children of parent, with their fallbacks.
func (b *builder) members(parent string, ids []string) ([]unit.Unit, map[string]unit.Unit, error) {
	members := make([]unit.Unit, 0, len(ids))
	fallbacks := make(map[string]unit.Unit)
	for _, id := range ids {
		if err := b.place(id, parent); err != nil {
			return nil, nil, err
		}
		u, err := b.unit(id)
		if err != nil {
			return nil, nil, err
		}
		members = append(members, u)

		fbID := b.spec(id).Fallback
		if fbID == "" {
			continue
		}
		if _, ok := b.kinds[fbID]; !ok {
			return nil, nil, fmt.Errorf("%w: %q falls back to unknown %q", ErrUnknownReference, id, fbID)
		}
		if err := b.place(fbID, parent); err != nil {
			return nil, nil, err
		}
		fb, err := b.unit(fbID)
		if err != nil {
			return nil, nil, err
		}
		fallbacks[id] = fb
	}
	return members, fallbacks, nil
}

func (b *builder) place(id, parent string) error {
	if prev, ok := b.placed[id]; ok && prev != parent {
		return fmt.Errorf("%w: %q is in both %q and %q", ErrUnitReused, id, prev, parent)
	} else if ok {
		return fmt.Errorf("%w: %q appears twice in %q", ErrUnitReused, id, parent)
	}
	b.placed[id] = parent
	return nil
}

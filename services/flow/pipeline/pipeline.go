// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline composes units into a runnable hierarchy and runs it.
//
// A Pipeline is a tree of Groups. Each Group owns one scope: its members
// are resolved into phases, planned and executed by the executor package,
// and their results fold into the group's result. Runner drives a whole
// pipeline through its lifecycle: initializing, validating, planning,
// executing and cleaning up, recording every transition on the run's
// execution context.
package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianFlow/services/flow/planner"
	"github.com/AleutianAI/AleutianFlow/services/flow/result"
	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
	"github.com/AleutianAI/AleutianFlow/services/flow/validation"
	"github.com/AleutianAI/AleutianFlow/services/flow/value"
)

// DefaultName is used for pipelines built without a name.
const DefaultName = "pipeline"

// Pipeline is the root of a unit hierarchy.
type Pipeline struct {
	Name    string
	Version string

	// Variables seed the shared data of every run.
	Variables map[string]value.Value

	// Root holds the top-level units.
	Root *Group
}

// New creates a pipeline whose top-level units run under strategy.
func New(name, version string, strategy unit.Strategy, units ...unit.Unit) *Pipeline {
	if name == "" {
		name = DefaultName
	}
	root := newGroup(result.LevelPipeline, unit.Descriptor{ID: name, Name: name}, strategy, units)
	return &Pipeline{Name: name, Version: version, Root: root}
}

// WithVariables returns a copy of p whose runs start with vars as shared
// data.
func (p *Pipeline) WithVariables(vars map[string]value.Value) *Pipeline {
	c := *p
	c.Variables = make(map[string]value.Value, len(vars))
	for k, v := range vars {
		c.Variables[k] = v
	}
	return &c
}

// Path returns the scope path of the top-level units.
func (p *Pipeline) Path() string {
	return p.Root.Meta.ID
}

// Validate checks every scope of the pipeline.
func (p *Pipeline) Validate() validation.Report {
	return validation.Validate(p.Root.validationScope(p.Path()))
}

// Plans resolves and plans every scope of the pipeline.
//
// Description:
//
//	Scopes are keyed by path: the pipeline name for the top level, then
//	slash-separated unit ids for nested groups. Members that leave their
//	profile or retry policy unset inherit them from the enclosing scope,
//	starting from opts.
//
// Outputs:
//
//	map[string]*planner.Plan - One plan per scope.
//	error - ErrPlanningFailed wrapping the first planner error, such as a
//	        *resolver.CycleError. Scopes are planned in path order.
func (p *Pipeline) Plans(opts Options) (map[string]*planner.Plan, error) {
	scopes, err := p.planScopes(opts, planner.New())
	if err != nil {
		return nil, err
	}
	out := make(map[string]*planner.Plan, len(scopes))
	for path, b := range scopes {
		out[path] = b.plan
	}
	return out, nil
}

func (p *Pipeline) planScopes(opts Options, pl *planner.Planner) (map[string]boundScope, error) {
	if p == nil || p.Root == nil {
		return nil, ErrNilPipeline
	}
	scopes := make(map[string]boundScope)
	p.Root.bind(p.Path(), opts.Profile, opts.Retry, scopes)

	paths := make([]string, 0, len(scopes))
	for path := range scopes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var errs []error
	for _, path := range paths {
		b := scopes[path]
		plan, err := pl.Plan(b.scope.PlanScope())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.plan = plan
		scopes[path] = b
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrPlanningFailed, errors.Join(errs...))
	}
	return scopes, nil
}

// Options tune a Runner.
type Options struct {
	// FailOnError refuses to execute a pipeline whose validation report
	// holds errors.
	FailOnError bool `yaml:"failOnError"`

	// Profile is the default profile of the top-level scope.
	// ProfileInherit means Standard.
	Profile unit.Profile `yaml:"-"`

	// Retry, when set, is the retry policy inherited by every unit that
	// does not set its own.
	Retry *unit.RetryPolicy `yaml:"-"`
}

// DefaultOptions returns Options with FailOnError set.
func DefaultOptions() Options {
	return Options{FailOnError: true}
}

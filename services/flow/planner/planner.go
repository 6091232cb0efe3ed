// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planner turns a phase partition into an execution plan.
//
// A phase runs in parallel only when the scope strategy is Parallel and
// every member declares Parallel. Parallel phases are estimated by the
// slowest member and sequential phases by the sum of their members. Each
// unit's timeout, retry policy and resources come from its profile preset
// unless the unit or its scope overrides them.
package planner

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFlow/services/flow/resolver"
	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
)

// Scope is the input of one planning pass: the units of one nesting level.
type Scope struct {
	// Path identifies the scope, e.g. "pipeline/ingest/fetch".
	Path string

	Strategy unit.Strategy

	// Profile is the default for units that inherit. ProfileInherit means
	// Standard.
	Profile unit.Profile

	// Retry overrides the profile retry policy for every unit of the scope
	// that does not set its own.
	Retry *unit.RetryPolicy

	// Units are the schedulable units after fallback collapse.
	Units []unit.Descriptor

	// Fallbacks maps a primary id to its fallback unit.
	Fallbacks map[string]unit.Descriptor
}

// Planner builds plans. The zero value is not usable; call New.
type Planner struct {
	now   func() time.Time
	newID func() string
}

// Option configures a Planner.
type Option func(*Planner)

// WithClock sets the time source for GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// WithIDSource sets the generator of plan execution ids.
func WithIDSource(newID func() string) Option {
	return func(p *Planner) { p.newID = newID }
}

// New creates a Planner.
func New(opts ...Option) *Planner {
	p := &Planner{now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan resolves the scope and builds its plan.
//
// Outputs:
//
//	*Plan - The plan. Nil on error.
//	error - Resolution errors, including *resolver.CycleError.
func (p *Planner) Plan(scope Scope) (*Plan, error) {
	partition, err := resolver.Resolve(scope.Units)
	if err != nil {
		return nil, fmt.Errorf("planning %s: %w", scope.Path, err)
	}
	return p.Build(scope, partition)
}

// Build creates the plan of scope from an existing partition.
//
// Description:
//
//	Resolves the per-unit policy, then derives each phase's parallel flag,
//	estimate, timeout, retry budget, optionality and resource totals from
//	its members.
//
// Inputs:
//
//	scope - The scope the partition was computed from.
//	partition - Output of resolver.Resolve for scope.Units.
//
// Outputs:
//
//	*Plan - The plan.
//	error - Non-nil if the partition names a unit that is not in scope.
func (p *Planner) Build(scope Scope, partition resolver.Partition) (*Plan, error) {
	index := make(map[string]unit.Descriptor, len(scope.Units))
	for _, d := range scope.Units {
		index[d.ID] = d
	}

	plan := &Plan{
		ExecutionID: p.newID(),
		Scope:       scope.Path,
		Strategy:    scope.Strategy.String(),
		Profile:     Effective(scope.Profile).String(),
		GeneratedAt: p.now().UTC(),
	}

	for number, ids := range partition {
		members := make([]PlannedUnit, 0, len(ids))
		for _, id := range ids {
			d, ok := index[id]
			if !ok {
				return nil, fmt.Errorf("planning %s: phase %d names unknown unit %q", scope.Path, number, id)
			}
			pu := p.plannedUnit(scope, d, number)
			if fb, ok := scope.Fallbacks[id]; ok {
				pu.Fallback = fb.ID
			}
			members = append(members, pu)
		}
		phase := buildPhase(number, ids, members, scope.Strategy)
		plan.Phases = append(plan.Phases, phase)
		plan.Units = append(plan.Units, members...)
		plan.EstimatedDuration += phase.Estimated
	}

	for _, d := range scope.Units {
		for _, dep := range d.Dependencies {
			plan.Dependencies = append(plan.Dependencies, PlannedDependency{
				From:      d.ID,
				To:        dep.Target,
				Type:      dep.Type.String(),
				Required:  dep.Required,
				Condition: dep.Condition,
			})
		}
	}
	return plan, nil
}

// ResolvePolicy returns the effective policy, resources, profile and
// estimate of one unit within scope.
func ResolvePolicy(scope Scope, d unit.Descriptor) (Policy, unit.ResourceRequirements, unit.Profile, time.Duration) {
	profile := Effective(d.Profile, scope.Profile)
	preset := PresetFor(profile)

	policy := Policy{Timeout: preset.Timeout, Retry: preset.Retry}
	if d.Timeout > 0 {
		policy.Timeout = d.Timeout
	}
	switch {
	case d.Retry != nil:
		policy.Retry = *d.Retry
	case scope.Retry != nil:
		policy.Retry = *scope.Retry
	}

	resources := preset.Resources
	if d.Resources != nil {
		resources = *d.Resources
	}

	estimate := preset.Estimate
	if d.Estimate > 0 {
		estimate = d.Estimate
	}
	return policy, resources, profile, estimate
}

func (p *Planner) plannedUnit(scope Scope, d unit.Descriptor, phase int) PlannedUnit {
	policy, resources, profile, estimate := ResolvePolicy(scope, d)
	return PlannedUnit{
		ID:        d.ID,
		Name:      d.DisplayName(),
		Category:  d.Category.String(),
		Priority:  d.Priority.String(),
		Parallel:  d.Parallel,
		Optional:  d.Optional,
		Phase:     phase,
		Estimate:  estimate,
		Profile:   profile.String(),
		Resources: resources,
		Policy:    policy,
	}
}

func buildPhase(number int, ids []string, members []PlannedUnit, strategy unit.Strategy) Phase {
	phase := Phase{
		Number:   number,
		Units:    append([]string(nil), ids...),
		Parallel: strategy == unit.StrategyParallel,
		Optional: len(members) > 0,
	}
	for _, m := range members {
		phase.Parallel = phase.Parallel && m.Parallel
		phase.Optional = phase.Optional && m.Optional
		phase.Timeout = max(phase.Timeout, m.Policy.Timeout)
		phase.MaxRetries = max(phase.MaxRetries, m.Policy.Retry.MaxRetries)
		phase.RetryDelay = max(phase.RetryDelay, m.Policy.Retry.Delay)
	}
	for _, m := range members {
		if phase.Parallel {
			phase.Estimated = max(phase.Estimated, m.Estimate)
			phase.Resources = phase.Resources.Plus(m.Resources)
		} else {
			phase.Estimated += m.Estimate
			phase.Resources = phase.Resources.Max(m.Resources)
		}
	}
	return phase
}

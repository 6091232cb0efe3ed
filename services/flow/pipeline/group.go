// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/executor"
	"github.com/AleutianAI/AleutianFlow/services/flow/planner"
	"github.com/AleutianAI/AleutianFlow/services/flow/result"
	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
	"github.com/AleutianAI/AleutianFlow/services/flow/validation"
)

// Group is a composite unit that owns a nested scope. Behaviors group
// commands, aggregators group behaviors and commands, and the root of a
// Pipeline is a Group at pipeline level.
//
// The embedded descriptor describes the group as a member of its parent
// scope. Strategy, Retry and Meta.Profile describe the nested scope: members
// that leave their profile or retry policy unset inherit them.
//
// # Thread Safety
//
// A Group is immutable once built and may be run concurrently.
type Group struct {
	unit.Base

	level     result.Level
	Strategy  unit.Strategy
	Retry     *unit.RetryPolicy
	Members   []unit.Unit
	Fallbacks map[string]unit.Unit
}

// NewBehavior creates a behavior-level group.
func NewBehavior(meta unit.Descriptor, strategy unit.Strategy, members ...unit.Unit) *Group {
	return newGroup(result.LevelBehavior, meta, strategy, members)
}

// NewAggregator creates an aggregator-level group.
func NewAggregator(meta unit.Descriptor, strategy unit.Strategy, members ...unit.Unit) *Group {
	return newGroup(result.LevelAggregator, meta, strategy, members)
}

func newGroup(level result.Level, meta unit.Descriptor, strategy unit.Strategy, members []unit.Unit) *Group {
	return &Group{
		Base:     unit.Base{Meta: meta},
		level:    level,
		Strategy: strategy,
		Members:  append([]unit.Unit(nil), members...),
	}
}

// WithFallback returns a copy of g in which fb runs when the member
// primaryID fails. Fallbacks only run under StrategyFallback.
func (g *Group) WithFallback(primaryID string, fb unit.Unit) *Group {
	c := g.clone()
	c.Fallbacks[primaryID] = fb
	return c
}

// WithRetry returns a copy of g whose members inherit p.
func (g *Group) WithRetry(p unit.RetryPolicy) *Group {
	c := g.clone()
	c.Retry = &p
	return c
}

func (g *Group) clone() *Group {
	c := *g
	c.Meta = g.Meta.Clone()
	c.Members = append([]unit.Unit(nil), g.Members...)
	c.Fallbacks = make(map[string]unit.Unit, len(g.Fallbacks)+1)
	for id, fb := range g.Fallbacks {
		c.Fallbacks[id] = fb
	}
	return &c
}

// Level implements executor.Composite.
func (g *Group) Level() result.Level { return g.level }

// Scope returns the executor scope at path. profile and retry are the
// values inherited from the enclosing scope.
func (g *Group) Scope(path string, profile unit.Profile, retry *unit.RetryPolicy) executor.Scope {
	if g.Meta.Profile != unit.ProfileInherit {
		profile = g.Meta.Profile
	}
	if g.Retry != nil {
		retry = g.Retry
	}
	return executor.Scope{
		Path:      path,
		Strategy:  g.Strategy,
		Profile:   profile,
		Retry:     retry,
		Units:     g.Members,
		Fallbacks: g.Fallbacks,
	}
}

// Run implements executor.Composite. It runs the members as one scope and
// folds their results.
func (g *Group) Run(ctx context.Context, ex *executor.Executor, ec *execctx.Context) result.Result {
	path := joinPath(pathFrom(ctx), g.Meta.ID)
	bound, ok := scopesFrom(ctx)[path]
	if !ok {
		bound.scope = g.Scope(path, unit.ProfileInherit, nil)
	}

	start := ex.Now()
	plan := bound.plan
	if plan == nil {
		p, err := planner.New().Plan(bound.scope.PlanScope())
		if err != nil {
			return g.failed(start, ex.Now(), err)
		}
		plan = p
	}

	children, err := ex.RunScope(withPath(ctx, path), ec, bound.scope, plan)
	if err != nil {
		return g.failed(start, ex.Now(), err)
	}
	return result.Fold(g.Meta.ID, g.Meta.DisplayName(), g.level, children, start, ex.Now()).
		WithPlan(plan)
}

func (g *Group) failed(start, end time.Time, err error) result.Result {
	return result.New(g.Meta.ID, g.Meta.DisplayName(), g.level).
		WithTiming(start, end).
		WithError(result.StatusFailed, err)
}

// boundScope is a scope with its inherited settings resolved and, once
// planned, its plan.
type boundScope struct {
	scope executor.Scope
	plan  *planner.Plan
}

// bind walks g and its nested groups and records the scope of each under
// its path.
func (g *Group) bind(path string, profile unit.Profile, retry *unit.RetryPolicy, out map[string]boundScope) {
	scope := g.Scope(path, profile, retry)
	out[path] = boundScope{scope: scope}
	for _, u := range g.nested() {
		if child, ok := u.(*Group); ok {
			child.bind(joinPath(path, child.Meta.ID), scope.Profile, scope.Retry, out)
		}
	}
}

// validationScope converts g into the validation view rooted at path.
func (g *Group) validationScope(path string) validation.Scope {
	vs := validation.Scope{
		Path:     path,
		Strategy: g.Strategy,
		Units:    make([]unit.Descriptor, 0, len(g.Members)),
	}
	for _, u := range g.Members {
		vs.Units = append(vs.Units, u.Descriptor())
	}
	if len(g.Fallbacks) > 0 {
		vs.Fallbacks = make(map[string]unit.Descriptor, len(g.Fallbacks))
		for id, fb := range g.Fallbacks {
			vs.Fallbacks[id] = fb.Descriptor()
		}
	}
	for _, u := range g.nested() {
		child, ok := u.(*Group)
		if !ok {
			continue
		}
		if vs.Children == nil {
			vs.Children = make(map[string]validation.Scope)
		}
		id := child.Meta.ID
		vs.Children[id] = child.validationScope(joinPath(path, id))
	}
	return vs
}

// nested returns members followed by fallbacks.
func (g *Group) nested() []unit.Unit {
	out := append([]unit.Unit(nil), g.Members...)
	for _, fb := range g.Fallbacks {
		out = append(out, fb)
	}
	return out
}

type pathKey struct{}
type scopesKey struct{}

func withPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, pathKey{}, path)
}

func pathFrom(ctx context.Context) string {
	p, _ := ctx.Value(pathKey{}).(string)
	return p
}

func withScopes(ctx context.Context, scopes map[string]boundScope) context.Context {
	return context.WithValue(ctx, scopesKey{}, scopes)
}

func scopesFrom(ctx context.Context) map[string]boundScope {
	s, _ := ctx.Value(scopesKey{}).(map[string]boundScope)
	return s
}

func joinPath(parent, id string) string {
	if parent == "" {
		return id
	}
	return parent + "/" + id
}

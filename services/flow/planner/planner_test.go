// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/resolver"
	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
)

var fixed = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestPlanner() *Planner {
	return New(WithClock(func() time.Time { return fixed }), WithIDSource(func() string { return "plan-1" }))
}

func abcScope(strategy unit.Strategy) Scope {
	return Scope{
		Path:     "pipeline",
		Strategy: strategy,
		Units: []unit.Descriptor{
			{ID: "A", Parallel: true, Estimate: 3 * time.Second},
			{ID: "B", Parallel: true, Estimate: time.Second, Dependencies: []unit.Dependency{unit.DependsOn("A")}},
			{ID: "C", Parallel: true, Estimate: 5 * time.Second},
		},
	}
}

func TestPlan_ParallelScope(t *testing.T) {
	plan, err := newTestPlanner().Plan(abcScope(unit.StrategyParallel))
	require.NoError(t, err)

	assert.Equal(t, "plan-1", plan.ExecutionID)
	assert.Equal(t, fixed, plan.GeneratedAt)
	require.Len(t, plan.Phases, 2)
	assert.Equal(t, []string{"A", "C"}, plan.Phases[0].Units)
	assert.True(t, plan.Phases[0].Parallel)
	assert.Equal(t, 5*time.Second, plan.Phases[0].Estimated, "parallel phase takes the max")
	assert.Equal(t, 1, plan.Phases[1].Number)
	assert.Equal(t, 6*time.Second, plan.EstimatedDuration)

	require.Len(t, plan.Dependencies, 1)
	assert.Equal(t, PlannedDependency{From: "B", To: "A", Type: "execution", Required: true}, plan.Dependencies[0])
	assert.Equal(t, resolver.Partition{{"A", "C"}, {"B"}}, plan.Partition())
}

func TestPlan_SequentialScopeNeverParallel(t *testing.T) {
	plan, err := newTestPlanner().Plan(abcScope(unit.StrategySequential))
	require.NoError(t, err)
	assert.False(t, plan.Phases[0].Parallel)
	assert.Equal(t, 8*time.Second, plan.Phases[0].Estimated, "sequential phase takes the sum")
}

func TestPlan_OneSerialMemberMakesPhaseSequential(t *testing.T) {
	scope := abcScope(unit.StrategyParallel)
	scope.Units[2].Parallel = false
	plan, err := newTestPlanner().Plan(scope)
	require.NoError(t, err)
	assert.False(t, plan.Phases[0].Parallel)
}

func TestPlan_PolicyResolution(t *testing.T) {
	scopeRetry := &unit.RetryPolicy{MaxRetries: 5, Delay: 10 * time.Millisecond, BackoffMultiplier: 1}
	scope := Scope{
		Path:     "p",
		Strategy: unit.StrategyParallel,
		Profile:  unit.ProfileMinimal,
		Retry:    scopeRetry,
		Units: []unit.Descriptor{
			{ID: "inherit", Parallel: true},
			{ID: "heavy", Parallel: true, Profile: unit.ProfileAIHeavy, Timeout: time.Minute,
				Retry: &unit.RetryPolicy{MaxRetries: 0}},
			{ID: "custom", Parallel: true, Resources: &unit.ResourceRequirements{CPUCores: 2}},
		},
	}
	plan, err := newTestPlanner().Plan(scope)
	require.NoError(t, err)

	inherit, ok := plan.Unit("inherit")
	require.True(t, ok)
	assert.Equal(t, "minimal", inherit.Profile)
	assert.Equal(t, 30*time.Second, inherit.Policy.Timeout)
	assert.Equal(t, *scopeRetry, inherit.Policy.Retry)

	heavy, _ := plan.Unit("heavy")
	assert.Equal(t, "ai_heavy", heavy.Profile)
	assert.Equal(t, time.Minute, heavy.Policy.Timeout)
	assert.Equal(t, 0, heavy.Policy.Retry.MaxRetries)
	assert.True(t, heavy.Resources.GPU)

	custom, _ := plan.Unit("custom")
	assert.Equal(t, 2.0, custom.Resources.CPUCores)

	phase := plan.Phases[0]
	assert.Equal(t, time.Minute, phase.Timeout)
	assert.Equal(t, 5, phase.MaxRetries)
	assert.True(t, phase.Resources.GPU)
	assert.InDelta(t, 0.5+8+2, phase.Resources.CPUCores, 1e-9, "parallel phases sum resources")
}

func TestPlan_OptionalPhase(t *testing.T) {
	scope := Scope{
		Strategy: unit.StrategySequential,
		Units: []unit.Descriptor{
			{ID: "a", Optional: true},
			{ID: "b", Optional: true, Dependencies: []unit.Dependency{unit.DependsOn("a")}},
			{ID: "c", Dependencies: []unit.Dependency{unit.DependsOn("a")}},
		},
	}
	plan, err := newTestPlanner().Plan(scope)
	require.NoError(t, err)
	assert.True(t, plan.Phases[0].Optional)
	assert.False(t, plan.Phases[1].Optional, "one required member makes the phase required")
}

func TestPlan_Fallbacks(t *testing.T) {
	scope := abcScope(unit.StrategyFallback)
	scope.Fallbacks = map[string]unit.Descriptor{"A": {ID: "A-backup"}}
	plan, err := newTestPlanner().Plan(scope)
	require.NoError(t, err)
	a, _ := plan.Unit("A")
	assert.Equal(t, "A-backup", a.Fallback)
	_, ok := plan.Unit("A-backup")
	assert.False(t, ok, "fallbacks are not scheduled on their own")
}

func TestPlan_Cycle(t *testing.T) {
	scope := Scope{Units: []unit.Descriptor{
		{ID: "a", Dependencies: []unit.Dependency{unit.DependsOn("b")}},
		{ID: "b", Dependencies: []unit.Dependency{unit.DependsOn("a")}},
	}}
	plan, err := newTestPlanner().Plan(scope)
	assert.Nil(t, plan)
	assert.ErrorIs(t, err, resolver.ErrCycleDetected)
}

func TestBuild_UnknownUnit(t *testing.T) {
	_, err := newTestPlanner().Build(Scope{}, resolver.Partition{{"ghost"}})
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	a, err := New().Plan(abcScope(unit.StrategyParallel))
	require.NoError(t, err)
	b, err := New().Plan(abcScope(unit.StrategyParallel))
	require.NoError(t, err)
	assert.NotEqual(t, a.ExecutionID, b.ExecutionID)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)

	c, err := New().Plan(abcScope(unit.StrategySequential))
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestPresetFor_Inherit(t *testing.T) {
	assert.Equal(t, unit.ProfileStandard, PresetFor(unit.ProfileInherit).Profile)
	assert.Equal(t, unit.ProfileHighPerformance, Effective(unit.ProfileInherit, unit.ProfileHighPerformance))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolver

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
)

func desc(id string, deps ...unit.Dependency) unit.Descriptor {
	return unit.Descriptor{ID: id, Parallel: true, Priority: unit.PriorityNormal, Dependencies: deps}
}

func TestResolve_ABCExample(t *testing.T) {
	p, err := Resolve([]unit.Descriptor{
		desc("B", unit.DependsOn("A")),
		desc("C"),
		desc("A"),
	})
	require.NoError(t, err)
	assert.Equal(t, Partition{{"A", "C"}, {"B"}}, p)
}

func TestResolve_TieBreakByPriorityThenID(t *testing.T) {
	low := desc("a")
	low.Priority = unit.PriorityLow
	crit := desc("z")
	crit.Priority = unit.PriorityCritical

	p, err := Resolve([]unit.Descriptor{desc("m"), low, crit, desc("b")})
	require.NoError(t, err)
	assert.Equal(t, Partition{{"z", "b", "m", "a"}}, p)
}

func TestResolve_InformationalEdgesDoNotOrder(t *testing.T) {
	p, err := Resolve([]unit.Descriptor{
		desc("a"),
		desc("b", unit.ReadsFrom("a"), unit.Shares("a"), unit.After("a"), unit.When("a", "mode == fast")),
		desc("c", unit.DependsOn("missing")),
	})
	require.NoError(t, err)
	assert.Equal(t, Partition{{"a", "b", "c"}}, p)
}

func TestResolve_StatusConditionOrders(t *testing.T) {
	p, err := Resolve([]unit.Descriptor{
		desc("b", unit.When("z", "succeeded")),
		desc("c", unit.Dependency{Target: "z", Type: unit.DependencyConditional, Condition: "mode == x || failed"}),
		desc("z"),
	})
	require.NoError(t, err)
	assert.Equal(t, Partition{{"z"}, {"b", "c"}}, p)
}

func TestResolve_StatusConditionCycle(t *testing.T) {
	_, err := Resolve([]unit.Descriptor{
		desc("a", unit.When("b", "completed")),
		desc("b", unit.DependsOn("a")),
	})
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestResolve_Chain(t *testing.T) {
	p, err := Resolve([]unit.Descriptor{
		desc("d", unit.DependsOn("c"), unit.DependsOn("a")),
		desc("c", unit.DependsOn("b")),
		desc("b", unit.DependsOn("a")),
		desc("a"),
	})
	require.NoError(t, err)
	assert.Equal(t, Partition{{"a"}, {"b"}, {"c"}, {"d"}}, p)
	assert.Equal(t, 4, p.Units())
	assert.Equal(t, 3, p.PhaseOf()["d"])
}

func TestResolve_CycleProducesNoPhases(t *testing.T) {
	p, err := Resolve([]unit.Descriptor{
		desc("a", unit.DependsOn("c")),
		desc("b", unit.DependsOn("a")),
		desc("c", unit.DependsOn("b")),
		desc("d", unit.DependsOn("c")),
		desc("free"),
	})
	assert.Nil(t, p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "b", "c", "d"}, cycle.Participants)
	require.NotEmpty(t, cycle.Path)
	assert.Equal(t, cycle.Path[0], cycle.Path[len(cycle.Path)-1])
	assert.NotContains(t, cycle.Path, "d")
}

func TestResolve_SelfDependencyIsCycle(t *testing.T) {
	_, err := Resolve([]unit.Descriptor{desc("a", unit.DependsOn("a"))})
	assert.ErrorIs(t, err, ErrCycleDetected)

	_, err = Resolve([]unit.Descriptor{desc("a", unit.After("a"))})
	assert.NoError(t, err, "optional self edge does not order")
}

func TestResolve_MalformedInput(t *testing.T) {
	_, err := Resolve([]unit.Descriptor{desc("a"), desc("a")})
	assert.ErrorIs(t, err, ErrDuplicateUnit)

	_, err = Resolve([]unit.Descriptor{desc("")})
	assert.ErrorIs(t, err, ErrEmptyID)

	p, err := Resolve(nil)
	assert.NoError(t, err)
	assert.Empty(t, p)
}

// Every required predecessor lands in a strictly earlier phase, for random
// acyclic graphs.
func TestResolve_PredecessorsInEarlierPhases(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(25)
		descs := make([]unit.Descriptor, n)
		for i := 0; i < n; i++ {
			d := desc(fmt.Sprintf("u%02d", i))
			d.Priority = unit.Priority(rng.Intn(4))
			for j := 0; j < i; j++ {
				if rng.Float64() < 0.2 {
					d.Dependencies = append(d.Dependencies, unit.DependsOn(fmt.Sprintf("u%02d", j)))
				}
			}
			descs[i] = d
		}
		rng.Shuffle(n, func(i, j int) { descs[i], descs[j] = descs[j], descs[i] })

		p, err := Resolve(descs)
		require.NoError(t, err)
		require.Equal(t, n, p.Units())

		phaseOf := p.PhaseOf()
		for _, d := range descs {
			for _, target := range d.OrderingTargets() {
				assert.Less(t, phaseOf[target], phaseOf[d.ID], "%s must follow %s", d.ID, target)
			}
		}

		again, err := Resolve(descs)
		require.NoError(t, err)
		assert.True(t, p.Equal(again), "resolution is deterministic")
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolver partitions the units of one scope into ordered phases.
//
// Required execution edges constrain order, as do conditional edges whose
// predicate tests the target's outcome. Data and resource edges are
// informational and other conditional edges are evaluated at run time
// against shared data, so neither is considered here. Edges to ids outside
// the scope are ignored; the validation package reports them.
package resolver

import (
	"fmt"
	"slices"
	"sort"

	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
)

// Partition is an ordered list of phases. Each phase lists unit ids in
// scheduling order: priority descending, then id ascending.
type Partition [][]string

// PhaseOf maps every unit id to its 0-based phase number.
func (p Partition) PhaseOf() map[string]int {
	out := make(map[string]int)
	for i, phase := range p {
		for _, id := range phase {
			out[id] = i
		}
	}
	return out
}

// Units returns the number of ids across all phases.
func (p Partition) Units() int {
	n := 0
	for _, phase := range p {
		n += len(phase)
	}
	return n
}

// Equal reports whether p and o hold the same ids in the same order.
func (p Partition) Equal(o Partition) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if !slices.Equal(p[i], o[i]) {
			return false
		}
	}
	return true
}

// Resolve computes the phase partition of descs using Kahn's algorithm.
//
// Description:
//
//	Builds the graph of required execution edges between known ids, then
//	repeatedly removes every node with no remaining predecessors as the
//	next phase. A required self-dependency is a cycle of length one.
//
// Inputs:
//
//	descs - The units of one scope. Order does not matter.
//
// Outputs:
//
//	Partition - Ordered phases. Nil on error.
//	error - *CycleError (matching ErrCycleDetected), or ErrDuplicateUnit /
//	        ErrEmptyID for malformed input.
func Resolve(descs []unit.Descriptor) (Partition, error) {
	index := make(map[string]unit.Descriptor, len(descs))
	for _, d := range descs {
		if d.ID == "" {
			return nil, ErrEmptyID
		}
		if _, dup := index[d.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateUnit, d.ID)
		}
		index[d.ID] = d
	}

	// successors[t] lists the units that must wait for t.
	successors := make(map[string][]string, len(descs))
	inDegree := make(map[string]int, len(descs))
	for _, d := range descs {
		inDegree[d.ID] += 0
		for _, target := range d.OrderingTargets() {
			if _, known := index[target]; !known {
				continue
			}
			successors[target] = append(successors[target], d.ID)
			inDegree[d.ID]++
		}
	}

	var partition Partition
	placed := 0
	for placed < len(descs) {
		var ready []string
		for id, deg := range inDegree {
			if deg == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, newCycleError(inDegree, successors)
		}
		sortPhase(ready, index)
		for _, id := range ready {
			delete(inDegree, id)
			for _, succ := range successors[id] {
				inDegree[succ]--
			}
		}
		partition = append(partition, ready)
		placed += len(ready)
	}
	return partition, nil
}

// sortPhase orders ids by priority descending, then id ascending.
func sortPhase(ids []string, index map[string]unit.Descriptor) {
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := index[ids[i]].Priority, index[ids[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return ids[i] < ids[j]
	})
}

// newCycleError builds the error for the nodes left in remaining and
// extracts one concrete cycle with a depth-first search.
func newCycleError(remaining map[string]int, successors map[string][]string) *CycleError {
	participants := make([]string, 0, len(remaining))
	for id := range remaining {
		participants = append(participants, id)
	}
	sort.Strings(participants)
	return &CycleError{Participants: participants, Path: findCycle(participants, remaining, successors)}
}

func findCycle(nodes []string, remaining map[string]int, successors map[string][]string) []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string
	var found []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		next := append([]string(nil), successors[id]...)
		sort.Strings(next)
		for _, succ := range next {
			if _, ok := remaining[succ]; !ok {
				continue
			}
			if !visited[succ] {
				if dfs(succ) {
					return true
				}
			} else if onStack[succ] {
				start := slices.Index(path, succ)
				found = append(append([]string(nil), path[start:]...), succ)
				return true
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
		return false
	}

	for _, id := range nodes {
		if !visited[id] && dfs(id) {
			return found
		}
	}
	return nil
}

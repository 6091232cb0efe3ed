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
	"sort"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/planner"
	"github.com/AleutianAI/AleutianFlow/services/flow/result"
)

// Metrics summarizes one run. Every value is derived from the result tree
// and the execution history after the run ends.
type Metrics struct {
	Duration time.Duration `json:"duration"`

	// PhasesExecuted counts phases, across all scopes, in which at least
	// one unit started.
	PhasesExecuted int `json:"phasesExecuted"`

	// Attempts counts command attempts, retries and fallbacks included.
	Attempts int `json:"attempts"`
	Retries  int `json:"retries"`
	Timeouts int `json:"timeouts"`

	FallbacksExecuted int `json:"fallbacksExecuted"`

	// PeakConcurrency is the largest number of command attempts observed
	// running at the same instant.
	PeakConcurrency int `json:"peakConcurrency"`

	Commands    result.Summary `json:"commands"`
	Behaviors   result.Summary `json:"behaviors"`
	Aggregators result.Summary `json:"aggregators"`
}

// ComputeMetrics derives Metrics from a finished run.
//
// Inputs:
//
//	root - The pipeline-level result.
//	plans - Plans keyed by scope path. History entries whose scope and unit
//	        form the path of a planned scope belong to composites and are
//	        not counted as command attempts.
//	history - The run's execution history.
//	d - Wall-clock duration of the run.
func ComputeMetrics(root result.Result, plans map[string]*planner.Plan, history []execctx.HistoryEntry, d time.Duration) Metrics {
	m := Metrics{
		Duration:    d,
		Commands:    root.Summarize(result.LevelCommand),
		Behaviors:   root.Summarize(result.LevelBehavior),
		Aggregators: root.Summarize(result.LevelAggregator),
	}

	type unitKey struct{ scope, id, fallback string }
	maxAttempt := make(map[unitKey]int)
	started := make(map[unitKey]bool)
	var intervals []execctx.HistoryEntry

	for _, h := range history {
		if h.Attempt == 0 {
			continue
		}
		started[unitKey{scope: h.Scope, id: h.UnitID}] = true
		if _, composite := plans[joinPath(h.Scope, h.UnitID)]; composite {
			continue
		}
		m.Attempts++
		if h.Outcome == execctx.OutcomeTimedOut {
			m.Timeouts++
		}
		if h.Fallback != "" && h.Attempt == 1 {
			m.FallbacksExecuted++
		}
		k := unitKey{scope: h.Scope, id: h.UnitID, fallback: h.Fallback}
		if h.Attempt > maxAttempt[k] {
			maxAttempt[k] = h.Attempt
		}
		intervals = append(intervals, h)
	}
	for _, n := range maxAttempt {
		m.Retries += n - 1
	}

	for path, plan := range plans {
		for _, phase := range plan.Phases {
			for _, id := range phase.Units {
				if started[unitKey{scope: path, id: id}] {
					m.PhasesExecuted++
					break
				}
			}
		}
	}
	m.PeakConcurrency = peakConcurrency(intervals)
	return m
}

// peakConcurrency sweeps attempt intervals. An attempt ending at the same
// instant another starts does not overlap it.
func peakConcurrency(entries []execctx.HistoryEntry) int {
	type event struct {
		at    time.Time
		delta int
	}
	events := make([]event, 0, 2*len(entries))
	for _, h := range entries {
		events = append(events, event{h.StartedAt, +1}, event{h.FinishedAt, -1})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].at.Equal(events[j].at) {
			return events[i].delta < events[j].delta
		}
		return events[i].at.Before(events[j].at)
	})

	peak, cur := 0, 0
	for _, e := range events {
		cur += e.delta
		peak = max(peak, cur)
	}
	return peak
}

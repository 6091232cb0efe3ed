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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/planner"
	"github.com/AleutianAI/AleutianFlow/services/flow/result"
)

func TestComputeMetrics(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }
	entry := func(scope, id string, attempt int, outcome execctx.Outcome, from, to int) execctx.HistoryEntry {
		return execctx.HistoryEntry{Scope: scope, UnitID: id, Attempt: attempt, Outcome: outcome, StartedAt: at(from), FinishedAt: at(to)}
	}

	plans := map[string]*planner.Plan{
		"p": {Phases: []planner.Phase{
			{Number: 0, Units: []string{"a", "beh"}},
			{Number: 1, Units: []string{"c"}},
		}},
		"p/beh": {Phases: []planner.Phase{{Number: 0, Units: []string{"x"}}}},
	}
	history := []execctx.HistoryEntry{
		entry("p", "a", 1, execctx.OutcomeFailed, 0, 10),
		entry("p", "a", 2, execctx.OutcomeTimedOut, 10, 20),
		entry("p/beh", "x", 1, execctx.OutcomeSucceeded, 5, 15),
		entry("p", "beh", 1, execctx.OutcomeSucceeded, 0, 16),
		{Scope: "p", UnitID: "c", Outcome: execctx.OutcomeSkipped, StartedAt: at(20), FinishedAt: at(20)},
	}

	m := ComputeMetrics(result.Result{}, plans, history, time.Second)
	assert.Equal(t, time.Second, m.Duration)
	assert.Equal(t, 3, m.Attempts, "composite entries are not attempts")
	assert.Equal(t, 1, m.Retries)
	assert.Equal(t, 1, m.Timeouts)
	assert.Equal(t, 2, m.PhasesExecuted, "the skipped phase did not execute")
	assert.Equal(t, 2, m.PeakConcurrency)
}

func TestPeakConcurrency_TouchingIntervalsDoNotOverlap(t *testing.T) {
	t0 := time.Now()
	entries := []execctx.HistoryEntry{
		{StartedAt: t0, FinishedAt: t0.Add(time.Second)},
		{StartedAt: t0.Add(time.Second), FinishedAt: t0.Add(2 * time.Second)},
	}
	assert.Equal(t, 1, peakConcurrency(entries))
	assert.Zero(t, peakConcurrency(nil))
}

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
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/AleutianAI/AleutianFlow/services/flow/resolver"
	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
)

// Policy is the timeout and retry behaviour resolved for one unit.
type Policy struct {
	Timeout time.Duration    `json:"timeout"`
	Retry   unit.RetryPolicy `json:"retry"`
}

// PlannedUnit is one unit as the plan will run it.
type PlannedUnit struct {
	ID        string                    `json:"id"`
	Name      string                    `json:"name"`
	Category  string                    `json:"category"`
	Priority  string                    `json:"priority"`
	Parallel  bool                      `json:"parallel"`
	Optional  bool                      `json:"optional"`
	Phase     int                       `json:"phase"`
	Estimate  time.Duration             `json:"estimate"`
	Profile   string                    `json:"profile"`
	Resources unit.ResourceRequirements `json:"resources"`
	Policy    Policy                    `json:"policy"`

	// Fallback is the id of the unit run when this one fails, if any.
	Fallback string `json:"fallback,omitempty"`
}

// PlannedDependency is a declared edge, kept for traceability. It is not
// re-evaluated when the plan runs.
type PlannedDependency struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Type      string `json:"type"`
	Required  bool   `json:"required"`
	Condition string `json:"condition,omitempty"`
}

// Phase is a set of units scheduled together.
type Phase struct {
	Number     int                       `json:"number"`
	Units      []string                  `json:"units"`
	Parallel   bool                      `json:"parallel"`
	Timeout    time.Duration             `json:"timeout"`
	MaxRetries int                       `json:"maxRetries"`
	RetryDelay time.Duration             `json:"retryDelay"`
	Optional   bool                      `json:"optional"`
	Resources  unit.ResourceRequirements `json:"resources"`
	Estimated  time.Duration             `json:"estimated"`
}

// Plan is the execution plan of one scope.
type Plan struct {
	ExecutionID       string              `json:"executionId"`
	Scope             string              `json:"scope"`
	Strategy          string              `json:"strategy"`
	Profile           string              `json:"profile"`
	GeneratedAt       time.Time           `json:"generatedAt"`
	Phases            []Phase             `json:"phases"`
	Units             []PlannedUnit       `json:"units"`
	Dependencies      []PlannedDependency `json:"dependencies"`
	EstimatedDuration time.Duration       `json:"estimatedDuration"`
}

// Unit returns the planned unit with the given id.
func (p *Plan) Unit(id string) (PlannedUnit, bool) {
	for _, u := range p.Units {
		if u.ID == id {
			return u, true
		}
	}
	return PlannedUnit{}, false
}

// DependenciesOf returns the declared edges of one unit in declaration
// order.
func (p *Plan) DependenciesOf(id string) []PlannedDependency {
	var out []PlannedDependency
	for _, d := range p.Dependencies {
		if d.From == id {
			out = append(out, d)
		}
	}
	return out
}

// Partition returns the phase partition the plan was built from.
func (p *Plan) Partition() resolver.Partition {
	out := make(resolver.Partition, len(p.Phases))
	for i, ph := range p.Phases {
		out[i] = append([]string(nil), ph.Units...)
	}
	return out
}

// Fingerprint returns a BLAKE3 digest of the plan's structure: strategy,
// phases, their parallel flags and the declared edges. Ids, timestamps and
// policies are excluded, so two plans of the same graph share a
// fingerprint.
func (p *Plan) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "strategy=%s\n", p.Strategy)
	for _, ph := range p.Phases {
		fmt.Fprintf(&b, "phase %d parallel=%t units=%s\n", ph.Number, ph.Parallel, strings.Join(ph.Units, ","))
	}
	edges := make([]string, 0, len(p.Dependencies))
	for _, d := range p.Dependencies {
		edges = append(edges, fmt.Sprintf("%s>%s:%s:%t:%s", d.From, d.To, d.Type, d.Required, d.Condition))
	}
	sort.Strings(edges)
	for _, e := range edges {
		b.WriteString(e)
		b.WriteByte('\n')
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

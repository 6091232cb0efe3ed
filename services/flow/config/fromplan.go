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
	"github.com/AleutianAI/AleutianFlow/services/flow/planner"
)

// FromPlan describes one planned scope as a document of noop commands.
//
// Description:
//
//	Every planned unit becomes a command carrying its resolved policy,
//	resources, profile and declared dependencies. Building and planning
//	the returned document yields the same phase partition and the same
//	plan fingerprint as plan. Fallback units are not part of a plan and
//	are not described.
func FromPlan(plan *planner.Plan) *Document {
	doc := &Document{
		Name: plan.Scope,
		Settings: Settings{
			ExecutionStrategy: plan.Strategy,
			Profile:           plan.Profile,
		},
	}

	deps := make(map[string][]DependencySpec)
	for _, d := range plan.Dependencies {
		required := d.Required
		deps[d.From] = append(deps[d.From], DependencySpec{
			ID:        d.To,
			Type:      d.Type,
			Required:  &required,
			Condition: d.Condition,
		})
	}

	for _, pu := range plan.Units {
		parallel := pu.Parallel
		resources := pu.Resources
		spec := CommandSpec{
			UnitSpec: UnitSpec{
				ID:           pu.ID,
				Name:         pu.Name,
				Category:     pu.Category,
				Priority:     pu.Priority,
				Parallel:     &parallel,
				Optional:     pu.Optional,
				TimeoutMs:    pu.Policy.Timeout.Milliseconds(),
				EstimateMs:   pu.Estimate.Milliseconds(),
				Profile:      pu.Profile,
				Retry:        retrySpecOf(pu.Policy.Retry),
				Resources:    &resources,
				Dependencies: deps[pu.ID],
			},
			Type: NoopType,
		}
		if spec.Name == spec.ID {
			spec.Name = ""
		}
		doc.Commands = append(doc.Commands, spec)
	}
	return doc
}

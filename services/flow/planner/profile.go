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
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/unit"
)

const (
	mib = int64(1) << 20
	gib = int64(1) << 30
)

// Preset is the set of defaults a profile applies to units that do not
// override them.
type Preset struct {
	Profile   unit.Profile
	Resources unit.ResourceRequirements
	Timeout   time.Duration
	Retry     unit.RetryPolicy
	Estimate  time.Duration
}

var presets = map[unit.Profile]Preset{
	unit.ProfileMinimal: {
		Profile:   unit.ProfileMinimal,
		Resources: unit.ResourceRequirements{MinMemoryBytes: 64 * mib, MaxMemoryBytes: 256 * mib, CPUCores: 0.5},
		Timeout:   30 * time.Second,
		Retry:     unit.RetryPolicy{MaxRetries: 1, Delay: 500 * time.Millisecond, BackoffMultiplier: 1.5, MaxDelay: 5 * time.Second},
		Estimate:  time.Second,
	},
	unit.ProfileStandard: {
		Profile:   unit.ProfileStandard,
		Resources: unit.ResourceRequirements{MinMemoryBytes: 256 * mib, MaxMemoryBytes: 1 * gib, CPUCores: 1, DiskBytes: 1 * gib},
		Timeout:   2 * time.Minute,
		Retry:     unit.RetryPolicy{MaxRetries: 2, Delay: time.Second, BackoffMultiplier: 2, MaxDelay: 30 * time.Second},
		Estimate:  5 * time.Second,
	},
	unit.ProfileHighPerformance: {
		Profile:   unit.ProfileHighPerformance,
		Resources: unit.ResourceRequirements{MinMemoryBytes: 1 * gib, MaxMemoryBytes: 4 * gib, CPUCores: 4, DiskBytes: 10 * gib},
		Timeout:   10 * time.Minute,
		Retry:     unit.RetryPolicy{MaxRetries: 3, Delay: 2 * time.Second, BackoffMultiplier: 2, MaxDelay: time.Minute},
		Estimate:  30 * time.Second,
	},
	unit.ProfileAIHeavy: {
		Profile:   unit.ProfileAIHeavy,
		Resources: unit.ResourceRequirements{MinMemoryBytes: 4 * gib, MaxMemoryBytes: 16 * gib, CPUCores: 8, DiskBytes: 20 * gib, GPU: true},
		Timeout:   30 * time.Minute,
		Retry:     unit.RetryPolicy{MaxRetries: 3, Delay: 5 * time.Second, BackoffMultiplier: 2, MaxDelay: 2 * time.Minute},
		Estimate:  time.Minute,
	},
}

// PresetFor returns the defaults of p. ProfileInherit and unknown values
// yield the Standard preset.
func PresetFor(p unit.Profile) Preset {
	if preset, ok := presets[p]; ok {
		return preset
	}
	return presets[unit.ProfileStandard]
}

// Effective picks the first concrete profile of candidates, falling back to
// Standard.
func Effective(candidates ...unit.Profile) unit.Profile {
	for _, p := range candidates {
		if p != unit.ProfileInherit {
			return p
		}
	}
	return unit.ProfileStandard
}

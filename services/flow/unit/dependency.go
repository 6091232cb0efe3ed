// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package unit

import (
	"fmt"
	"math"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
)

// Dependency is a directed edge from the declaring unit to Target.
type Dependency struct {
	// Target is the id of a sibling unit in the same scope.
	Target string

	// Type selects ordering, informational or conditional semantics.
	Type DependencyType

	// Required edges block the dependent when the target does not succeed
	// (or, for conditional edges, when the predicate is not satisfied).
	Required bool

	// Condition is the predicate of a DependencyConditional edge.
	Condition string
}

// DependsOn returns a required execution edge.
func DependsOn(target string) Dependency {
	return Dependency{Target: target, Type: DependencyExecution, Required: true}
}

// After returns an optional execution edge: the target's outcome is
// recorded but never blocks the dependent.
func After(target string) Dependency {
	return Dependency{Target: target, Type: DependencyExecution}
}

// ReadsFrom returns an informational data edge.
func ReadsFrom(target string) Dependency {
	return Dependency{Target: target, Type: DependencyData}
}

// Shares returns an informational resource edge.
func Shares(target string) Dependency {
	return Dependency{Target: target, Type: DependencyResource}
}

// When returns a required conditional edge.
func When(target, condition string) Dependency {
	return Dependency{Target: target, Type: DependencyConditional, Required: true, Condition: condition}
}

// Orders reports whether the edge constrains scheduling order. Required
// execution edges always do. A conditional edge orders when its predicate
// tests the target's outcome, since that outcome must exist before the
// predicate is evaluated.
func (d Dependency) Orders() bool {
	switch d.Type {
	case DependencyExecution:
		return d.Required
	case DependencyConditional:
		return execctx.ReferencesTarget(d.Condition)
	default:
		return false
	}
}

func (d Dependency) String() string {
	req := "optional"
	if d.Required {
		req = "required"
	}
	if d.Condition != "" {
		return fmt.Sprintf("%s(%s, %s, %q)", d.Type, d.Target, req, d.Condition)
	}
	return fmt.Sprintf("%s(%s, %s)", d.Type, d.Target, req)
}

// ResourceRequirements describe the expected footprint of a unit or phase.
// They are advisory: reported in plans and results, never enforced.
type ResourceRequirements struct {
	MinMemoryBytes int64   `json:"minMemoryBytes" yaml:"minMemoryBytes"`
	MaxMemoryBytes int64   `json:"maxMemoryBytes" yaml:"maxMemoryBytes"`
	CPUCores       float64 `json:"cpuCores" yaml:"cpuCores"`
	DiskBytes      int64   `json:"diskBytes" yaml:"diskBytes"`
	GPU            bool    `json:"gpu" yaml:"gpu"`
}

// Plus returns the element-wise sum of r and o. GPU is true if either is.
func (r ResourceRequirements) Plus(o ResourceRequirements) ResourceRequirements {
	return ResourceRequirements{
		MinMemoryBytes: r.MinMemoryBytes + o.MinMemoryBytes,
		MaxMemoryBytes: r.MaxMemoryBytes + o.MaxMemoryBytes,
		CPUCores:       r.CPUCores + o.CPUCores,
		DiskBytes:      r.DiskBytes + o.DiskBytes,
		GPU:            r.GPU || o.GPU,
	}
}

// Max returns the element-wise maximum of r and o.
func (r ResourceRequirements) Max(o ResourceRequirements) ResourceRequirements {
	return ResourceRequirements{
		MinMemoryBytes: max(r.MinMemoryBytes, o.MinMemoryBytes),
		MaxMemoryBytes: max(r.MaxMemoryBytes, o.MaxMemoryBytes),
		CPUCores:       math.Max(r.CPUCores, o.CPUCores),
		DiskBytes:      max(r.DiskBytes, o.DiskBytes),
		GPU:            r.GPU || o.GPU,
	}
}

// RetryPolicy controls re-invocation of a failing unit.
//
// Delay before retry n (0-based) is Delay * BackoffMultiplier^n, capped at
// MaxDelay when MaxDelay is positive. A multiplier of 1 gives constant
// delays.
type RetryPolicy struct {
	MaxRetries        int           `json:"maxRetries" yaml:"maxRetries"`
	Delay             time.Duration `json:"delay" yaml:"delay"`
	BackoffMultiplier float64       `json:"backoffMultiplier" yaml:"backoffMultiplier"`
	MaxDelay          time.Duration `json:"maxDelay" yaml:"maxDelay"`
}

// Validate checks that the policy can be applied.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: MaxRetries must be >= 0, got %d", ErrInvalidRetryPolicy, p.MaxRetries)
	}
	if p.Delay < 0 {
		return fmt.Errorf("%w: Delay must be >= 0, got %v", ErrInvalidRetryPolicy, p.Delay)
	}
	if p.BackoffMultiplier != 0 && p.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: BackoffMultiplier must be >= 1, got %v", ErrInvalidRetryPolicy, p.BackoffMultiplier)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("%w: MaxDelay must be >= 0, got %v", ErrInvalidRetryPolicy, p.MaxDelay)
	}
	return nil
}

// Backoff returns the delay before retry n, where n is 0 for the first
// retry. A zero multiplier is treated as 1.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if p.Delay <= 0 || n < 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult == 0 {
		mult = 1
	}
	d := float64(p.Delay) * math.Pow(mult, float64(n))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

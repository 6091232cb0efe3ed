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
	"strings"
)

// =============================================================================
// Category
// =============================================================================

// Category classifies what a unit does. It is reported but never changes
// scheduling.
type Category int

const (
	CategoryGeneral Category = iota
	CategoryDataProcessing
	CategoryAIInference
	CategoryRetrieval
	CategoryIO
	CategoryValidation
	CategoryNotification
)

var categoryNames = map[Category]string{
	CategoryGeneral:        "general",
	CategoryDataProcessing: "data_processing",
	CategoryAIInference:    "ai_inference",
	CategoryRetrieval:      "retrieval",
	CategoryIO:             "io",
	CategoryValidation:     "validation",
	CategoryNotification:   "notification",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// ParseCategory converts a configuration string into a Category.
// The empty string maps to CategoryGeneral.
func ParseCategory(s string) (Category, error) {
	key := normalize(s)
	if key == "" {
		return CategoryGeneral, nil
	}
	for c, name := range categoryNames {
		if name == key || strings.ReplaceAll(name, "_", "") == key {
			return c, nil
		}
	}
	return CategoryGeneral, fmt.Errorf("%w: category %q", ErrUnknownEnum, s)
}

// =============================================================================
// Priority
// =============================================================================

// Priority breaks ties inside a phase. Higher priorities are listed first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a configuration string into a Priority.
// The empty string maps to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch normalize(s) {
	case "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "normal", "medium":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("%w: priority %q", ErrUnknownEnum, s)
	}
}

// =============================================================================
// Strategy
// =============================================================================

// Strategy governs how a scope schedules its own children.
//
// Sequential runs every phase one unit at a time. Parallel allows phases
// whose members are all parallel-safe to run concurrently. Conditional
// behaves like Sequential but also skips units whose optional conditional
// edges are unsatisfied. Fallback pairs failing primaries with a designated
// fallback sibling.
type Strategy int

const (
	StrategySequential Strategy = iota
	StrategyParallel
	StrategyConditional
	StrategyFallback
)

func (s Strategy) String() string {
	switch s {
	case StrategySequential:
		return "sequential"
	case StrategyParallel:
		return "parallel"
	case StrategyConditional:
		return "conditional"
	case StrategyFallback:
		return "fallback"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy converts a configuration string into a Strategy.
// The empty string maps to StrategySequential.
func ParseStrategy(s string) (Strategy, error) {
	switch normalize(s) {
	case "", "sequential":
		return StrategySequential, nil
	case "parallel":
		return StrategyParallel, nil
	case "conditional":
		return StrategyConditional, nil
	case "fallback":
		return StrategyFallback, nil
	default:
		return StrategySequential, fmt.Errorf("%w: execution strategy %q", ErrUnknownEnum, s)
	}
}

// =============================================================================
// Dependency types
// =============================================================================

// DependencyType is the kind of edge between two units of the same scope.
type DependencyType int

const (
	// DependencyExecution orders the dependent after its target.
	DependencyExecution DependencyType = iota

	// DependencyData records that the dependent reads the target's output.
	// It does not reorder.
	DependencyData

	// DependencyResource records a shared resource. It does not reorder.
	DependencyResource

	// DependencyConditional carries a predicate evaluated just before the
	// dependent's phase starts.
	DependencyConditional
)

func (d DependencyType) String() string {
	switch d {
	case DependencyExecution:
		return "execution"
	case DependencyData:
		return "data"
	case DependencyResource:
		return "resource"
	case DependencyConditional:
		return "conditional"
	default:
		return fmt.Sprintf("dependency(%d)", int(d))
	}
}

// ParseDependencyType converts a configuration string into a DependencyType.
// The empty string maps to DependencyExecution.
func ParseDependencyType(s string) (DependencyType, error) {
	switch normalize(s) {
	case "", "execution":
		return DependencyExecution, nil
	case "data":
		return DependencyData, nil
	case "resource":
		return DependencyResource, nil
	case "conditional":
		return DependencyConditional, nil
	default:
		return DependencyExecution, fmt.Errorf("%w: dependency type %q", ErrUnknownEnum, s)
	}
}

// =============================================================================
// Profiles
// =============================================================================

// Profile names a preset of timeout, retry and resource defaults keyed by
// expected workload. ProfileInherit defers to the enclosing scope.
type Profile int

const (
	ProfileInherit Profile = iota
	ProfileMinimal
	ProfileStandard
	ProfileHighPerformance
	ProfileAIHeavy
)

func (p Profile) String() string {
	switch p {
	case ProfileInherit:
		return "inherit"
	case ProfileMinimal:
		return "minimal"
	case ProfileStandard:
		return "standard"
	case ProfileHighPerformance:
		return "high_performance"
	case ProfileAIHeavy:
		return "ai_heavy"
	default:
		return fmt.Sprintf("profile(%d)", int(p))
	}
}

// ParseProfile converts a configuration string into a Profile.
// The empty string maps to ProfileInherit.
func ParseProfile(s string) (Profile, error) {
	switch normalize(s) {
	case "", "inherit":
		return ProfileInherit, nil
	case "minimal":
		return ProfileMinimal, nil
	case "standard":
		return ProfileStandard, nil
	case "high_performance", "highperformance":
		return ProfileHighPerformance, nil
	case "ai_heavy", "aiheavy":
		return ProfileAIHeavy, nil
	default:
		return ProfileInherit, fmt.Errorf("%w: profile %q", ErrUnknownEnum, s)
	}
}

// normalize lower-cases s and folds '-' and ' ' to '_'.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

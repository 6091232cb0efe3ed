// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package unit defines the schedulable units of a workflow.
//
// A unit is a Command (leaf operation), a Behavior (group of commands) or an
// Aggregator (group of behaviors and commands). All share the Descriptor
// shape; only commands do work themselves. Behaviors and aggregators are
// composed in the pipeline package.
//
// # Thread Safety
//
// Descriptors are values. Command implementations must be safe for
// concurrent use when they declare Parallel.
package unit

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/execctx"
	"github.com/AleutianAI/AleutianFlow/services/flow/value"
)

// Descriptor is the scheduling metadata of a unit.
//
// Zero values of Timeout, Estimate, Profile, Resources and Retry mean
// "inherit from the scope profile".
type Descriptor struct {
	// ID is unique within the unit's scope.
	ID string

	// Name is for display. Defaults to ID.
	Name string

	Category Category
	Priority Priority

	// Parallel allows the unit to share a phase with concurrent siblings.
	Parallel bool

	// Optional units may fail without failing their parent.
	Optional bool

	// Dependencies are edges to siblings, in declaration order.
	Dependencies []Dependency

	// Estimate is the expected duration used for plan estimates.
	Estimate time.Duration

	// Timeout bounds each attempt.
	Timeout time.Duration

	Profile   Profile
	Resources *ResourceRequirements
	Retry     *RetryPolicy
}

// DisplayName returns Name, or ID when Name is empty.
func (d Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Dependencies != nil {
		out.Dependencies = make([]Dependency, len(d.Dependencies))
		copy(out.Dependencies, d.Dependencies)
	}
	if d.Resources != nil {
		r := *d.Resources
		out.Resources = &r
	}
	if d.Retry != nil {
		r := *d.Retry
		out.Retry = &r
	}
	return out
}

// OrderingTargets returns the targets of the edges that order d (see
// Dependency.Orders), in declaration order and without duplicates.
func (d Descriptor) OrderingTargets() []string {
	var out []string
	seen := make(map[string]bool)
	for _, dep := range d.Dependencies {
		if dep.Orders() && !seen[dep.Target] {
			seen[dep.Target] = true
			out = append(out, dep.Target)
		}
	}
	return out
}

// Unit is anything the resolver and planner can schedule.
type Unit interface {
	Descriptor() Descriptor
}

// Output is what a command hands back to the engine.
type Output struct {
	// Data is recorded on the command's result.
	Data value.Value

	// Warnings and Information are copied onto the result.
	Warnings    []string
	Information []string
}

// Command is a leaf unit that performs work.
//
// Description:
//
//	Execute runs one attempt. The engine may call it several times when
//	retries are configured. ctx carries the per-attempt timeout and the
//	run's cancellation. ec is the run's shared execution context.
//
// Outputs:
//
//	Output - Result data and messages.
//	error - Non-nil marks the attempt failed. Wrap with Permanent to stop
//	        retrying.
type Command interface {
	Unit
	Execute(ctx context.Context, ec *execctx.Context) (Output, error)
}

// Base provides the Descriptor method for embedding in commands.
type Base struct {
	Meta Descriptor
}

// Descriptor returns a copy of the embedded metadata.
func (b *Base) Descriptor() Descriptor {
	return b.Meta.Clone()
}

// ExecuteFunc is the signature of a function-backed command.
type ExecuteFunc func(ctx context.Context, ec *execctx.Context) (Output, error)

// Func is a command backed by a function.
type Func struct {
	Base
	fn ExecuteFunc
}

// NewFunc creates a function-backed command.
func NewFunc(meta Descriptor, fn ExecuteFunc) *Func {
	return &Func{Base: Base{Meta: meta}, fn: fn}
}

// Execute implements Command.
func (f *Func) Execute(ctx context.Context, ec *execctx.Context) (Output, error) {
	return f.fn(ctx, ec)
}

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
	"strings"
)

// Sentinel errors for the resolver package.
var (
	// ErrCycleDetected is returned when required execution edges form a cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrDuplicateUnit is returned when two units in one scope share an id.
	ErrDuplicateUnit = errors.New("duplicate unit id")

	// ErrEmptyID is returned for a unit with no id.
	ErrEmptyID = errors.New("unit id must not be empty")
)

// CycleError reports the units that could not be placed in any phase.
type CycleError struct {
	// Participants are every unit left with unresolved predecessors,
	// sorted by id.
	Participants []string

	// Path is one concrete cycle among the participants, first id repeated
	// at the end. It may be empty if only dependents of a cycle remain.
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("dependency cycle detected: %s (participants: %s)",
			strings.Join(e.Path, " -> "), strings.Join(e.Participants, ", "))
	}
	return fmt.Sprintf("dependency cycle detected among: %s", strings.Join(e.Participants, ", "))
}

// Unwrap lets errors.Is match ErrCycleDetected.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}
